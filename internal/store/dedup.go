package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// hashTestCommand folds a free-form test command into a fixed-width value
// for the dedup unique index; the command itself can be arbitrarily long
// and contain characters a composite index would rather not carry.
func hashTestCommand(cmd string) string {
	sum := sha256.Sum256([]byte(cmd))
	return hex.EncodeToString(sum[:])
}

// DedupBucket buckets a timestamp into a coarse window for idempotent job
// creation: a delivery replayed within the same window hashes to the same
// bucket and collides with the unique index instead of inserting twice.
func DedupBucket(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		window = time.Minute
	}
	return t.Unix() / int64(window.Seconds())
}
