package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. It is intended for
// single-instance or development use; Claim emulates row-level
// skip-locked semantics with a BEGIN IMMEDIATE transaction, which takes
// SQLite's single writer lock up front and so serializes concurrent
// claimers instead of letting them contend row-by-row. Correctness is
// equivalent to FOR UPDATE SKIP LOCKED for this workload: claim batches
// are small and infrequent, so serializing them does not become a
// throughput bottleneck the way it would for a high write-rate table.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLite opens (creating if needed) a SQLite-backed store. dsn may be
// ":memory:" for tests or a file path for persistent single-node use.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection avoids "database is locked" errors from
	// modernc.org/sqlite's driver-level connection pool; BEGIN IMMEDIATE
	// already serializes writers, so nothing is gained by pooling.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStore{db: db, log: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL DEFAULT 'pending',
			repo_owner TEXT NOT NULL,
			repo_name TEXT NOT NULL,
			installation_id INTEGER NOT NULL,
			issue_number INTEGER NOT NULL,
			requester TEXT NOT NULL,
			good_sha TEXT NOT NULL,
			bad_sha TEXT NOT NULL,
			test_command TEXT NOT NULL,
			test_command_hash TEXT NOT NULL,
			dedup_bucket INTEGER NOT NULL,
			worker_id TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			heartbeat_at DATETIME,
			finished_at DATETIME,
			culprit_sha TEXT,
			error_message TEXT,
			progress_log TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_worker_id ON jobs(worker_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs(
			installation_id, issue_number, good_sha, bad_sha, test_command_hash, requester, dedup_bucket
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *SQLiteStore) Create(ctx context.Context, spec CreateSpec) (int64, error) {
	hash := hashTestCommand(spec.TestCommand)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			status, repo_owner, repo_name, installation_id, issue_number, requester,
			good_sha, bad_sha, test_command, test_command_hash, dedup_bucket
		) VALUES ('pending', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(installation_id, issue_number, good_sha, bad_sha, test_command_hash, requester, dedup_bucket)
		DO NOTHING`,
		spec.RepoOwner, spec.RepoName, spec.InstallationID, spec.IssueNumber, spec.Requester,
		spec.GoodSHA, spec.BadSHA, spec.TestCommand, hash, spec.DedupBucket)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		id, err := s.existingID(ctx, spec, hash)
		if err != nil {
			return 0, err
		}
		return id, ErrDuplicate
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) existingID(ctx context.Context, spec CreateSpec, hash string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE installation_id = ? AND issue_number = ? AND good_sha = ?
		 AND bad_sha = ? AND test_command_hash = ? AND requester = ? AND dedup_bucket = ?`,
		spec.InstallationID, spec.IssueNumber, spec.GoodSHA, spec.BadSHA, hash, spec.Requester, spec.DedupBucket).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup duplicate: %w", err)
	}
	return id, nil
}

// Claim serializes claimers on the SQLite write lock: BEGIN IMMEDIATE
// acquires it before any row is read, so only one goroutine/process at a
// time evaluates eligibility and assigns ownership. See the type doc for
// why this is an equivalent substitute for FOR UPDATE SKIP LOCKED here.
func (s *SQLiteStore) Claim(ctx context.Context, workerID string, limit int, pendingGrace, heartbeatStale time.Duration) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	// database/sql's Tx always issues a plain BEGIN, which in SQLite
	// defers lock acquisition until the first write and lets two
	// claimers both pass the SELECT before either writes. Pinning a
	// single connection and issuing BEGIN IMMEDIATE by hand takes the
	// write lock up front instead, so the loser blocks (then retries
	// under busy_timeout) rather than racing.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	pendingCutoff := time.Now().Add(-pendingGrace)
	staleCutoff := time.Now().Add(-heartbeatStale)

	rows, err := conn.QueryContext(ctx,
		`SELECT id FROM jobs
		 WHERE (status = 'pending' AND created_at < ?)
		    OR (status = 'running' AND heartbeat_at < ?)
		 ORDER BY id LIMIT ?`,
		pendingCutoff, staleCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now()
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if _, err := conn.ExecContext(ctx,
			`UPDATE jobs SET
				status = 'running',
				worker_id = ?,
				attempt_count = attempt_count + 1,
				started_at = COALESCE(started_at, ?),
				heartbeat_at = ?
			 WHERE id = ?`,
			workerID, now, now, id); err != nil {
			return nil, fmt.Errorf("claim job %d: %w", id, err)
		}
		job, err := s.scanJob(conn.QueryRowContext(ctx, jobSelectColumns+" FROM jobs WHERE id = ?", id))
		if err != nil {
			return nil, fmt.Errorf("reload claimed job %d: %w", id, err)
		}
		jobs = append(jobs, job)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	committed = true
	return jobs, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id int64, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND worker_id = ? AND status = 'running'`,
		time.Now(), id, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id int64, workerID string, progressLog string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress_log = ? WHERE id = ? AND worker_id = ? AND status = 'running'`,
		progressLog, id, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) Finish(ctx context.Context, id int64, workerID string, outcome Outcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, culprit_sha = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		outcome.Status, outcome.CulpritSHA, outcome.ErrorMessage, time.Now(), id, workerID)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *SQLiteStore) Release(ctx context.Context, id int64, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', worker_id = NULL, started_at = NULL,
			attempt_count = attempt_count - 1
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("release job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *SQLiteStore) FailIfExhausted(ctx context.Context, id int64) (bool, error) {
	reason := "retry limit exceeded"
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, finished_at = ?
		 WHERE id = ? AND status = 'running' AND attempt_count > ?`,
		reason, time.Now(), id, MaxAttempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Job, error) {
	job, err := s.scanJob(s.db.QueryRowContext(ctx, jobSelectColumns+" FROM jobs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) Stats(ctx context.Context, workerID string) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return st, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = count
		case StatusRunning:
			st.Running = count
		case StatusCompleted:
			st.Completed = count
		case StatusFailed:
			st.Failed = count
		case StatusCancelled:
			st.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if workerID != "" {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE worker_id = ? AND status = 'running'`, workerID).Scan(&st.OwnedByWorker); err != nil {
			return st, err
		}
	}
	return st, nil
}

const jobSelectColumns = `SELECT id, status, repo_owner, repo_name, installation_id, issue_number, requester,
	good_sha, bad_sha, test_command, worker_id, attempt_count, created_at, started_at, heartbeat_at,
	finished_at, culprit_sha, error_message, progress_log`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var status string
	if err := row.Scan(&j.ID, &status, &j.RepoOwner, &j.RepoName, &j.InstallationID, &j.IssueNumber,
		&j.Requester, &j.GoodSHA, &j.BadSHA, &j.TestCommand, &j.WorkerID, &j.AttemptCount, &j.CreatedAt,
		&j.StartedAt, &j.HeartbeatAt, &j.FinishedAt, &j.CulpritSHA, &j.ErrorMessage, &j.ProgressLog); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return j, nil
}
