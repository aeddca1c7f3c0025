// Package forge talks to the source forge (GitHub): it mints short-lived
// installation tokens, embeds them into clone URLs, and creates or updates
// issue comments used to report bisect progress and results.
package forge

import (
	"context"
	"time"
)

// Forge is the boundary between the bisect executor and the source forge.
// A single implementation backs every installation; callers pass the
// installation id explicitly rather than binding one Forge per repo.
type Forge interface {
	// MintInstallationToken exchanges the app's identity for a token scoped
	// to the given installation, valid for roughly an hour. Implementations
	// are expected to cache the result; callers should call this on every
	// use rather than holding a token themselves.
	MintInstallationToken(ctx context.Context, installationID int64) (token string, expiresAt time.Time, err error)

	// CloneURL returns cloneURL with token embedded as HTTP basic auth.
	// The returned string is a secret and must never be logged verbatim.
	CloneURL(cloneURL, token string) (string, error)

	// CreateComment posts a new issue comment and returns its id.
	CreateComment(ctx context.Context, token, owner, repo string, issueNumber int, body string) (commentID int64, err error)

	// UpdateComment replaces the body of an existing issue comment.
	UpdateComment(ctx context.Context, token, owner, repo string, commentID int64, body string) error
}
