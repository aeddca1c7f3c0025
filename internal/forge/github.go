package forge

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v4"

	"github.com/bobrenjc93/bisect/internal/crypto"
)

const (
	apiBaseURL = "https://api.github.com"

	// tokenCacheMargin is how much earlier than the token's real expiry it
	// is treated as expired, per the installation-credential-cache rule:
	// entries expire at most 50 minutes after issue for a 60 minute token.
	tokenCacheMargin = 10 * time.Minute

	// maxCallRetries bounds the number of retries a single forge call makes
	// before giving up; 2 retries means 3 attempts total.
	maxCallRetries = 2
)

// GitHub implements Forge against the GitHub App / REST API.
type GitHub struct {
	AppID      int64
	PrivateKey *rsa.PrivateKey

	// Client is the HTTP client used for all calls. If nil, http.DefaultClient is used.
	Client *http.Client

	// BaseURL overrides apiBaseURL. Tests point it at an httptest server.
	BaseURL string

	// Cipher, if set, encrypts installation tokens before they sit in the
	// in-memory cache, so a heap or core dump never exposes one in the
	// clear. Tokens are still short-lived and never written to the store;
	// this only narrows the in-process exposure window.
	Cipher *crypto.Cipher

	cacheMu sync.RWMutex
	cache   map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewGitHub parses a PEM-encoded App private key and returns a GitHub forge client.
func NewGitHub(appID int64, pemKey []byte) (*GitHub, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("forge: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		keyAny, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("forge: parse private key: %w", err)
		}
		var ok bool
		key, ok = keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("forge: private key is not RSA")
		}
	}

	return &GitHub{
		AppID:      appID,
		PrivateKey: key,
		cache:      make(map[int64]cachedToken),
	}, nil
}

func (g *GitHub) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return http.DefaultClient
}

func (g *GitHub) baseURL() string {
	if g.BaseURL != "" {
		return g.BaseURL
	}
	return apiBaseURL
}

// MintInstallationToken returns a cached token if one has more than
// tokenCacheMargin left on it, otherwise mints a fresh app JWT and
// exchanges it for a new installation token.
func (g *GitHub) MintInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	g.cacheMu.RLock()
	cached, ok := g.cache[installationID]
	g.cacheMu.RUnlock()
	if ok && time.Now().Add(tokenCacheMargin).Before(cached.expiresAt) {
		token, err := g.decryptCached(cached.token)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("forge: decrypt cached token: %w", err)
		}
		return token, cached.expiresAt, nil
	}

	var token string
	var expiresAt time.Time
	err := g.call(ctx, true, func() error {
		t, exp, err := g.requestInstallationToken(ctx, installationID)
		if err != nil {
			return err
		}
		token, expiresAt = t, exp
		return nil
	})
	if err != nil {
		return "", time.Time{}, err
	}

	stored, err := g.encryptForCache(token)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("forge: encrypt token for cache: %w", err)
	}
	g.cacheMu.Lock()
	g.cache[installationID] = cachedToken{token: stored, expiresAt: expiresAt}
	g.cacheMu.Unlock()

	return token, expiresAt, nil
}

func (g *GitHub) encryptForCache(token string) (string, error) {
	if g.Cipher == nil {
		return token, nil
	}
	return g.Cipher.Encrypt(token)
}

func (g *GitHub) decryptCached(stored string) (string, error) {
	if g.Cipher == nil {
		return stored, nil
	}
	return g.Cipher.Decrypt(stored)
}

func (g *GitHub) requestInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	appJWT, err := g.appJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", g.baseURL(), installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := g.client().Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, newStatusError(resp)
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, fmt.Errorf("decode installation token response: %w", err)
	}
	return result.Token, result.ExpiresAt, nil
}

// appJWT mints a short-lived self-assertion signed with the App's private
// key, valid no more than 10 minutes as GitHub requires.
func (g *GitHub) appJWT() (string, error) {
	if g.PrivateKey == nil {
		return "", fmt.Errorf("forge: private key not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": g.AppID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(g.PrivateKey)
}

// CloneURL embeds token as HTTP basic auth on cloneURL, following GitHub's
// convention of an "x-access-token" username for installation tokens.
func (g *GitHub) CloneURL(cloneURL, token string) (string, error) {
	if token == "" {
		return cloneURL, nil
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("forge: parse clone url: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// CreateComment posts a new issue comment. Per the forge client's failure
// model this is a non-idempotent write: it is retried only on
// connection-level failures, never once a response with an HTTP status
// was received.
func (g *GitHub) CreateComment(ctx context.Context, token, owner, repo string, issueNumber int, body string) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", g.baseURL(), owner, repo, issueNumber)

	var id int64
	err := g.call(ctx, false, func() error {
		payload, _ := json.Marshal(map[string]string{"body": body})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		g.setHeaders(req, token)

		resp, err := g.client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			return newStatusError(resp)
		}
		var result struct {
			ID int64 `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return backoff.Permanent(fmt.Errorf("decode comment response: %w", err))
		}
		id = result.ID
		return nil
	})
	return id, err
}

// UpdateComment replaces the body of an existing comment. Edits are
// explicitly idempotent, so they are retried on any failure.
func (g *GitHub) UpdateComment(ctx context.Context, token, owner, repo string, commentID int64, body string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/comments/%d", g.baseURL(), owner, repo, commentID)

	return g.call(ctx, true, func() error {
		payload, _ := json.Marshal(map[string]string{"body": body})
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		g.setHeaders(req, token)

		resp, err := g.client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return newStatusError(resp)
		}
		return nil
	})
}

func (g *GitHub) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

// statusError represents a response the forge answered with an HTTP error
// status, as distinct from a connection-level failure. Non-idempotent
// calls must not retry it; once GitHub has answered, the request may
// already have taken effect.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("github api error: %d - %s", e.Code, e.Body)
}

func newStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &statusError{Code: resp.StatusCode, Body: string(body)}
}

// call runs op with jittered exponential backoff up to maxCallRetries
// retries. For non-idempotent calls, a *statusError (a response was
// received, so the write may already have taken effect) is never
// retried; only errors below the HTTP layer (connection refused, DNS
// failure, timeout) are. Idempotent calls retry on either kind.
func (g *GitHub) call(ctx context.Context, idempotent bool, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxCallRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !idempotent {
			if _, ok := err.(*statusError); ok {
				return backoff.Permanent(err)
			}
		}
		return err
	}, policy)
}
