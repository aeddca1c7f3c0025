// Package ingress is the security-critical edge: it authenticates inbound
// GitHub issue-comment webhooks, parses the /bisect command grammar, and
// turns a valid comment into at most one job row. Nothing here ever talks
// to git or a sandbox; a rejected comment never creates a job.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bobrenjc93/bisect/internal/bisect"
	"github.com/bobrenjc93/bisect/internal/forge"
	"github.com/bobrenjc93/bisect/internal/store"
)

// rejectionReplyTimeout bounds the background call posting a rejection
// comment; it runs detached from the request context, which is cancelled
// as soon as ServeHTTP returns.
const rejectionReplyTimeout = 30 * time.Second

const defaultDedupWindow = 60 * time.Second

// shellMetacharacters rejects a test command at ingress if it contains any
// of the characters that would let a comment author escalate from "run
// this test command" to "run arbitrary shell" once the string reaches a
// shell downstream: DockerRunner hands the string to sh -c inside the
// container, and BareMetalRunner hands it to sh -c on the host.
var shellMetacharacters = regexp.MustCompile("[;&|`$<>\n]")

// systemPathWrite rejects a test command that redirects or copies output
// into a system directory, the other half of "run this test command"
// escaping into tampering with the host outside the sandboxed worktree.
var systemPathWrite = regexp.MustCompile(`(?i)(>{1,2}|\btee\b|\bdd\b\s+of=|\bcp\b|\bmv\b).*(/etc|/dev|/proc|/sys|/boot|/root)(/|\s|$)`)

// hexEncodedPayload rejects a test command that smuggles an executable
// payload as an escaped-hex or base64 blob meant to be decoded and run,
// rather than a literal command a reviewer can read.
var hexEncodedPayload = regexp.MustCompile(`(?i)(\\x[0-9a-f]{2}){4,}|\bxxd\s+-r\b|\bbase64\s+(-d|--decode)\b`)

// ownerRE and repoNameRE mirror GitHub's own owner and repository name
// grammar, rejecting a payload whose repository fields were tampered with
// or never matched a real GitHub entity.
var ownerRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
var repoNameRE = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

const (
	maxOwnerLen = 39
	maxRepoLen  = 100
)

var commandRE = regexp.MustCompile(`^/bisect\s+(\S+)\s+(\S+)\s+(.+)$`)

// Handler authenticates and parses inbound GitHub issue-comment webhooks.
type Handler struct {
	Store         store.Store
	Forge         forge.Forge
	WebhookSecret string
	DedupWindow   time.Duration
	Log           *slog.Logger
}

func (h *Handler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

func (h *Handler) dedupWindow() time.Duration {
	if h.DedupWindow > 0 {
		return h.DedupWindow
	}
	return defaultDedupWindow
}

// issueCommentPayload covers exactly the fields the ingress path needs
// from a GitHub issue_comment webhook delivery.
type issueCommentPayload struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// ServeHTTP implements the webhook contract: 200 on accepted or
// silently-ignored, 401 on bad signature, 400 on malformed payload.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.log().With("source_addr", r.RemoteAddr)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn("webhook read failed", "event", "webhook", "outcome", "read_error")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		log.Warn("webhook rejected", "event", "webhook", "outcome", "bad_signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if r.Header.Get("X-GitHub-Event") != "issue_comment" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload issueCommentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("webhook rejected", "event", "webhook", "outcome", "malformed_payload")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if payload.Action != "created" && payload.Action != "edited" {
		w.WriteHeader(http.StatusOK)
		return
	}

	cmd, ok := parseCommand(payload.Comment.Body)
	if !ok {
		// Not a bisect command at all; silently ignored, not an error.
		w.WriteHeader(http.StatusOK)
		return
	}

	log = log.With("event", "bisect_command", "repo", payload.Repository.Owner.Login+"/"+payload.Repository.Name,
		"issue", payload.Issue.Number, "requester", payload.Comment.User.Login)

	if reason, ok := cmd.validate(payload.Repository.Owner.Login, payload.Repository.Name); !ok {
		log.Info("bisect command rejected", "outcome", "malformed_command", "reason", reason)
		h.replyRejected(payload, reason)
		w.WriteHeader(http.StatusOK)
		return
	}

	spec := store.CreateSpec{
		RepoOwner:      payload.Repository.Owner.Login,
		RepoName:       payload.Repository.Name,
		InstallationID: payload.Installation.ID,
		IssueNumber:    payload.Issue.Number,
		Requester:      payload.Comment.User.Login,
		GoodSHA:        cmd.goodSHA,
		BadSHA:         cmd.badSHA,
		TestCommand:    cmd.testCommand,
		DedupBucket:    store.DedupBucket(time.Now(), h.dedupWindow()),
	}

	id, err := h.Store.Create(r.Context(), spec)
	if err != nil && err != store.ErrDuplicate {
		log.Error("job creation failed", "outcome", "store_error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	log.Info("bisect job accepted", "outcome", "created", "job_id", id, "duplicate", err == store.ErrDuplicate)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"job_id":%d}`, id)
}

func (h *Handler) verifySignature(payload []byte, signature string) bool {
	if h.WebhookSecret == "" {
		return true
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.WebhookSecret))
	mac.Write(payload)
	return hmac.Equal(sig, mac.Sum(nil))
}

// replyRejected posts a reply comment explaining why a malformed command
// did not create a job. A forge error here is logged but never turned
// into an HTTP failure; the webhook has already been accepted.
func (h *Handler) replyRejected(payload issueCommentPayload, reason string) {
	if h.Forge == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rejectionReplyTimeout)
		defer cancel()

		token, _, err := h.Forge.MintInstallationToken(ctx, payload.Installation.ID)
		if err != nil {
			h.log().Warn("failed to mint token for rejection reply", "error", err)
			return
		}
		body := fmt.Sprintf("Could not start a bisect: %s", reason)
		if _, err := h.Forge.CreateComment(ctx, token, payload.Repository.Owner.Login,
			payload.Repository.Name, payload.Issue.Number, body); err != nil {
			h.log().Warn("failed to post rejection reply", "error", err)
		}
	}()
}

type command struct {
	goodSHA, badSHA, testCommand string
}

func parseCommand(body string) (command, bool) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		m := commandRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return command{goodSHA: m[1], badSHA: m[2], testCommand: strings.TrimSpace(m[3])}, true
	}
	return command{}, false
}

func (c command) validate(owner, repo string) (reason string, ok bool) {
	if !bisect.ValidSHA.MatchString(c.goodSHA) {
		return "good_sha must be 7-40 hex characters", false
	}
	if !bisect.ValidSHA.MatchString(c.badSHA) {
		return "bad_sha must be 7-40 hex characters", false
	}
	if len(owner) > maxOwnerLen || !ownerRE.MatchString(owner) {
		return "repository owner is not a valid GitHub login", false
	}
	if len(repo) > maxRepoLen || !repoNameRE.MatchString(repo) {
		return "repository name is not a valid GitHub repository name", false
	}
	if c.testCommand == "" {
		return "test_command must not be empty", false
	}
	if shellMetacharacters.MatchString(c.testCommand) {
		return "test_command contains disallowed characters", false
	}
	if systemPathWrite.MatchString(c.testCommand) {
		return "test_command must not write into a system path", false
	}
	if hexEncodedPayload.MatchString(c.testCommand) {
		return "test_command must not smuggle a hex-encoded payload", false
	}
	return "", true
}
