// Package httpapi is the read-only operator surface: a health check for
// load balancers, a stats summary of the shared queue, and per-job status
// lookups. It never mutates a job; creation only happens through ingress.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bobrenjc93/bisect/internal/sandbox"
	"github.com/bobrenjc93/bisect/internal/store"
)

// Handler serves the /health, /stats, and /job/{id} endpoints.
type Handler struct {
	Store   store.Store
	Sandbox sandbox.Runner
	Log     *slog.Logger
	Version string

	// WorkerID scopes the OwnedByWorker field of /stats to this instance;
	// left empty, OwnedByWorker is reported as zero.
	WorkerID string
}

func (h *Handler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// ServeHTTP routes by path prefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch {
	case path == "/health":
		h.health(w, r)
	case path == "/stats":
		h.stats(w, r)
	case strings.HasPrefix(path, "/job/"):
		id := strings.TrimPrefix(path, "/job/")
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.getJob(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// health reports a liveness verdict of "ok", or "degraded" with a reason.
// The store ping is load-bearing: without it nothing can claim or report
// on jobs, so its failure is degraded with status 503. The sandbox backend
// only affects jobs not yet started, so its failure is reported as
// degraded with status 200 rather than taking the whole instance down.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		h.log().Error("health check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "reason": "store unreachable"})
		return
	}

	if h.Sandbox != nil {
		if err := h.Sandbox.Available(r.Context()); err != nil {
			h.log().Warn("sandbox backend unavailable", "error", err)
			h.writeJSON(w, http.StatusOK, map[string]any{
				"status":  "degraded",
				"version": h.Version,
				"reason":  "sandbox backend unavailable: " + err.Error(),
			})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": h.Version})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context(), h.WorkerID)
	if err != nil {
		h.log().Error("stats query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// jobResponse is a JSON-friendly projection of store.Job: nil pointer
// fields become omitted rather than null, and timestamps render as RFC3339.
type jobResponse struct {
	ID           int64      `json:"id"`
	Status       string     `json:"status"`
	RepoOwner    string     `json:"repo_owner"`
	RepoName     string     `json:"repo_name"`
	IssueNumber  int        `json:"issue_number"`
	Requester    string     `json:"requester"`
	GoodSHA      string     `json:"good_sha"`
	BadSHA       string     `json:"bad_sha"`
	TestCommand  string     `json:"test_command"`
	AttemptCount int        `json:"attempt_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CulpritSHA   *string    `json:"culprit_sha,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

func jobToResponse(j *store.Job) jobResponse {
	return jobResponse{
		ID:           j.ID,
		Status:       string(j.Status),
		RepoOwner:    j.RepoOwner,
		RepoName:     j.RepoName,
		IssueNumber:  j.IssueNumber,
		Requester:    j.Requester,
		GoodSHA:      j.GoodSHA,
		BadSHA:       j.BadSHA,
		TestCommand:  j.TestCommand,
		AttemptCount: j.AttemptCount,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
		CulpritSHA:   j.CulpritSHA,
		ErrorMessage: j.ErrorMessage,
	}
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.log().Error("failed to get job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log().Error("failed to encode response", "error", err)
	}
}
