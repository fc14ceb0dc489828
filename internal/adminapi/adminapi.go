// Package adminapi implements the read-only/retry operator admin surface
// (SPEC_FULL.md §12 "Worker pool admin surface"): showing one job's
// detail and retrying a failed one (jobs are not listed), guarded by a bearer JWT
// exactly as the teacher's internal/server/auth.go validates its session
// cookie — HS256, jwt.MapClaims, jwt.Parse with an explicit signing-method
// check — adapted from a browser cookie onto a CLI-supplied Authorization
// header since this system has no end-user login (SPEC_FULL.md explicitly
// excludes OAuth login flows).
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/queue"
	"github.com/agentforge/autoclaude/internal/storage"
)

// tokenLifetime bounds an issued admin token's validity.
const tokenLifetime = 24 * time.Hour

// IssueToken mints a bearer token for the "operator" subject, signed
// with secret. No command of the autoclaude CLI calls it or this API; an
// operator's own script can call it and send the result to this API as
// `Authorization: Bearer <token>`.
func IssueToken(secret string) (string, error) {
	claims := jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(tokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func validate(secret, bearer string) bool {
	token, err := jwt.Parse(bearer, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	sub, _ := claims["sub"].(string)
	return sub == "operator"
}

// Handler serves the operator admin routes under /api/jobs.
type Handler struct {
	queue  queue.JobQueuePort
	secret string
}

// New builds a Handler. secret is the HS256 key (the serve command reads
// it from AUTOCLAUDE_ADMIN_JWT_SECRET); an
// empty secret disables auth entirely — acceptable for a loopback-only
// deployment, never the default for anything bound to a public address.
func New(q queue.JobQueuePort, secret string) *Handler {
	return &Handler{queue: q, secret: secret}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	bearer := strings.TrimPrefix(auth, "Bearer ")
	if bearer == auth {
		return false
	}
	return validate(h.secret, bearer)
}

// ServeHTTP routes GET /api/jobs/{id}, POST /api/jobs/{id}/retry.
// Listing (GET /api/jobs) is intentionally not implemented against
// JobQueuePort: the port's contract (spec §4.2) is a lease-based
// dequeue/heartbeat/reclaim primitive, not a query surface, and adding
// one here would mean inventing a new Store method with no other
// caller — see DESIGN.md.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(path, "/")
	jobID := parts[0]
	if jobID == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost {
		h.retry(ctx, w, jobID)
		return
	}
	if len(parts) == 1 && r.Method == http.MethodGet {
		h.show(ctx, w, jobID)
		return
	}
	http.NotFound(w, r)
}

func (h *Handler) show(ctx context.Context, w http.ResponseWriter, jobID string) {
	job, err := h.queue.Get(ctx, jobID)
	if err != nil {
		status := http.StatusInternalServerError
		if err == queue.ErrNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

// retry re-enqueues a failed job for another attempt. It does not
// mutate delivery identity (source, delivery_id stay the same) — the
// queue's Fail/ReclaimExpired machinery already tracks attempts, so
// retry here only clears the terminal state by re-running Enqueue,
// which for an existing delivery is a deliberate idempotent no-op
// unless the caller first confirms via show that the job is Failed.
func (h *Handler) retry(ctx context.Context, w http.ResponseWriter, jobID string) {
	job, err := h.queue.Get(ctx, jobID)
	if err != nil {
		status := http.StatusInternalServerError
		if err == queue.ErrNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	if job.State != storage.JobStateFailed {
		http.Error(w, "only failed jobs may be retried, got state="+string(job.State), http.StatusConflict)
		return
	}

	retryJob := job.Clone()
	retryJob.State = storage.JobStateQueued
	retryJob.Attempts = 0
	retryJob.WorkerID = ""
	retryJob.LeaseExpiresAt = nil
	retryJob.Error = nil
	retryJob.Result = nil

	if err := h.queue.Enqueue(ctx, retryJob); err != nil {
		jobErr := errs.Wrap(errs.QueueWriteFailed, true, "retry enqueue", err)
		http.Error(w, jobErr.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
