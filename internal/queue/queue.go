// Package queue implements the durable, at-least-once Job Queue (spec
// §4.2): lease-based dequeue, heartbeat extension, and reclaim of jobs
// whose worker died mid-attempt. Job persistence is split out from
// internal/storage because its transactional dequeue/lease logic is a
// distinct concern from plain Event/Repo CRUD.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/agentforge/autoclaude/internal/storage"
)

// ErrNotFound is returned when a job_id has no matching row.
var ErrNotFound = errors.New("job not found")

// ErrDuplicateDelivery is returned by Enqueue when a job already exists
// for the (source, delivery_id) pair. The caller (Webhook Processor)
// should fetch the existing job_id via ExistsByDelivery and return it
// instead of enqueuing a second time.
var ErrDuplicateDelivery = errors.New("duplicate delivery")

// ErrLeaseNotHeld is returned when a caller operates on a job using a
// worker_id that does not hold its current lease (or the job is not in
// the state the operation requires).
var ErrLeaseNotHeld = errors.New("lease not held by worker")

// DefaultMaxAttempts bounds retryable failures before a job is forced
// fatal (spec §4.2: "Max attempts is configurable (default 3)").
const DefaultMaxAttempts = 3

// JobQueuePort is the durable queue's public contract (spec §4.2).
type JobQueuePort interface {
	// Enqueue persists job in state queued. Atomic w.r.t.
	// (job.Source, job.DeliveryID) uniqueness: returns
	// ErrDuplicateDelivery if one already exists.
	Enqueue(ctx context.Context, job *storage.Job) error

	// ExistsByDelivery reports the job_id already assigned to
	// (source, deliveryID), if any.
	ExistsByDelivery(ctx context.Context, source storage.Source, deliveryID string) (jobID string, ok bool, err error)

	// Dequeue atomically transitions one queued job to processing,
	// recording workerID and a lease expiring after leaseDuration.
	// Returns (nil, nil) when the queue is empty.
	Dequeue(ctx context.Context, workerID string, leaseDuration time.Duration) (*storage.Job, error)

	// Heartbeat extends jobID's lease by leaseDuration. Fails with
	// ErrLeaseNotHeld if workerID is not the current lease holder.
	Heartbeat(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error

	// Complete marks jobID done with result. Only the lease holder may
	// call it.
	Complete(ctx context.Context, jobID, workerID string, result *storage.JobResult) error

	// Fail records jobErr against jobID. If jobErr.Retryable and the
	// job has not exhausted DefaultMaxAttempts, it returns to queued
	// with attempts incremented; otherwise it becomes failed.
	Fail(ctx context.Context, jobID, workerID string, jobErr *storage.JobError) error

	// ReclaimExpired finds processing jobs whose lease has passed and
	// returns them to queued with attempts incremented, returning their
	// job_ids. Idempotent: a second call at the same instant reclaims
	// nothing further.
	ReclaimExpired(ctx context.Context) ([]string, error)

	// Get returns the current record for jobID.
	Get(ctx context.Context, jobID string) (*storage.Job, error)

	// UpdateWorktree records the worktree path and branch name the
	// Orchestrator's SetupWorktree phase created for jobID.
	UpdateWorktree(ctx context.Context, jobID, worktreePath, branchName string) error

	// UpdateSnapshots records the initial and/or final snapshot
	// reference for jobID; a nil pointer leaves that field untouched.
	UpdateSnapshots(ctx context.Context, jobID string, initialRef, finalRef *string) error

	Close() error
}
