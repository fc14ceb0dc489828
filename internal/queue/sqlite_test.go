package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/storage"
)

func newTestQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	q, err := NewSQLiteQueue(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func newTestJob(source storage.Source, deliveryID string) *storage.Job {
	now := time.Now().UTC()
	return &storage.Job{
		JobID:      uuid.NewString(),
		Source:     source,
		EventType:  "issues.opened",
		DeliveryID: deliveryID,
		Skill:      storage.SkillResolveIssue,
		Repository: "acme/widgets",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestEnqueueDedupe(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := newTestJob(storage.SourceGitHub, "delivery-1")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dupe := newTestJob(storage.SourceGitHub, "delivery-1")
	err := q.Enqueue(ctx, dupe)
	if err != ErrDuplicateDelivery {
		t.Fatalf("Enqueue duplicate = %v, want ErrDuplicateDelivery", err)
	}

	jobID, ok, err := q.ExistsByDelivery(ctx, storage.SourceGitHub, "delivery-1")
	if err != nil {
		t.Fatalf("ExistsByDelivery: %v", err)
	}
	if !ok || jobID != job.JobID {
		t.Fatalf("ExistsByDelivery = (%q, %v), want (%q, true)", jobID, ok, job.JobID)
	}
}

func TestDequeueHeartbeatComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := newTestJob(storage.SourceGitHub, "delivery-2")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got == nil || got.State != storage.JobStateProcessing || got.WorkerID != "worker-1" {
		t.Fatalf("Dequeue = %+v, want processing job leased to worker-1", got)
	}

	// Empty queue now.
	if again, err := q.Dequeue(ctx, "worker-2", 30*time.Second); err != nil || again != nil {
		t.Fatalf("Dequeue on empty queue = (%v, %v), want (nil, nil)", again, err)
	}

	if err := q.Heartbeat(ctx, job.JobID, "worker-1", time.Minute); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := q.Heartbeat(ctx, job.JobID, "wrong-worker", time.Minute); err != ErrLeaseNotHeld {
		t.Fatalf("Heartbeat with wrong worker = %v, want ErrLeaseNotHeld", err)
	}

	result := &storage.JobResult{Reason: "done", DurationSeconds: 1.5}
	if err := q.Complete(ctx, job.JobID, "worker-1", result); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	final, err := q.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != storage.JobStateDone || final.Result == nil || final.Result.Reason != "done" {
		t.Fatalf("final job = %+v, want done with result", final)
	}
}

func TestFailRetryableThenFatal(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := newTestJob(storage.SourceGitHub, "delivery-3")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	retryableErr := &storage.JobError{Kind: errs.AgentTimeout, Message: "timed out", Retryable: true}

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		got, err := q.Dequeue(ctx, "worker-1", time.Minute)
		if err != nil || got == nil {
			t.Fatalf("Dequeue attempt %d: got=%v err=%v", i, got, err)
		}
		if err := q.Fail(ctx, job.JobID, "worker-1", retryableErr); err != nil {
			t.Fatalf("Fail attempt %d: %v", i, err)
		}
		after, err := q.Get(ctx, job.JobID)
		if err != nil {
			t.Fatalf("Get after fail %d: %v", i, err)
		}
		if after.State != storage.JobStateQueued {
			t.Fatalf("after retryable fail %d, state = %v, want queued", i, after.State)
		}
	}

	// One more failure brings attempts to DefaultMaxAttempts and is fatal.
	got, err := q.Dequeue(ctx, "worker-1", time.Minute)
	if err != nil || got == nil {
		t.Fatalf("final Dequeue: got=%v err=%v", got, err)
	}
	if err := q.Fail(ctx, job.JobID, "worker-1", retryableErr); err != nil {
		t.Fatalf("final Fail: %v", err)
	}
	final, err := q.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("final Get: %v", err)
	}
	if final.State != storage.JobStateFailed {
		t.Fatalf("final state = %v, want failed after reaching max attempts", final.State)
	}
	if final.Attempts != DefaultMaxAttempts {
		t.Fatalf("final attempts = %d, want %d", final.Attempts, DefaultMaxAttempts)
	}
}

func TestFailFatalImmediate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := newTestJob(storage.SourceGitHub, "delivery-4")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, "worker-1", time.Minute); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	fatalErr := &storage.JobError{Kind: errs.ValidationFailed, Message: "bad state", Retryable: false}
	if err := q.Fail(ctx, job.JobID, "worker-1", fatalErr); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	final, err := q.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != storage.JobStateFailed {
		t.Fatalf("state = %v, want failed", final.State)
	}
}

func TestReclaimExpired(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := newTestJob(storage.SourceGitHub, "delivery-5")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, "worker-1", -time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	reclaimed, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != job.JobID {
		t.Fatalf("reclaimed = %v, want [%s]", reclaimed, job.JobID)
	}

	after, err := q.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.State != storage.JobStateQueued || after.Attempts != 1 {
		t.Fatalf("after reclaim = %+v, want queued with attempts=1", after)
	}

	// Idempotent: a second call reclaims nothing further.
	again, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("second ReclaimExpired: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second reclaim = %v, want empty", again)
	}
}

func TestUpdateWorktreeAndSnapshots(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := newTestJob(storage.SourceGitHub, "delivery-6")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.UpdateWorktree(ctx, job.JobID, "/var/autoclaude/wt/abc", "auto-claude/issues.opened-42-abc1"); err != nil {
		t.Fatalf("UpdateWorktree: %v", err)
	}
	initial := "snap-initial"
	if err := q.UpdateSnapshots(ctx, job.JobID, &initial, nil); err != nil {
		t.Fatalf("UpdateSnapshots: %v", err)
	}
	final := "snap-final"
	if err := q.UpdateSnapshots(ctx, job.JobID, nil, &final); err != nil {
		t.Fatalf("UpdateSnapshots final: %v", err)
	}

	got, err := q.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorktreePath == nil || *got.WorktreePath != "/var/autoclaude/wt/abc" {
		t.Errorf("WorktreePath = %v, want set", got.WorktreePath)
	}
	if got.InitialSnapshotRef == nil || *got.InitialSnapshotRef != "snap-initial" {
		t.Errorf("InitialSnapshotRef = %v, want snap-initial", got.InitialSnapshotRef)
	}
	if got.FinalSnapshotRef == nil || *got.FinalSnapshotRef != "snap-final" {
		t.Errorf("FinalSnapshotRef = %v, want snap-final", got.FinalSnapshotRef)
	}
}

func TestGetNotFound(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}
