package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentforge/autoclaude/internal/storage"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client)
}

func TestRedisEnqueueDequeueComplete(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	job := &storage.Job{
		JobID:      uuid.NewString(),
		Source:     storage.SourceGitHub,
		DeliveryID: "redis-delivery-1",
		EventType:  "issues.opened",
		Skill:      storage.SkillResolveIssue,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Enqueue(ctx, job); err != ErrDuplicateDelivery {
		t.Fatalf("duplicate Enqueue = %v, want ErrDuplicateDelivery", err)
	}

	got, err := q.Dequeue(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got == nil || got.State != storage.JobStateProcessing {
		t.Fatalf("Dequeue = %+v, want processing job", got)
	}

	if empty, err := q.Dequeue(ctx, "worker-2", time.Minute); err != nil || empty != nil {
		t.Fatalf("Dequeue empty queue = (%v, %v), want (nil, nil)", empty, err)
	}

	if err := q.Complete(ctx, job.JobID, "worker-1", &storage.JobResult{Reason: "ok"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	final, err := q.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.State != storage.JobStateDone {
		t.Fatalf("state = %v, want done", final.State)
	}
}

func TestRedisReclaimExpired(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	job := &storage.Job{
		JobID:      uuid.NewString(),
		Source:     storage.SourceGitHub,
		DeliveryID: "redis-delivery-2",
		EventType:  "issues.opened",
		Skill:      storage.SkillResolveIssue,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
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

	redequeued, err := q.Dequeue(ctx, "worker-2", time.Minute)
	if err != nil || redequeued == nil {
		t.Fatalf("redequeue after reclaim: got=%v err=%v", redequeued, err)
	}
}
