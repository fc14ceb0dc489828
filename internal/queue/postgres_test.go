package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/autoclaude/internal/storage"
)

// TestPostgresQueue exercises PostgresQueue against a real database. It
// is skipped unless TEST_DATABASE_URL is set, matching the storage
// package's convention for tests that need infrastructure the CI
// sandbox may lack.
func TestPostgresQueue(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres queue tests")
	}

	q, err := NewPostgresQueue(dsn)
	if err != nil {
		t.Fatalf("NewPostgresQueue: %v", err)
	}
	defer q.Close()

	for _, table := range []string{"jobs", "job_deliveries"} {
		if _, err := q.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("cleanup %s failed: %v", table, err)
		}
	}

	ctx := context.Background()
	job := &storage.Job{
		JobID:      uuid.NewString(),
		Source:     storage.SourceGitHub,
		DeliveryID: "pg-queue-dlv-1",
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
	if err != nil || got == nil {
		t.Fatalf("Dequeue: got=%v err=%v", got, err)
	}
	if err := q.Complete(ctx, job.JobID, "worker-1", &storage.JobResult{Reason: "ok"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}
