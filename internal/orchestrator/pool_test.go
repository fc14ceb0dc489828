package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/autoclaude/internal/agent"
	"github.com/agentforge/autoclaude/internal/config"
	"github.com/agentforge/autoclaude/internal/queue"
	"github.com/agentforge/autoclaude/internal/snapshot"
	"github.com/agentforge/autoclaude/internal/storage"
)

type fixedRepoResolver struct {
	repos []*storage.Repo
}

func (f *fixedRepoResolver) ListRepos(ctx context.Context) ([]*storage.Repo, error) {
	return f.repos, nil
}

func newTestQueue(t *testing.T) queue.JobQueuePort {
	t.Helper()
	q, err := queue.NewSQLiteQueue(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestPoolProcessesQueuedJobToCompletion(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &storage.Job{
		JobID:      "job-pool-1",
		Source:     storage.SourceGitHub,
		EventType:  "issues.opened",
		DeliveryID: "delivery-1",
		Repository: "acme/widgets",
		Skill:      storage.SkillResolveIssue,
		State:      storage.JobStateQueued,
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	wt := &fakeWorktree{}
	snap := &fakeSnapshot{snaps: []*snapshot.Snapshot{
		{Branch: "main", HeadCommit: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		{Branch: "main", HeadCommit: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
	}}
	ag := &fakeAgentAdapter{handle: &fakeAgentHandle{result: &agent.Result{ExitStatus: agent.ExitSuccess}}}
	orch := New(wt, snap, ag, &capturingBus{}, nil)

	repos := &fixedRepoResolver{repos: []*storage.Repo{
		{ID: "repo-1", Owner: "acme", Name: "widgets", CloneURL: "https://example.test/acme/widgets.git"},
	}}
	proc := config.ProcessConfig{
		Workers:             1,
		LeaseDuration:       5 * time.Second,
		AgentTimeout:        5 * time.Second,
		AgentOutputMaxBytes: 1 << 20,
		CleanupMode:         storage.CleanupLenient,
	}

	pool := NewPool(q, orch, repos, proc, nil)
	runCtx, cancel := context.WithCancel(ctx)
	pool.Start(runCtx)

	deadline := time.After(2 * time.Second)
	for {
		got, err := q.Get(ctx, job.JobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State == storage.JobStateDone {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not complete in time, last state=%s", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	pool.Stop()

	final, err := q.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Result == nil {
		t.Fatalf("expected a recorded Result")
	}
	if final.WorktreePath == nil {
		t.Errorf("expected worktree path persisted via UpdateWorktree")
	}
}

func TestPoolFailsJobWhenRepoUnconfigured(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &storage.Job{
		JobID:      "job-pool-2",
		Source:     storage.SourceGitHub,
		EventType:  "issues.opened",
		DeliveryID: "delivery-2",
		Repository: "acme/unknown",
		Skill:      storage.SkillResolveIssue,
		State:      storage.JobStateQueued,
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	orch := New(&fakeWorktree{}, &fakeSnapshot{}, &fakeAgentAdapter{}, &capturingBus{}, nil)
	repos := &fixedRepoResolver{}
	proc := config.ProcessConfig{Workers: 1, LeaseDuration: 5 * time.Second, AgentTimeout: time.Second}

	pool := NewPool(q, orch, repos, proc, nil)
	runCtx, cancel := context.WithCancel(ctx)
	pool.Start(runCtx)

	deadline := time.After(2 * time.Second)
	for {
		got, err := q.Get(ctx, job.JobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State == storage.JobStateFailed || got.State == storage.JobStateQueued && got.Attempts > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not fail in time, last state=%s attempts=%d", got.State, got.Attempts)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	pool.Stop()
}
