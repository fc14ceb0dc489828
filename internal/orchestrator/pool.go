package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentforge/autoclaude/internal/config"
	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/queue"
	"github.com/agentforge/autoclaude/internal/storage"
)

// reclaimInterval is how often the pool sweeps for jobs whose lease
// expired mid-attempt (spec §4.2 ReclaimExpired), grounded on the
// teacher's dispatch.go timeoutLoop ticker pattern.
const reclaimInterval = 30 * time.Second

// heartbeatFraction divides a job's lease duration to give the interval
// at which the lease is extended (every lease/3), so a long RunAgent
// phase never lets the lease lapse out from under a live worker.
const heartbeatFraction = 3

// RepoResolver looks up the Repo (clone URL, token, per-repo overrides)
// a Job belongs to. Narrowed to an interface so tests can substitute a
// fixed list instead of a real Store. Jobs carry "owner/name"
// (storage.Repo.FullName), not a clone URL, so resolution goes through
// ListRepos rather than Store's clone-URL lookup (that one exists for
// the opposite direction: mapping an inbound webhook's clone URL back
// to its Repo record).
type RepoResolver interface {
	ListRepos(ctx context.Context) ([]*storage.Repo, error)
}

// Pool runs a fixed number of worker goroutines, each dequeuing jobs
// from q and driving them through an Orchestrator. Grounded on the
// teacher's internal/server/dispatch.go Start/Stop/ctx+WaitGroup
// lifecycle, generalized from dispatch.go's remote-worker assignment
// loop into local dequeue-execute-complete workers since there is no
// worker registration protocol in this system.
type Pool struct {
	queue        queue.JobQueuePort
	orchestrator *Orchestrator
	repos        RepoResolver
	proc         config.ProcessConfig
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a worker pool bound to proc's Workers/LeaseDuration/
// AgentTimeout/AgentOutputMaxBytes/AutoCleanupOnSuccess settings.
func NewPool(q queue.JobQueuePort, orch *Orchestrator, repos RepoResolver, proc config.ProcessConfig, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{queue: q, orchestrator: orch, repos: repos, proc: proc, log: log}
}

// Start launches proc.Workers worker goroutines plus one reclaim-sweep
// goroutine. Returns immediately; call Stop to shut down.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	workers := p.proc.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		workerID := workerIDFor(i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReclaimLoop(ctx)
	}()
}

// Stop cancels every worker and blocks until they exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	const idleBackoff = 2 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, workerID, p.proc.LeaseDuration)
		if err != nil {
			p.log.Error("dequeue failed", "worker_id", workerID, "error", err)
			sleep(ctx, idleBackoff)
			continue
		}
		if job == nil {
			sleep(ctx, idleBackoff)
			continue
		}

		p.processOne(ctx, workerID, job)
	}
}

func (p *Pool) processOne(ctx context.Context, workerID string, job *storage.Job) {
	settings, err := p.settingsFor(ctx, job)
	if err != nil {
		p.log.Error("resolve repo settings failed", "job_id", job.JobID, "error", err)
		_ = p.queue.Fail(ctx, job.JobID, workerID, &storage.JobError{
			Kind: errs.Internal, Message: err.Error(), Retryable: true,
		})
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	lease := p.proc.LeaseDuration
	go p.heartbeatLoop(hbCtx, job.JobID, workerID, lease)

	jobErr := p.orchestrator.Execute(ctx, job, settings)

	if job.WorktreePath != nil && job.BranchName != nil {
		_ = p.queue.UpdateWorktree(ctx, job.JobID, *job.WorktreePath, *job.BranchName)
	}
	if job.InitialSnapshotRef != nil || job.FinalSnapshotRef != nil {
		_ = p.queue.UpdateSnapshots(ctx, job.JobID, job.InitialSnapshotRef, job.FinalSnapshotRef)
	}

	if jobErr == nil {
		if err := p.queue.Complete(ctx, job.JobID, workerID, job.Result); err != nil {
			p.log.Error("complete failed", "job_id", job.JobID, "error", err)
		}
		return
	}
	// agent_timeout is retryable once: a timeout on a job that already has
	// a failed attempt behind it is recorded as fatal.
	if job.Error != nil && job.Error.Kind == errs.AgentTimeout && job.Attempts > 0 {
		job.Error.Retryable = false
	}
	if err := p.queue.Fail(ctx, job.JobID, workerID, job.Error); err != nil {
		p.log.Error("fail failed", "job_id", job.JobID, "error", err)
	}
}

// heartbeatLoop extends job's lease at a fraction of its duration until
// ctx is cancelled (the job finished or the pool is stopping).
func (p *Pool) heartbeatLoop(ctx context.Context, jobID, workerID string, lease time.Duration) {
	interval := lease / heartbeatFraction
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, jobID, workerID, lease); err != nil {
				p.log.Warn("heartbeat failed", "job_id", jobID, "worker_id", workerID, "error", err)
			}
		}
	}
}

func (p *Pool) runReclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := p.queue.ReclaimExpired(ctx)
			if err != nil {
				p.log.Error("reclaim sweep failed", "error", err)
				continue
			}
			if len(reclaimed) > 0 {
				p.log.Info("reclaimed expired jobs", "count", len(reclaimed), "job_ids", reclaimed)
			}
		}
	}
}

// settingsFor resolves the Settings for job from the repo it targets:
// ProcessConfig defaults, with the cleanup mode taken from
// job.CleanupMode, else the Repo record's, else lenient. Any .autoclaude
// override file is applied later, by Execute, once the worktree exists.
// The clone credentials always come from the Repo record (spec §4.4).
func (p *Pool) settingsFor(ctx context.Context, job *storage.Job) (Settings, error) {
	repos, err := p.repos.ListRepos(ctx)
	if err != nil {
		return Settings{}, err
	}
	var repo *storage.Repo
	for _, r := range repos {
		if r.FullName() == job.Repository {
			repo = r
			break
		}
	}
	if repo == nil {
		return Settings{}, fmt.Errorf("no configured repo matches %q", job.Repository)
	}
	cleanupMode := job.CleanupMode
	if cleanupMode == "" {
		cleanupMode = repo.CleanupMode
	}
	if cleanupMode == "" {
		cleanupMode = storage.CleanupLenient
	}
	return Settings{
		AgentTimeout:         p.proc.AgentTimeout,
		AgentOutputMaxBytes:  p.proc.AgentOutputMaxBytes,
		AutoCleanupOnSuccess: p.proc.AutoCleanupOnSuccess,
		CleanupMode:          cleanupMode,
		CloneToken:           repo.ForgeToken,
		CloneURL:             repo.CloneURL,
		Proc:                 &p.proc,
	}, nil
}

func workerIDFor(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "worker-" + string(letters[i])
	}
	return "worker-n"
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
