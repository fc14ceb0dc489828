// Package orchestrator implements the Job Orchestrator (spec §4.3): the
// phased state machine that drives a single leased Job through
// Dispatch, SetupWorktree, SnapshotInitial, RunAgent, SnapshotFinal,
// Validate, and Finalize, publishing a JobPhaseChanged Domain Event on
// every transition. Grounded on the teacher's internal/server/dispatch.go
// lifecycle shape (ctx/wg-managed background loops, ticker-driven
// timeout checks), generalized from dispatch.go's worker-assignment loop
// into a per-job phase pipeline since this system has no remote worker
// protocol — the "worker" here is the Orchestrator itself, running
// in-process against the Worktree Manager, Snapshot Extractor, and
// Agent Adapter.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/autoclaude/internal/agent"
	"github.com/agentforge/autoclaude/internal/config"
	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/eventbus"
	"github.com/agentforge/autoclaude/internal/snapshot"
	"github.com/agentforge/autoclaude/internal/storage"
	"github.com/agentforge/autoclaude/internal/worktree"
)

// Phase names a step of the state machine. Every transition publishes
// one eventbus.KindJobPhaseChange event carrying this name.
type Phase string

const (
	PhaseDispatch        Phase = "Dispatch"
	PhaseSetupWorktree   Phase = "SetupWorktree"
	PhaseSnapshotInitial Phase = "SnapshotInitial"
	PhaseRunAgent        Phase = "RunAgent"
	PhaseSnapshotFinal   Phase = "SnapshotFinal"
	PhaseValidate        Phase = "Validate"
	PhaseFinalize        Phase = "Finalize"
)

// worktreeCreateRetries bounds how many fresh branch-name suffixes
// SetupWorktree tries on a collision before giving up (spec §4.3:
// "On collision, retry with a fresh suffix up to N times").
const worktreeCreateRetries = 3

// cancelGraceSeconds is how long Cancel waits for the agent subprocess
// to exit cooperatively before forcing termination.
const cancelGraceSeconds = 10

// WorktreeManager is the subset of *worktree.Manager the orchestrator
// needs, narrowed to an interface so tests can substitute a fake
// instead of shelling out to git.
type WorktreeManager interface {
	Create(ctx context.Context, repository, cloneURL, cloneToken, branchName string) (*worktree.Handle, error)
	Remove(ctx context.Context, repository, worktreePath string, force bool) error
}

// SnapshotExtractor is the subset of *snapshot.Extractor the
// orchestrator needs.
type SnapshotExtractor interface {
	Extract(ctx context.Context, worktreePath string) (*snapshot.Snapshot, error)
}

// AgentHandle is the subset of *agent.Handle the orchestrator needs.
type AgentHandle interface {
	ReadChunk(ctx context.Context) ([]byte, bool, error)
	Cancel(graceSeconds int)
	Wait() (*agent.Result, error)
}

// AgentAdapter is the subset of *agent.Adapter the orchestrator needs,
// returning AgentHandle rather than the concrete *agent.Handle so tests
// can substitute a scripted fake.
type AgentAdapter interface {
	Spawn(ctx context.Context, worktreePath string, agentCtx agent.Context) (AgentHandle, error)
}

// AdapterFunc adapts a *agent.Adapter (whose Spawn returns the concrete
// *agent.Handle) to the AgentAdapter interface.
type AdapterFunc struct {
	Inner *agent.Adapter
}

func (a AdapterFunc) Spawn(ctx context.Context, worktreePath string, agentCtx agent.Context) (AgentHandle, error) {
	return a.Inner.Spawn(ctx, worktreePath, agentCtx)
}

// EventPublisher is the subset of *eventbus.Bus the orchestrator needs.
type EventPublisher interface {
	Publish(event eventbus.Event)
}

// Settings carries the per-attempt tunables the worker pool resolves
// from ProcessConfig (and any RepoOverride narrowing) before calling
// Execute, so Execute itself stays free of environment lookups.
type Settings struct {
	AgentTimeout         time.Duration
	AgentOutputMaxBytes  int64
	AutoCleanupOnSuccess bool
	CleanupMode          storage.CleanupMode
	CloneToken           string
	CloneURL             string

	// Proc is the process-wide config these settings were narrowed from.
	// Execute re-narrows AgentTimeout/CleanupMode against it once a
	// worktree exists and its .autoclaude override file (if any) can be
	// read — the override lives in the checked-out tree, so it is only
	// available after SetupWorktree runs.
	Proc *config.ProcessConfig
}

// Orchestrator drives one Job at a time through the phase state
// machine. One instance may be reused across sequential Execute calls
// on the same worker goroutine; it holds no per-job state between calls.
type Orchestrator struct {
	worktree WorktreeManager
	snapshot SnapshotExtractor
	agent    AgentAdapter
	bus      EventPublisher
	log      *slog.Logger
}

// New builds an Orchestrator from its three collaborator ports.
func New(wt WorktreeManager, snap SnapshotExtractor, ag AgentAdapter, bus EventPublisher, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{worktree: wt, snapshot: snap, agent: ag, bus: bus, log: log}
}

// Execute drives job through every phase of one attempt. It mutates job
// in place (worktree path, branch name, snapshot refs, result, error)
// and returns nil on success or a structured *errs.Error describing
// which phase failed and whether the failure is retryable. The caller
// (the worker pool) is responsible for translating the outcome into
// queue.Complete / queue.Fail calls — Execute never touches the queue.
func (o *Orchestrator) Execute(ctx context.Context, job *storage.Job, settings Settings) *errs.Error {
	start := time.Now()

	o.bus.Publish(eventbus.Event{Kind: eventbus.KindJobStarted, JobID: job.JobID})

	if job.Skill == storage.SkillNoop {
		o.transition(job, PhaseDispatch)
		o.bus.Publish(eventbus.Event{Kind: eventbus.KindJobCompleted, JobID: job.JobID, Reason: "no action required"})
		job.Result = &storage.JobResult{Reason: "no action required", DurationSeconds: time.Since(start).Seconds()}
		return nil
	}
	o.transition(job, PhaseDispatch)

	o.transition(job, PhaseSetupWorktree)
	handle, err := o.setupWorktree(ctx, job, settings)
	if err != nil {
		return o.fail(job, err)
	}
	job.WorktreePath = &handle.Path
	job.BranchName = &handle.BranchName

	if settings.Proc != nil {
		settings = o.narrowSettings(job, handle.Path, settings)
	}

	o.transition(job, PhaseSnapshotInitial)
	initial, err := o.snapshot.Extract(ctx, handle.Path)
	if err != nil {
		se := errs.Wrap(errs.SnapshotFailed, errs.RetryableFor(errs.SnapshotFailed), "initial snapshot", err)
		return o.fail(job, se)
	}
	initialRef := refFor(initial)
	job.InitialSnapshotRef = &initialRef

	o.transition(job, PhaseRunAgent)
	producedChanges, outputDigest, runErr := o.runAgent(ctx, job, handle.Path, settings)
	if runErr != nil {
		return o.fail(job, runErr)
	}

	o.transition(job, PhaseSnapshotFinal)
	final, err := o.snapshot.Extract(ctx, handle.Path)
	if err != nil {
		se := errs.Wrap(errs.SnapshotFailed, errs.RetryableFor(errs.SnapshotFailed), "final snapshot", err)
		return o.fail(job, se)
	}
	finalRef := refFor(final)
	job.FinalSnapshotRef = &finalRef
	diff := snapshot.DiffSummary(initial, final)

	o.transition(job, PhaseValidate)
	safe := snapshot.SafeToRemove(final, settings.CleanupMode)
	preserved := true
	preserveReason := ""
	if safe && settings.AutoCleanupOnSuccess {
		if err := o.worktree.Remove(ctx, job.Repository, handle.Path, false); err != nil {
			// Removal failing after a successful run is not fatal to the
			// job: the worktree simply stays on disk, which is always a
			// safe outcome (spec §4.3/§7 preserve-on-doubt).
			o.log.Warn("post-success worktree removal failed, preserving", "job_id", job.JobID, "error", err)
		} else {
			preserved = false
		}
	} else if !safe {
		preserveReason = "working tree not clean under " + string(settings.CleanupMode) + " cleanup mode"
	} else {
		preserveReason = "preserve-on-doubt is the default policy"
	}

	o.transition(job, PhaseFinalize)
	job.Result = &storage.JobResult{
		BranchName:        handle.BranchName,
		InitialDigest:     initialRef,
		FinalDigest:       finalRef,
		AgentOutputDigest: outputDigest,
		DiffSummary:       diff,
		DurationSeconds:   time.Since(start).Seconds(),
		Preserved:         preserved,
		PreserveReason:    preserveReason,
	}
	if preserved {
		job.Result.WorktreePath = handle.Path
	}
	_ = producedChanges
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindJobCompleted, JobID: job.JobID, Reason: "completed", Preserved: preserved})
	return nil
}

// narrowSettings applies a repo's .autoclaude override file, if present,
// to settings — timeout may only shrink and cleanup mode may only
// tighten (config.Narrow enforces both). A missing or invalid override
// leaves settings untouched; a malformed one is logged and ignored
// rather than failing the job, since an operator typo in an override
// file should not take down issue processing for the whole repo.
func (o *Orchestrator) narrowSettings(job *storage.Job, worktreePath string, settings Settings) Settings {
	ov, _, err := config.LoadRepoOverride(worktreePath)
	if err != nil {
		if err != config.ErrNoOverride {
			o.log.Warn("ignoring malformed repo override", "job_id", job.JobID, "error", err)
		}
		return settings
	}
	if ov.Skill != "" {
		job.Skill = ov.Skill
	}
	timeout, cleanupMode, _, err := config.Narrow(settings.Proc, ov)
	if err != nil {
		o.log.Warn("ignoring invalid repo override", "job_id", job.JobID, "error", err)
		return settings
	}
	settings.AgentTimeout = timeout
	settings.CleanupMode = cleanupMode
	return settings
}

func (o *Orchestrator) setupWorktree(ctx context.Context, job *storage.Job, settings Settings) (*worktree.Handle, error) {
	var lastErr error
	for attempt := 0; attempt < worktreeCreateRetries; attempt++ {
		branch := branchName(job)
		handle, err := o.worktree.Create(ctx, job.Repository, settings.CloneURL, settings.CloneToken, branch)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		o.log.Warn("worktree create collision, retrying", "job_id", job.JobID, "attempt", attempt, "error", err)
	}
	return nil, errs.Wrap(errs.WorktreeCreateFailed, errs.RetryableFor(errs.WorktreeCreateFailed), "exhausted worktree create retries", lastErr)
}

// runAgent spawns the agent, enforces the per-job wall-clock timeout and
// output-size cap (spec §4.3: both are the Orchestrator's concern, not
// the Adapter's), and streams output as JobAgentOutput events.
func (o *Orchestrator) runAgent(ctx context.Context, job *storage.Job, worktreePath string, settings Settings) (producedChanges bool, outputDigest string, rerr *errs.Error) {
	agentCtx := agent.Context{
		Skill:       string(job.Skill),
		Repository:  job.Repository,
		IssueNumber: job.IssueNumber,
	}

	handle, err := o.agent.Spawn(ctx, worktreePath, agentCtx)
	if err != nil {
		if se, ok := errs.As(err); ok {
			return false, "", se
		}
		return false, "", errs.Wrap(errs.AgentSpawnFailed, errs.RetryableFor(errs.AgentSpawnFailed), "spawn agent", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, settings.AgentTimeout)
	defer cancel()

	digest := sha256.New()
	var totalBytes int64
	for {
		data, ok, err := handle.ReadChunk(timeoutCtx)
		if err != nil {
			if timeoutCtx.Err() != nil {
				handle.Cancel(cancelGraceSeconds)
				_, _ = handle.Wait()
				return false, "", errs.New(errs.AgentTimeout, errs.RetryableFor(errs.AgentTimeout), fmt.Sprintf("agent exceeded %s timeout", settings.AgentTimeout))
			}
			return false, "", errs.Wrap(errs.AgentCrashed, errs.RetryableFor(errs.AgentCrashed), "read agent output", err)
		}
		if !ok {
			break
		}
		totalBytes += int64(len(data))
		if totalBytes > settings.AgentOutputMaxBytes {
			handle.Cancel(cancelGraceSeconds)
			_, _ = handle.Wait()
			return false, "", errs.New(errs.AgentOutputOverflow, errs.RetryableFor(errs.AgentOutputOverflow), fmt.Sprintf("agent output exceeded %d bytes", settings.AgentOutputMaxBytes))
		}
		digest.Write(data)
		o.bus.Publish(eventbus.Event{Kind: eventbus.KindJobAgentOutput, JobID: job.JobID, Chunk: string(data)})
	}

	result, err := handle.Wait()
	if err != nil {
		if se, ok := errs.As(err); ok {
			return false, "", se
		}
		return false, "", errs.Wrap(errs.AgentCrashed, errs.RetryableFor(errs.AgentCrashed), "agent wait failed", err)
	}
	if result.ExitStatus == agent.ExitFailure {
		return false, "", errs.New(errs.AgentCrashed, errs.RetryableFor(errs.AgentCrashed), fmt.Sprintf("agent exited with code %d", result.ExitCode))
	}
	return result.ProducedChanges, hex.EncodeToString(digest.Sum(nil)), nil
}

func (o *Orchestrator) fail(job *storage.Job, err *errs.Error) *errs.Error {
	job.Error = &storage.JobError{Kind: err.Kind, Message: err.Message, Retryable: err.Retryable}
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindJobFailed, JobID: job.JobID, Error: job.Error})
	return err
}

func (o *Orchestrator) transition(job *storage.Job, phase Phase) {
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindJobPhaseChange, JobID: job.JobID, Phase: string(phase)})
}

// branchName builds the deterministic branch name spec §4.3 names:
// auto-claude/{event_type}-{issue_number}-{short_uuid}.
func branchName(job *storage.Job) string {
	issue := "x"
	if job.IssueNumber != nil {
		issue = fmt.Sprintf("%d", *job.IssueNumber)
	}
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("auto-claude/%s-%s-%s", job.EventType, issue, suffix)
}

// refFor derives a short, deterministic digest identifying a snapshot
// for display in a JobResult (spec §4.3 Finalize: "initial/final
// snapshot digests").
func refFor(s *snapshot.Snapshot) string {
	return fmt.Sprintf("%s@%s", s.Branch, shortCommit(s.HeadCommit))
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
