// Package storage holds the domain types shared by ingestion and the job
// queue, plus the Repo/Event persistence port. Job persistence itself
// (with its lease semantics) lives in package queue, which embeds these
// types in its payload_blob.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentforge/autoclaude/internal/errs"
)

// ErrNotFound is returned when a lookup by id/delivery finds nothing.
var ErrNotFound = errors.New("not found")

// Source identifies the external collaborator an Event came from.
type Source string

const (
	SourceGitHub Source = "github"
	SourceTrello Source = "trello"
)

// Skill names the behavior the agent adapter performs for a job.
// "noop" is explicit, never implicit (spec §3).
type Skill string

const (
	SkillResolveIssue   Skill = "resolve-issue"
	SkillRespondComment Skill = "respond-comment"
	SkillNoop           Skill = "noop"
)

// Event is the immutable ingested record (spec §3). (source, delivery_id)
// is globally unique; RawPayload is byte-identical to the wire body.
type Event struct {
	Source     Source    `json:"source"`
	EventType  string    `json:"event_type"`
	DeliveryID string    `json:"delivery_id"`
	ReceivedAt time.Time `json:"received_at"`
	RawPayload []byte    `json:"raw_payload"`
	Signature  string    `json:"signature"`
}

// JobState is one arm of the queue's state machine (spec §4.2).
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateDone       JobState = "done"
	JobStateFailed     JobState = "failed"
)

// CleanupMode controls the Snapshot Extractor's safe-cleanup predicate
// (spec §4.5). Default is Lenient.
type CleanupMode string

const (
	CleanupLenient CleanupMode = "lenient"
	CleanupStrict  CleanupMode = "strict"
)

// JobError is the structured terminal error recorded on a Job (spec §3).
type JobError struct {
	Kind      errs.Kind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// JobResult is the structured completion summary (spec §4.3 Finalize).
type JobResult struct {
	Reason            string   `json:"reason,omitempty"`
	BranchName        string   `json:"branch_name,omitempty"`
	WorktreePath      string   `json:"worktree_path,omitempty"`
	InitialDigest     string   `json:"initial_digest,omitempty"`
	FinalDigest       string   `json:"final_digest,omitempty"`
	AgentOutputDigest string   `json:"agent_output_digest,omitempty"`
	DiffSummary       []string `json:"diff_summary,omitempty"`
	DurationSeconds   float64  `json:"duration_seconds"`
	Preserved         bool     `json:"preserved"`
	PreserveReason    string   `json:"preserve_reason,omitempty"`
}

// Job is the queued unit of work (spec §3). It is never mutated
// concurrently by two workers: the lease enforces that.
type Job struct {
	JobID       string `json:"job_id"`
	Source      Source `json:"source"`
	EventType   string `json:"event_type"`
	DeliveryID  string `json:"delivery_id"`
	IssueNumber *int   `json:"issue_number,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Skill       Skill  `json:"skill"`

	State    JobState `json:"state"`
	Attempts int      `json:"attempts"`

	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	WorktreePath       *string     `json:"worktree_path,omitempty"`
	BranchName         *string     `json:"branch_name,omitempty"`
	InitialSnapshotRef *string     `json:"initial_snapshot_ref,omitempty"`
	FinalSnapshotRef   *string     `json:"final_snapshot_ref,omitempty"`
	CleanupMode        CleanupMode `json:"cleanup_mode"`

	Result *JobResult `json:"result,omitempty"`
	Error  *JobError  `json:"error,omitempty"`

	RawPayload []byte `json:"raw_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for handing a Job to a goroutine without
// sharing mutable pointer fields with the caller's copy.
func (j *Job) Clone() *Job {
	cp := *j
	if j.IssueNumber != nil {
		n := *j.IssueNumber
		cp.IssueNumber = &n
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if j.WorktreePath != nil {
		s := *j.WorktreePath
		cp.WorktreePath = &s
	}
	if j.BranchName != nil {
		s := *j.BranchName
		cp.BranchName = &s
	}
	if j.InitialSnapshotRef != nil {
		s := *j.InitialSnapshotRef
		cp.InitialSnapshotRef = &s
	}
	if j.FinalSnapshotRef != nil {
		s := *j.FinalSnapshotRef
		cp.FinalSnapshotRef = &s
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return &cp
}

// Repo is a configured repository: webhook secret, forge token, and the
// per-repo skill/worker overrides described in SPEC_FULL.md §12.
type Repo struct {
	ID            string      `json:"id"`
	ForgeType     Source      `json:"forge_type"`
	Owner         string      `json:"owner"`
	Name          string      `json:"name"`
	CloneURL      string      `json:"clone_url"`
	WebhookSecret string      `json:"webhook_secret"` // encrypted at rest
	ForgeToken    string      `json:"forge_token"`    // encrypted at rest
	Workers       []string    `json:"workers,omitempty"`
	DefaultSkill  Skill       `json:"default_skill,omitempty"`
	CleanupMode   CleanupMode `json:"cleanup_mode,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// FullName returns "owner/name".
func (r *Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// Store persists Events and Repos. Job persistence (with lease semantics)
// is owned by package queue.
type Store interface {
	CreateEvent(ctx context.Context, event *Event) error
	GetEventByDelivery(ctx context.Context, source Source, deliveryID string) (*Event, error)

	CreateRepo(ctx context.Context, repo *Repo) error
	GetRepo(ctx context.Context, id string) (*Repo, error)
	GetRepoByCloneURL(ctx context.Context, cloneURL string) (*Repo, error)
	ListRepos(ctx context.Context) ([]*Repo, error)

	Close() error
}
