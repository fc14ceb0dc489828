// Package kanban implements the Kanban Projection (spec §4.8): a
// subscriber of the Domain Event Bus that reflects job lifecycle onto
// an external Kanban board through a KanbanPort adapter, never failing
// the underlying Job on projection trouble. Grounded on the teacher's
// internal/server/webhook.go postStatus (best-effort external status
// call, logged not propagated) and generalized from "post a commit
// status" into "create/move/comment a card", wrapped in the
// circuit-breaker + backoff policy the teacher never had because CI
// status posts were fire-and-forget.
package kanban

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/agentforge/autoclaude/internal/eventbus"
)

// CardStatus is the internal status a Card occupies, derived from the
// external board's list names via KanbanPort.MapListToStatus. UNKNOWN is
// a distinguished outcome, never a silent fallback to another status
// (spec §4.8, §7 "Silent-fallback prohibition").
type CardStatus string

const (
	StatusBacklog    CardStatus = "BACKLOG"
	StatusTodo       CardStatus = "TODO"
	StatusInProgress CardStatus = "IN_PROGRESS"
	StatusReview     CardStatus = "REVIEW"
	StatusDone       CardStatus = "DONE"
	StatusBlocked    CardStatus = "BLOCKED"
	StatusCancelled  CardStatus = "CANCELLED"
	StatusUnknown    CardStatus = "UNKNOWN"
)

// KanbanPort is the external board adapter's contract (spec §4.8).
type KanbanPort interface {
	CreateCard(ctx context.Context, listID, title, description string) (cardID string, err error)
	AddComment(ctx context.Context, cardID, text string) error
	MoveCard(ctx context.Context, cardID, listID string) error
	ListLists(ctx context.Context, boardID string) ([]BoardList, error)
	MapListToStatus(name string) CardStatus
}

// BoardList is one external board list, as returned by ListLists.
type BoardList struct {
	ListID string
	Name   string
}

// CommentAdapter posts a human-readable comment back to the originating
// issue or card, the SPEC_FULL.md §12 issue-comment surface sitting
// alongside the card move on JobCompleted/JobFailed.
type CommentAdapter interface {
	AddIssueComment(ctx context.Context, repository string, issueNumber int, text string) error
}

// eventSubscriber is the subset of *eventbus.Bus the projection needs.
type eventSubscriber interface {
	Subscribe(jobID string) (<-chan eventbus.Event, func())
}

// ListIDs names the board lists the projection moves cards between,
// injected from configuration (spec §4.8 "Board configuration ...
// injected, never hardcoded").
type ListIDs struct {
	Todo       string
	InProgress string
	Review     string
	Done       string
	Blocked    string
}

// Projection subscribes a job_id to the bus the moment the Webhook
// Processor enqueues it and drives card create/move/comment calls for
// every Domain Event until a terminal one arrives. One Projection
// instance handles every job concurrently; each job's subscription
// lives in its own goroutine, matching the Event Bus's FIFO-per-job_id,
// unordered-across-jobs delivery guarantee.
type Projection struct {
	port    KanbanPort
	comment CommentAdapter
	bus     eventSubscriber
	lists   ListIDs
	log     *slog.Logger

	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	cards map[string]string // job_id -> card_id
}

// New builds a Projection. comment may be nil: the issue-comment
// surface is optional (not every source has a commentable issue).
func New(port KanbanPort, comment CommentAdapter, bus eventSubscriber, lists ListIDs, log *slog.Logger) *Projection {
	if log == nil {
		log = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kanban",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Projection{
		port: port, comment: comment, bus: bus, lists: lists, log: log,
		breaker: breaker, cards: make(map[string]string),
	}
}

// Track begins projecting jobID's Domain Events onto the board,
// creating its card on todo. repository/issueNumber/title/description
// seed the card and the optional issue-comment surface. The card is
// always created; when repository is empty (e.g. a Trello-sourced job)
// no issue comment is posted for the job.
func (p *Projection) Track(ctx context.Context, jobID, repository string, issueNumber *int, title, description string) {
	cardID, err := p.call(ctx, func() (string, error) {
		return p.port.CreateCard(ctx, p.lists.Todo, title, description)
	})
	if err != nil {
		p.log.Warn("kanban create_card failed, projection degraded to best-effort", "job_id", jobID, "error", err)
		return
	}

	p.mu.Lock()
	p.cards[jobID] = cardID
	p.mu.Unlock()

	events, unsubscribe := p.bus.Subscribe(jobID)
	go p.drive(ctx, jobID, repository, issueNumber, cardID, events, unsubscribe)
}

func (p *Projection) drive(ctx context.Context, jobID, repository string, issueNumber *int, cardID string, events <-chan eventbus.Event, unsubscribe func()) {
	defer unsubscribe()
	for event := range events {
		switch event.Kind {
		case eventbus.KindJobPhaseChange:
			p.onPhaseChange(ctx, jobID, cardID, event.Phase)
		case eventbus.KindJobCompleted:
			p.onTerminal(ctx, jobID, repository, issueNumber, cardID, p.lists.Done, summaryText(event))
			return
		case eventbus.KindJobFailed:
			p.onTerminal(ctx, jobID, repository, issueNumber, cardID, p.lists.Blocked, failureText(event))
			return
		}
	}
}

func (p *Projection) onPhaseChange(ctx context.Context, jobID, cardID, phase string) {
	listID := listForPhase(phase, p.lists)
	if listID != "" {
		if _, err := p.call(ctx, func() (string, error) {
			return "", p.port.MoveCard(ctx, cardID, listID)
		}); err != nil {
			p.log.Warn("kanban move_card failed", "job_id", jobID, "phase", phase, "error", err)
		}
	}
	if _, err := p.call(ctx, func() (string, error) {
		return "", p.port.AddComment(ctx, cardID, "phase: "+phase)
	}); err != nil {
		p.log.Warn("kanban add_comment failed", "job_id", jobID, "phase", phase, "error", err)
	}
}

func (p *Projection) onTerminal(ctx context.Context, jobID, repository string, issueNumber *int, cardID, listID, text string) {
	if _, err := p.call(ctx, func() (string, error) {
		return "", p.port.MoveCard(ctx, cardID, listID)
	}); err != nil {
		p.log.Warn("kanban move_card failed", "job_id", jobID, "error", err)
	}
	if _, err := p.call(ctx, func() (string, error) {
		return "", p.port.AddComment(ctx, cardID, text)
	}); err != nil {
		p.log.Warn("kanban add_comment failed", "job_id", jobID, "error", err)
	}

	if p.comment != nil && repository != "" && issueNumber != nil {
		if err := p.comment.AddIssueComment(ctx, repository, *issueNumber, text); err != nil {
			p.log.Warn("issue comment failed", "job_id", jobID, "error", err)
		}
	}

	p.mu.Lock()
	delete(p.cards, jobID)
	p.mu.Unlock()
}

func listForPhase(phase string, lists ListIDs) string {
	switch phase {
	case "Dispatch", "SetupWorktree", "SnapshotInitial":
		return lists.InProgress
	case "RunAgent", "SnapshotFinal":
		return lists.InProgress
	case "Validate", "Finalize":
		return lists.Review
	default:
		return ""
	}
}

func summaryText(event eventbus.Event) string {
	reason := event.Reason
	if reason == "" {
		reason = "completed"
	}
	return fmt.Sprintf("job completed: %s", reason)
}

func failureText(event eventbus.Event) string {
	if event.Error == nil {
		return "job failed"
	}
	return fmt.Sprintf("job failed: %s: %s", event.Error.Kind, event.Error.Message)
}

// call runs op through the circuit breaker with bounded exponential
// backoff (spec §4.8 "retried with bounded exponential backoff; after
// exhaustion the failure is logged and the projection is considered
// best-effort — it never fails the underlying Job").
func (p *Projection) call(ctx context.Context, op func() (string, error)) (string, error) {
	return backoff.Retry(ctx, func() (string, error) {
		res, err := p.breaker.Execute(func() (interface{}, error) {
			return op()
		})
		if err != nil {
			return "", err
		}
		s, _ := res.(string)
		return s, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}
