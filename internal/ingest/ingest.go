// Package ingest implements the Webhook Processor (spec §4.1): verify,
// parse, dedupe, and enqueue one inbound webhook delivery. Grounded on
// the teacher's internal/server/webhook.go (ServeHTTP's read-body-then-
// verify-then-create-job shape), generalized from the teacher's push/PR
// CI-trigger domain to this repo's issue/comment agent-trigger domain.
package ingest

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/eventbus"
	"github.com/agentforge/autoclaude/internal/forge"
	"github.com/agentforge/autoclaude/internal/queue"
	"github.com/agentforge/autoclaude/internal/storage"
)

// Outcome is the processor's result kind (spec §4.1: "enqueued_job_id |
// skipped | rejected"). There is no separate "skipped" arm: a terminal
// event still enqueues a skill=noop job (spec §4.1), so every accepted
// delivery is OutcomeEnqueued and only a verify/parse/write failure is
// OutcomeRejected.
type Outcome string

const (
	OutcomeEnqueued Outcome = "enqueued"
	OutcomeRejected Outcome = "rejected"
)

// Result is returned by Process. JobID is set whenever Outcome is
// OutcomeEnqueued, including the idempotent-replay case where it is the
// previously-assigned id. Err classifies a rejection per spec §7 so the
// HTTP layer can map it to a status code via StatusFor.
type Result struct {
	Outcome Outcome
	JobID   string
	Err     *errs.Error
}

// StatusFor maps a rejection's error kind to the HTTP status spec §7
// names: unauthorized->401, malformed/unsupported->422, everything
// else (queue write failure, internal)->500.
func StatusFor(err *errs.Error) int {
	if err == nil {
		return http.StatusAccepted
	}
	switch err.Kind {
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.Malformed, errs.Unsupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// skillFor resolves event_type to a skill (spec §4.3 Dispatch, shared
// here because ingest constructs each Job's Skill field directly).
// Unknown event types within a recognized, accepted source are never
// rejected at this layer — forge.ParseEvent already rejected truly
// unsupported event *types*; an accepted type whose specific action
// this table doesn't recognize (e.g. "issues.labeled") becomes an
// explicit noop, never an implicit one (spec §3).
func skillFor(eventType string) storage.Skill {
	switch eventType {
	case "issues.opened", "issues.reopened":
		return storage.SkillResolveIssue
	case "issue_comment.created":
		return storage.SkillRespondComment
	case "card.commentCard":
		return storage.SkillRespondComment
	default:
		return storage.SkillNoop
	}
}

// eventPublisher is the subset of *eventbus.Bus the processor needs,
// narrowed to an interface so tests can substitute a capturing fake
// without racing the bus's fire-and-forget delivery.
type eventPublisher interface {
	Publish(event eventbus.Event)
}

// Processor implements the Webhook Processor's one public operation.
type Processor struct {
	store   storage.Store
	queue   queue.JobQueuePort
	forges  []forge.Forge
	secrets map[storage.Source]string
	bus     eventPublisher
	log     *slog.Logger
}

// New builds a Processor. secrets maps each enabled source to its
// configured signature_secret (spec §4.1: "if absent, the source is
// considered disabled and all its events are rejected with
// unauthorized").
func New(store storage.Store, jobQueue queue.JobQueuePort, forges []forge.Forge, secrets map[storage.Source]string, bus eventPublisher, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{store: store, queue: jobQueue, forges: forges, secrets: secrets, bus: bus, log: log}
}

// Process handles one inbound HTTP delivery. It never consumes r.Body
// more than once: whichever forge.Identify matches is handed r directly
// so ParseEvent reads the raw body itself and verifies the signature
// over exactly those bytes.
func (p *Processor) Process(ctx context.Context, r *http.Request) Result {
	f := p.identify(r)
	if f == nil {
		return Result{Outcome: OutcomeRejected, Err: errs.New(errs.Unsupported, false, "no configured forge recognizes this delivery")}
	}

	secret, enabled := p.secrets[f.Name()]
	if !enabled || secret == "" {
		return Result{Outcome: OutcomeRejected, Err: errs.New(errs.Unauthorized, false, "source disabled: no signature_secret configured")}
	}

	in, err := f.ParseEvent(r, secret)
	if err != nil {
		if se, ok := errs.As(err); ok {
			return Result{Outcome: OutcomeRejected, Err: se}
		}
		return Result{Outcome: OutcomeRejected, Err: errs.Wrap(errs.Malformed, false, "parse webhook", err)}
	}

	if existingID, ok, err := p.queue.ExistsByDelivery(ctx, in.Source, in.DeliveryID); err != nil {
		return Result{Outcome: OutcomeRejected, Err: errs.Wrap(errs.Internal, false, "check existing delivery", err)}
	} else if ok {
		// Idempotent replay (spec §4.1, §8 round-trip law): same job_id,
		// no second Event, no second Job, no second Domain Event.
		return Result{Outcome: OutcomeEnqueued, JobID: existingID}
	}

	event := &storage.Event{
		Source:     in.Source,
		EventType:  in.EventType,
		DeliveryID: in.DeliveryID,
		ReceivedAt: time.Now().UTC(),
		RawPayload: in.RawPayload,
		Signature:  in.Signature,
	}
	if err := p.store.CreateEvent(ctx, event); err != nil {
		return Result{Outcome: OutcomeRejected, Err: errs.Wrap(errs.Internal, false, "persist event", err)}
	}

	job := p.buildJob(in)
	if err := p.queue.Enqueue(ctx, job); err != nil {
		if err == queue.ErrDuplicateDelivery {
			// Lost a race with a concurrent delivery of the same id.
			if existingID, ok, lookupErr := p.queue.ExistsByDelivery(ctx, in.Source, in.DeliveryID); lookupErr == nil && ok {
				return Result{Outcome: OutcomeEnqueued, JobID: existingID}
			}
		}
		return Result{Outcome: OutcomeRejected, Err: errs.Wrap(errs.QueueWriteFailed, true, "enqueue job", err)}
	}

	p.bus.Publish(eventbus.Event{Kind: eventbus.KindIssueReceived, JobID: job.JobID})

	p.log.Info("webhook processed",
		"source", in.Source, "event_type", in.EventType, "delivery_id", in.DeliveryID,
		"job_id", job.JobID, "skill", job.Skill)

	return Result{Outcome: OutcomeEnqueued, JobID: job.JobID}
}

func (p *Processor) identify(r *http.Request) forge.Forge {
	for _, f := range p.forges {
		if f.Identify(r) {
			return f
		}
	}
	return nil
}

func (p *Processor) buildJob(in *forge.InboundEvent) *storage.Job {
	now := time.Now().UTC()
	return &storage.Job{
		JobID:       uuid.NewString(),
		Source:      in.Source,
		EventType:   in.EventType,
		DeliveryID:  in.DeliveryID,
		IssueNumber: in.IssueNumber,
		Repository:  in.Repository,
		Skill:       skillFor(in.EventType),
		State:       storage.JobStateQueued,
		CleanupMode: storage.CleanupLenient,
		RawPayload:  in.RawPayload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
