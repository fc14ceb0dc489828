// Package eventbus implements the in-process Domain Event Bus (spec
// §4.7): FIFO-per-job_id delivery, unordered across jobs, with a
// bounded per-subscriber buffer so one slow consumer can never stall
// publishers. Grounded on the teacher's internal/server/logstream.go
// per-job_id subscriber map, translated from WebSocket connections to
// buffered Go channels since this bus has no wire format of its own —
// internal/streamhub owns turning these into a wire stream.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentforge/autoclaude/internal/storage"
)

// Kind names a Domain Event variant (spec §3).
type Kind string

const (
	KindIssueReceived  Kind = "issue_received"
	KindJobStarted     Kind = "job_started"
	KindJobPhaseChange Kind = "job_phase_changed"
	KindJobAgentOutput Kind = "job_agent_output"
	KindJobCompleted   Kind = "job_completed"
	KindJobFailed      Kind = "job_failed"
)

// Event is one Domain Event. Only the fields relevant to Kind are set;
// the rest stay at their zero value.
type Event struct {
	Kind      Kind
	JobID     string
	At        time.Time
	Phase     string           // KindJobPhaseChange
	Chunk     string           // KindJobAgentOutput
	Reason    string           // KindJobCompleted
	Preserved bool             // KindJobCompleted: worktree left on disk
	Error     *storage.JobError // KindJobFailed
}

// subscriberBufferSize bounds how far a subscriber may lag before it is
// disconnected rather than stalling the publisher (spec §4.7: "bounded
// per-subscriber buffer").
const subscriberBufferSize = 64

// Bus is the in-process pub/sub hub. Delivery is FIFO within a job_id
// (single buffered channel per subscriber, written in Publish call
// order) and unordered across job_ids.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]bool
	log         *slog.Logger
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]bool),
		log:         log,
	}
}

// Subscribe returns a channel of events for jobID and an unsubscribe
// function the caller must call when done listening.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = make(map[chan Event]bool)
	}
	b.subscribers[jobID][ch] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[jobID]; ok {
			if _, present := subs[ch]; present {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subscribers, jobID)
			}
		}
	}
	return ch, unsubscribe
}

// Publish delivers event to every subscriber of event.JobID. Non-
// blocking: a subscriber whose buffer is full is dropped rather than
// letting one slow consumer stall every publisher (spec §4.7).
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[event.JobID]
	chans := make([]chan Event, 0, len(subs))
	for ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			b.log.Warn("dropping slow event bus subscriber", "job_id", event.JobID, "kind", event.Kind)
			b.disconnect(event.JobID, ch)
		}
	}
}

func (b *Bus) disconnect(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[jobID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, jobID)
		}
	}
}
