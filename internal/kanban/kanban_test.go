package kanban

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/eventbus"
	"github.com/agentforge/autoclaude/internal/storage"
)

type fakePort struct {
	mu         sync.Mutex
	cards      map[string]string // cardID -> current listID
	comments   map[string][]string
	nextID     int
	failMove   bool
	failCreate bool
}

func newFakePort() *fakePort {
	return &fakePort{cards: map[string]string{}, comments: map[string][]string{}}
}

func (f *fakePort) CreateCard(ctx context.Context, listID, title, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", errs.New(errs.ProjectionFailed, true, "simulated create failure")
	}
	f.nextID++
	id := "card-" + strconv.Itoa(f.nextID)
	f.cards[id] = listID
	return id, nil
}

func (f *fakePort) AddComment(ctx context.Context, cardID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[cardID] = append(f.comments[cardID], text)
	return nil
}

func (f *fakePort) MoveCard(ctx context.Context, cardID, listID string) error {
	if f.failMove {
		return errs.New(errs.ProjectionFailed, true, "simulated move failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[cardID] = listID
	return nil
}

func (f *fakePort) ListLists(ctx context.Context, boardID string) ([]BoardList, error) {
	return nil, nil
}

func (f *fakePort) MapListToStatus(name string) CardStatus { return StatusUnknown }

func (f *fakePort) listOf(cardID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cards[cardID]
}

func (f *fakePort) commentsFor(cardID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[cardID]...)
}

type fakeComment struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeComment) AddIssueComment(ctx context.Context, repository string, issueNumber int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return nil
}

var testLists = ListIDs{Todo: "todo", InProgress: "doing", Review: "review", Done: "done", Blocked: "blocked"}

func TestTrackMovesCardThroughPhasesToDone(t *testing.T) {
	bus := eventbus.New(nil)
	port := newFakePort()
	comment := &fakeComment{}
	proj := New(port, comment, bus, testLists, nil)

	issueNumber := 42
	proj.Track(context.Background(), "job-1", "o/r", &issueNumber, "title", "desc")
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Kind: eventbus.KindJobPhaseChange, JobID: "job-1", Phase: "RunAgent"})
	bus.Publish(eventbus.Event{Kind: eventbus.KindJobCompleted, JobID: "job-1", Reason: "ok"})
	time.Sleep(20 * time.Millisecond)

	var cardID string
	for id := range port.cards {
		cardID = id
	}
	if cardID == "" {
		t.Fatal("expected a card to have been created")
	}
	if got := port.listOf(cardID); got != testLists.Done {
		t.Errorf("card list = %s, want %s (Done)", got, testLists.Done)
	}
	comments := port.commentsFor(cardID)
	if len(comments) == 0 {
		t.Fatal("expected at least one comment")
	}
	if len(comment.calls) != 1 {
		t.Fatalf("expected one issue comment, got %d", len(comment.calls))
	}
}

func TestTrackMovesCardToBlockedOnFailure(t *testing.T) {
	bus := eventbus.New(nil)
	port := newFakePort()
	proj := New(port, nil, bus, testLists, nil)

	proj.Track(context.Background(), "job-2", "", nil, "title", "desc")
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{
		Kind:  eventbus.KindJobFailed,
		JobID: "job-2",
		Error: &storage.JobError{Kind: errs.AgentCrashed, Message: "boom"},
	})
	time.Sleep(20 * time.Millisecond)

	var cardID string
	for id := range port.cards {
		cardID = id
	}
	if got := port.listOf(cardID); got != testLists.Blocked {
		t.Errorf("card list = %s, want %s (Blocked)", got, testLists.Blocked)
	}
}

func TestCardCreateFailureDegradesToNoOp(t *testing.T) {
	bus := eventbus.New(nil)
	port := newFakePort()
	port.failCreate = true
	proj := New(port, nil, bus, testLists, nil)

	done := make(chan struct{})
	go func() {
		proj.Track(context.Background(), "job-3", "", nil, "t", "d")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Track should return promptly even when CreateCard fails")
	}

	proj.mu.Lock()
	_, tracked := proj.cards["job-3"]
	proj.mu.Unlock()
	if tracked {
		t.Fatal("job-3 should not be tracked after a failed CreateCard")
	}

	// Publishing events for an untracked job must not panic or deadlock —
	// Track returned before subscribing, so nothing is listening.
	bus.Publish(eventbus.Event{JobID: "job-3", Kind: eventbus.KindJobPhaseChange, Phase: "RunAgent"})
}
