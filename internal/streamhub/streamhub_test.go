package streamhub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentforge/autoclaude/internal/eventbus"
)

func dialStream(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/jobs/" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHubStreamsEventsUntilTerminal(t *testing.T) {
	bus := eventbus.New(nil)
	hub := New(bus, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialStream(t, srv, "job-1")
	defer conn.Close()

	// Give ServeHTTP's Subscribe a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Kind: eventbus.KindJobStarted, JobID: "job-1"})
	bus.Publish(eventbus.Event{Kind: eventbus.KindJobPhaseChange, JobID: "job-1", Phase: "Dispatch"})
	bus.Publish(eventbus.Event{Kind: eventbus.KindJobCompleted, JobID: "job-1", Reason: "ok"})

	var kinds []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		kinds = append(kinds, string(data))
	}

	if len(kinds) != 3 {
		t.Fatalf("got %d messages, want 3: %v", len(kinds), kinds)
	}
	if !strings.Contains(kinds[0], "job started") {
		t.Errorf("first message = %s, want job started", kinds[0])
	}
	if !strings.Contains(kinds[2], "job completed") {
		t.Errorf("last message = %s, want job completed", kinds[2])
	}
}

func TestHubRejectsMissingJobID(t *testing.T) {
	bus := eventbus.New(nil)
	hub := New(bus, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/jobs/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for missing job_id")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("expected 400 response, got %+v", resp)
	}
}
