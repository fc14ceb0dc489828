// Package streamhub implements the Stream Hub (spec §4.9, §6):
// GET /stream/jobs/{job_id} upgrades to a WebSocket and fans out a
// ConsoleMessage{level, ts, text} frame for every Domain Event published
// for that job_id until the job reaches a terminal Kind, plus periodic
// heartbeats. A bounded ring buffer per job_id lets a late-joining
// subscriber (e.g. a second dashboard tab on the same job) replay recent
// history before switching to live delivery. Grounded on the teacher's
// internal/server/logstream.go (per-job_id subscriber map, existing-
// then-live send order) and ws.go (ping/pong keepalive constants,
// write-deadline discipline), translated from the teacher's worker-log-
// chunk wire shape onto eventbus.Event.
package streamhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentforge/autoclaude/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	// historySize bounds how many recent frames a late-joining subscriber
	// can replay (spec §4.9 "bounded ring buffer of recent messages").
	historySize = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventSubscriber is the subset of *eventbus.Bus the hub needs.
type eventSubscriber interface {
	Subscribe(jobID string) (<-chan eventbus.Event, func())
}

// ConsoleMessage is the wire frame spec §6 names for /stream/jobs/{job_id}.
type ConsoleMessage struct {
	Level string    `json:"level"`
	Ts    time.Time `json:"ts"`
	Text  string    `json:"text"`
}

// terminalKinds are the Domain Event kinds after which the hub closes
// every connection for that job_id — there is nothing further to stream.
var terminalKinds = map[eventbus.Kind]bool{
	eventbus.KindJobCompleted: true,
	eventbus.KindJobFailed:    true,
}

func levelFor(kind eventbus.Kind) string {
	switch kind {
	case eventbus.KindJobFailed:
		return "error"
	case eventbus.KindJobAgentOutput:
		return "debug"
	default:
		return "info"
	}
}

func textFor(event eventbus.Event) string {
	switch event.Kind {
	case eventbus.KindJobStarted:
		return "job started"
	case eventbus.KindJobPhaseChange:
		return "phase: " + event.Phase
	case eventbus.KindJobAgentOutput:
		return event.Chunk
	case eventbus.KindJobCompleted:
		reason := event.Reason
		if reason == "" {
			reason = "completed"
		}
		return "job completed: " + reason
	case eventbus.KindJobFailed:
		if event.Error != nil {
			return "job failed: " + string(event.Error.Kind) + ": " + event.Error.Message
		}
		return "job failed"
	default:
		return string(event.Kind)
	}
}

func toConsoleMessage(event eventbus.Event) ConsoleMessage {
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	return ConsoleMessage{Level: levelFor(event.Kind), Ts: at, Text: textFor(event)}
}

// wireConn serializes every write (message or ping) to one underlying
// WebSocket connection — gorilla/websocket forbids concurrent writers,
// and pump's event delivery and writePump's keepalive ping both target
// the same conn from different goroutines.
type wireConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wireConn) send(msg ConsoleMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wireConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wireConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
	c.conn.Close()
}

// broadcaster fans one job_id's bus subscription out to every attached
// WebSocket connection and keeps a ring buffer for late joiners.
type broadcaster struct {
	mu      sync.Mutex
	history []ConsoleMessage
	conns   map[*wireConn]bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{conns: make(map[*wireConn]bool)}
}

func (b *broadcaster) attach(c *wireConn) []ConsoleMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c] = true
	history := make([]ConsoleMessage, len(b.history))
	copy(history, b.history)
	return history
}

func (b *broadcaster) detach(c *wireConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

func (b *broadcaster) record(msg ConsoleMessage) []*wireConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, msg)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	conns := make([]*wireConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

// archiver is the subset of transcript.Archive the hub needs to persist
// a job's full history beyond the in-memory ring buffer. Declared here
// rather than imported so streamhub has no dependency on transcript
// (the dependency runs the other way: transcript imports ConsoleMessage
// from this package).
type archiver interface {
	Append(ctx context.Context, jobID string, msg ConsoleMessage) error
	Finalize(ctx context.Context, jobID string) error
}

// Hub serves /stream/jobs/{job_id} by subscribing to the Domain Event
// Bus and relaying ConsoleMessage frames to every WebSocket client for
// that job_id, in publish order.
type Hub struct {
	bus     eventSubscriber
	archive archiver
	log     *slog.Logger

	mu           sync.Mutex
	broadcasters map[string]*broadcaster
}

// New builds a Hub reading from bus.
func New(bus eventSubscriber, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{bus: bus, log: log, broadcasters: make(map[string]*broadcaster)}
}

// SetArchive attaches a transcript archive: every message the hub
// relays is also appended there, and Finalize runs once the job reaches
// a terminal state. Optional — a nil archive (the default) means
// transcripts live only in the ring buffer for the job's lifetime.
func (h *Hub) SetArchive(a archiver) { h.archive = a }

// ServeHTTP handles GET /stream/jobs/{job_id}.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		http.Error(w, "missing job_id", http.StatusBadRequest)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("stream upgrade failed", "job_id", jobID, "error", err)
		return
	}
	conn := &wireConn{conn: raw}

	b := h.broadcasterFor(jobID)
	history := b.attach(conn)
	for _, msg := range history {
		if err := conn.send(msg); err != nil {
			b.detach(conn)
			raw.Close()
			return
		}
	}

	go h.readPump(raw, jobID)
	h.writePump(conn, b, jobID)
}

// broadcasterFor returns the job's broadcaster, subscribing to the bus
// the first time any client asks for this job_id.
func (h *Hub) broadcasterFor(jobID string) *broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.broadcasters[jobID]; ok {
		return b
	}
	b := newBroadcaster()
	h.broadcasters[jobID] = b
	events, unsubscribe := h.bus.Subscribe(jobID)
	go h.pump(jobID, b, events, unsubscribe)
	return b
}

func (h *Hub) pump(jobID string, b *broadcaster, events <-chan eventbus.Event, unsubscribe func()) {
	defer func() {
		unsubscribe()
		h.mu.Lock()
		delete(h.broadcasters, jobID)
		h.mu.Unlock()
	}()

	for event := range events {
		msg := toConsoleMessage(event)
		if h.archive != nil {
			if err := h.archive.Append(context.Background(), jobID, msg); err != nil {
				h.log.Warn("transcript archive append failed", "job_id", jobID, "error", err)
			}
		}
		conns := b.record(msg)
		for _, conn := range conns {
			if err := conn.send(msg); err != nil {
				h.log.Warn("stream write failed", "job_id", jobID, "error", err)
			}
		}
		if terminalKinds[event.Kind] {
			for _, conn := range conns {
				conn.close()
			}
			if h.archive != nil {
				if err := h.archive.Finalize(context.Background(), jobID); err != nil {
					h.log.Warn("transcript archive finalize failed", "job_id", jobID, "error", err)
				}
			}
			return
		}
	}
}

func jobIDFromPath(path string) string {
	path = strings.TrimPrefix(path, "/stream/jobs/")
	return strings.Trim(path, "/")
}

// writePump keeps the connection alive with pings; message delivery
// itself happens from pump via the broadcaster once attached.
func (h *Hub) writePump(conn *wireConn, b *broadcaster, jobID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.detach(conn)
		conn.conn.Close()
	}()

	for range ticker.C {
		if err := conn.ping(); err != nil {
			return
		}
	}
}

// readPump only watches for client-initiated close; the hub never
// accepts client messages on this endpoint.
func (h *Hub) readPump(conn *websocket.Conn, jobID string) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
