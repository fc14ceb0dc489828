// Package forge adapts the external collaborators named in spec §1
// (GitHub, Trello, and peers) to a single contract the Webhook Processor
// and Orchestrator can drive without knowing which source they're
// talking to.
package forge

import (
	"context"
	"net/http"
	"time"

	"github.com/agentforge/autoclaude/internal/storage"
)

// Forge verifies and parses inbound webhooks from one external
// collaborator, and posts results back to it. Each source (GitHub,
// Trello) implements this once.
type Forge interface {
	// Name identifies the source for dedupe and config lookup.
	Name() storage.Source

	// Identify reports whether r carries this forge's webhook headers.
	Identify(r *http.Request) bool

	// ParseEvent verifies the HMAC signature over the raw body and
	// parses it into an InboundEvent. secret is this source's
	// configured signature_secret (spec §4.1); an empty secret means
	// the source is disabled and callers must reject with Unauthorized
	// before ever calling ParseEvent.
	ParseEvent(r *http.Request, secret string) (*InboundEvent, error)

	// CloneToken returns a short-lived credential for cloning repository
	// (owner/name), and its expiry. Public repositories may return an
	// empty token.
	CloneToken(ctx context.Context, repository string) (string, time.Time, error)

	// AddComment posts a human-readable comment back to the
	// originating issue or card, used for the issue-comment failure
	// visibility surface (SPEC_FULL.md §12).
	AddComment(ctx context.Context, target CommentTarget, text string) error
}

// InboundEvent is the source-agnostic result of parsing a webhook
// delivery, enough for the Webhook Processor to construct an Event and
// Job without touching source-specific payload shapes again.
type InboundEvent struct {
	Source      storage.Source
	EventType   string // source-qualified, e.g. "issues.opened"
	DeliveryID  string
	Repository  string // "owner/name"
	CloneURL    string
	IssueNumber *int
	CardID      string // set when Source == trello
	Title       string
	Body        string
	Sender      string
	RawPayload  []byte
	Signature   string
}

// CommentTarget identifies where AddComment should post. Exactly one of
// IssueNumber or CardID is meaningful, matching Repository/Source.
type CommentTarget struct {
	Repository  string
	IssueNumber int
	CardID      string
}
