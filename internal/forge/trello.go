package forge

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/storage"
)

// Trello implements Forge for Trello webhooks (e.g. a comment added to a
// card the orchestrator already tracks). The Kanban Projection's card
// comments do not go through this type; they go through its KanbanPort
// (kanban.TrelloBoard). Unlike GitHub, Trello is never a git remote: CloneToken always returns
// the zero value.
type Trello struct {
	APIKey      string
	Token       string
	CallbackURL string // the webhook's registered callback URL, part of the signature input
	HTTP        *resty.Client
}

// NewTrello builds a Trello forge. callbackURL must match exactly what
// was registered when the webhook was created — Trello signs over it.
func NewTrello(apiKey, token, callbackURL string) *Trello {
	return &Trello{
		APIKey:      apiKey,
		Token:       token,
		CallbackURL: callbackURL,
		HTTP:        resty.New().SetBaseURL("https://api.trello.com/1"),
	}
}

// Name returns storage.SourceTrello.
func (t *Trello) Name() storage.Source { return storage.SourceTrello }

// Identify reports whether r carries Trello's webhook signature header.
func (t *Trello) Identify(r *http.Request) bool {
	return r.Header.Get("X-Trello-Webhook") != ""
}

type trelloAction struct {
	Type string `json:"type"`
	Data struct {
		Card struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"card"`
		Text string `json:"text"`
	} `json:"data"`
	MemberCreator struct {
		Username string `json:"username"`
	} `json:"memberCreator"`
}

type trelloWebhookPayload struct {
	Action trelloAction `json:"action"`
}

// ParseEvent verifies Trello's base64 HMAC-SHA1 signature (computed over
// the raw body concatenated with the registered callback URL) and
// parses the action into an InboundEvent.
func (t *Trello) ParseEvent(r *http.Request, secret string) (*InboundEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, false, "read trello webhook body", err)
	}

	sig := r.Header.Get("X-Trello-Webhook")
	if sig == "" {
		return nil, errs.New(errs.Unauthorized, false, "missing X-Trello-Webhook header")
	}
	if !t.verifySignature(body, sig, secret) {
		return nil, errs.New(errs.Unauthorized, false, "trello signature mismatch")
	}

	var payload trelloWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errs.Wrap(errs.Malformed, false, "parse trello webhook payload", err)
	}
	if payload.Action.Type != "commentCard" {
		return nil, errs.New(errs.Unsupported, false, fmt.Sprintf("unsupported trello action type %q", payload.Action.Type))
	}

	// Trello does not send a delivery id; the card's action stream has no
	// stable replay key, so the card id + comment text hash stands in.
	deliveryID := payload.Action.Data.Card.ID + ":" + hashText(payload.Action.Data.Text)

	return &InboundEvent{
		Source:     storage.SourceTrello,
		EventType:  "card." + payload.Action.Type,
		DeliveryID: deliveryID,
		CardID:     payload.Action.Data.Card.ID,
		Title:      payload.Action.Data.Card.Name,
		Body:       payload.Action.Data.Text,
		Sender:     payload.Action.MemberCreator.Username,
		RawPayload: body,
		Signature:  sig,
	}, nil
}

func (t *Trello) verifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(t.CallbackURL))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func hashText(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CloneToken always returns the zero value: Trello is not a git remote.
func (t *Trello) CloneToken(ctx context.Context, repository string) (string, time.Time, error) {
	return "", time.Time{}, nil
}

// AddComment posts a comment to the named Trello card.
func (t *Trello) AddComment(ctx context.Context, target CommentTarget, text string) error {
	resp, err := t.HTTP.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":  t.APIKey,
			"token": t.Token,
			"text": text,
		}).
		Post(fmt.Sprintf("/cards/%s/actions/comments", target.CardID))
	if err != nil {
		return errs.Wrap(errs.ProjectionFailed, true, "post trello card comment", err)
	}
	if resp.IsError() {
		return errs.New(errs.ProjectionFailed, true, fmt.Sprintf("trello api error: %s", resp.Status()))
	}
	return nil
}
