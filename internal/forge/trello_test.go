package forge

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentforge/autoclaude/internal/errs"
)

func trelloSignature(secret, callbackURL, body string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(body))
	mac.Write([]byte(callbackURL))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTrelloIdentify(t *testing.T) {
	tr := NewTrello("key", "token", "https://example.com/webhooks/trello")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/trello", nil)
	r.Header.Set("X-Trello-Webhook", "whatever")
	if !tr.Identify(r) {
		t.Errorf("Identify = false, want true")
	}
	plain := httptest.NewRequest(http.MethodPost, "/webhooks/trello", nil)
	if tr.Identify(plain) {
		t.Errorf("Identify = true, want false without header")
	}
}

func TestTrelloParseEventCommentCard(t *testing.T) {
	callbackURL := "https://example.com/webhooks/trello"
	secret := "trellosecret"
	tr := NewTrello("key", "token", callbackURL)

	body := `{"action":{"type":"commentCard","data":{"card":{"id":"card123","name":"Fix the thing"},"text":"please also check the logs"},"memberCreator":{"username":"bob"}}}`
	sig := trelloSignature(secret, callbackURL, body)

	r := httptest.NewRequest(http.MethodPost, "/webhooks/trello", bytes.NewReader([]byte(body)))
	r.Header.Set("X-Trello-Webhook", sig)

	in, err := tr.ParseEvent(r, secret)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if in.EventType != "card.commentCard" {
		t.Errorf("EventType = %q, want card.commentCard", in.EventType)
	}
	if in.CardID != "card123" {
		t.Errorf("CardID = %q, want card123", in.CardID)
	}
	if in.Sender != "bob" {
		t.Errorf("Sender = %q, want bob", in.Sender)
	}
	if in.DeliveryID == "" {
		t.Errorf("DeliveryID empty, want a derived replay key")
	}
}

func TestTrelloParseEventBadSignature(t *testing.T) {
	tr := NewTrello("key", "token", "https://example.com/webhooks/trello")
	body := `{"action":{"type":"commentCard"}}`
	r := httptest.NewRequest(http.MethodPost, "/webhooks/trello", bytes.NewReader([]byte(body)))
	r.Header.Set("X-Trello-Webhook", "not-a-valid-signature")

	_, err := tr.ParseEvent(r, "trellosecret")
	if err == nil {
		t.Fatal("expected signature error, got nil")
	}
	se, ok := errs.As(err)
	if !ok || se.Kind != errs.Unauthorized {
		t.Errorf("error kind = %v, want Unauthorized", err)
	}
}

func TestTrelloParseEventUnsupportedAction(t *testing.T) {
	callbackURL := "https://example.com/webhooks/trello"
	secret := "trellosecret"
	tr := NewTrello("key", "token", callbackURL)

	body := `{"action":{"type":"updateCard"}}`
	sig := trelloSignature(secret, callbackURL, body)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/trello", bytes.NewReader([]byte(body)))
	r.Header.Set("X-Trello-Webhook", sig)

	_, err := tr.ParseEvent(r, secret)
	if err == nil {
		t.Fatal("expected unsupported action error, got nil")
	}
	se, ok := errs.As(err)
	if !ok || se.Kind != errs.Unsupported {
		t.Errorf("error kind = %v, want Unsupported", err)
	}
}
