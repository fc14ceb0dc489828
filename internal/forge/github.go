package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v74/github"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/storage"
)

// GitHub implements Forge for github.com and GitHub Enterprise Server.
// Webhook verification and payload parsing are delegated to go-github's
// own ValidatePayload/ParseWebHook, which do the same HMAC-SHA256
// constant-time check the teacher hand-rolled, but stay current with
// GitHub's event catalog without us maintaining payload structs by hand.
type GitHub struct {
	Token  string
	Client *github.Client
}

// NewGitHub builds a GitHub forge authenticated with token. Token may be
// empty for public-repo-only deployments.
func NewGitHub(token string) *GitHub {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHub{Token: token, Client: client}
}

// Name returns storage.SourceGitHub.
func (g *GitHub) Name() storage.Source { return storage.SourceGitHub }

// Identify reports whether r carries GitHub webhook headers.
func (g *GitHub) Identify(r *http.Request) bool {
	return r.Header.Get("X-GitHub-Event") != ""
}

// supportedEventTypes are the GitHub webhook event types this adapter
// knows how to parse into an InboundEvent. Anything else — "ping",
// "star", "fork", and the rest of GitHub's broad event catalog — is
// rejected at ingest with Unsupported; skill mapping for an accepted
// issues/issue_comment action (e.g. "closed", "labeled") happens
// downstream, not here.
var supportedEventTypes = map[string]bool{
	"issues":        true,
	"issue_comment": true,
}

// ParseEvent verifies the request's X-Hub-Signature-256 against secret
// and parses the body into an InboundEvent.
func (g *GitHub) ParseEvent(r *http.Request, secret string) (*InboundEvent, error) {
	payload, err := github.ValidatePayload(r, []byte(secret))
	if err != nil {
		return nil, errs.Wrap(errs.Unauthorized, false, "github signature verification failed", err)
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		return nil, errs.New(errs.Malformed, false, "missing X-GitHub-Delivery header")
	}

	whType := github.WebHookType(r)
	if !supportedEventTypes[whType] {
		return nil, errs.New(errs.Unsupported, false, fmt.Sprintf("unsupported github event type %q", whType))
	}

	parsed, err := github.ParseWebHook(whType, payload)
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, false, "parse github webhook payload", err)
	}

	in := &InboundEvent{
		Source:     storage.SourceGitHub,
		DeliveryID: deliveryID,
		RawPayload: payload,
		Signature:  r.Header.Get("X-Hub-Signature-256"),
	}

	switch ev := parsed.(type) {
	case *github.IssuesEvent:
		in.EventType = "issues." + ev.GetAction()
		in.Repository = ev.GetRepo().GetFullName()
		in.CloneURL = ev.GetRepo().GetCloneURL()
		num := ev.GetIssue().GetNumber()
		in.IssueNumber = &num
		in.Title = ev.GetIssue().GetTitle()
		in.Body = ev.GetIssue().GetBody()
		in.Sender = ev.GetSender().GetLogin()
	case *github.IssueCommentEvent:
		in.EventType = "issue_comment." + ev.GetAction()
		in.Repository = ev.GetRepo().GetFullName()
		in.CloneURL = ev.GetRepo().GetCloneURL()
		num := ev.GetIssue().GetNumber()
		in.IssueNumber = &num
		in.Title = ev.GetIssue().GetTitle()
		in.Body = ev.GetComment().GetBody()
		in.Sender = ev.GetSender().GetLogin()
	default:
		return nil, errs.New(errs.Unsupported, false, fmt.Sprintf("unhandled github payload for event type %q", whType))
	}

	return in, nil
}

// CloneToken returns the configured token. GitHub personal access tokens
// and installation tokens both work as basic-auth clone credentials; we
// report a conservative one-hour expiry since the caller only uses this
// to decide whether to refresh before a long-running clone.
func (g *GitHub) CloneToken(ctx context.Context, repository string) (string, time.Time, error) {
	if g.Token == "" {
		return "", time.Time{}, nil
	}
	return g.Token, time.Now().Add(time.Hour), nil
}

// AddComment posts a comment to the issue named by target.
func (g *GitHub) AddComment(ctx context.Context, target CommentTarget, text string) error {
	owner, name, err := splitRepository(target.Repository)
	if err != nil {
		return err
	}
	_, _, err = g.Client.Issues.CreateComment(ctx, owner, name, target.IssueNumber, &github.IssueComment{
		Body: github.Ptr(text),
	})
	if err != nil {
		return errs.Wrap(errs.ProjectionFailed, true, "post github issue comment", err)
	}
	return nil
}

func splitRepository(repository string) (owner, name string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.New(errs.Internal, false, fmt.Sprintf("malformed repository %q, want owner/name", repository))
	}
	return parts[0], parts[1], nil
}
