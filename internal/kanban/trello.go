package kanban

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/forge"
	"github.com/agentforge/autoclaude/internal/ratelimit"
)

// statusNames maps the KANBAN_LIST_<STATUS> environment keys (spec §6)
// to their CardStatus, the inverse of config.knownStatuses.
var statusNames = map[string]CardStatus{
	"backlog":     StatusBacklog,
	"todo":        StatusTodo,
	"in_progress": StatusInProgress,
	"review":      StatusReview,
	"done":        StatusDone,
	"blocked":     StatusBlocked,
	"cancelled":   StatusCancelled,
}

// TrelloBoard implements KanbanPort against the Trello REST API,
// rate-limited per-host (spec §5) since it shares api.trello.com with
// forge.Trello's comment-posting calls.
type TrelloBoard struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	boardID string

	statusToListID map[CardStatus]string
	nameToStatus   map[string]CardStatus
}

// NewTrelloBoard builds a TrelloBoard. listIDs maps the lowercase status
// name (as found in config.ProcessConfig.KanbanListIDs) to its external
// list id — injected configuration, never hardcoded (spec §4.8).
func NewTrelloBoard(apiKey, token, boardID string, listIDs map[string]string, limiter *ratelimit.Limiter) *TrelloBoard {
	statusToListID := make(map[CardStatus]string, len(listIDs))
	for name, listID := range listIDs {
		if status, ok := statusNames[name]; ok {
			statusToListID[status] = listID
		}
	}
	return &TrelloBoard{
		http:           resty.New().SetBaseURL("https://api.trello.com/1").SetQueryParams(map[string]string{"key": apiKey, "token": token}),
		limiter:        limiter,
		boardID:        boardID,
		statusToListID: statusToListID,
		nameToStatus:   make(map[string]CardStatus),
	}
}

// ListIDFor returns the external list id configured for status, or ""
// if the board has no mapping for it.
func (b *TrelloBoard) ListIDFor(status CardStatus) string {
	return b.statusToListID[status]
}

func (b *TrelloBoard) CreateCard(ctx context.Context, listID, title, description string) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	resp, err := b.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{"idList": listID, "name": title, "desc": description}).
		SetResult(&out).
		Post("/cards")
	if err != nil {
		return "", errs.Wrap(errs.ProjectionFailed, true, "trello create_card", err)
	}
	if resp.IsError() {
		return "", errs.New(errs.ProjectionFailed, true, fmt.Sprintf("trello create_card: %s", resp.Status()))
	}
	return out.ID, nil
}

func (b *TrelloBoard) AddComment(ctx context.Context, cardID, text string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	resp, err := b.http.R().SetContext(ctx).
		SetQueryParam("text", text).
		Post(fmt.Sprintf("/cards/%s/actions/comments", cardID))
	if err != nil {
		return errs.Wrap(errs.ProjectionFailed, true, "trello add_comment", err)
	}
	if resp.IsError() {
		return errs.New(errs.ProjectionFailed, true, fmt.Sprintf("trello add_comment: %s", resp.Status()))
	}
	return nil
}

func (b *TrelloBoard) MoveCard(ctx context.Context, cardID, listID string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	resp, err := b.http.R().SetContext(ctx).
		SetQueryParam("idList", listID).
		Put(fmt.Sprintf("/cards/%s", cardID))
	if err != nil {
		return errs.Wrap(errs.ProjectionFailed, true, "trello move_card", err)
	}
	if resp.IsError() {
		return errs.New(errs.ProjectionFailed, true, fmt.Sprintf("trello move_card: %s", resp.Status()))
	}
	return nil
}

func (b *TrelloBoard) ListLists(ctx context.Context, boardID string) ([]BoardList, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	var out []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	resp, err := b.http.R().SetContext(ctx).SetResult(&out).Get(fmt.Sprintf("/boards/%s/lists", boardID))
	if err != nil {
		return nil, errs.Wrap(errs.ProjectionFailed, true, "trello list_lists", err)
	}
	if resp.IsError() {
		return nil, errs.New(errs.ProjectionFailed, true, fmt.Sprintf("trello list_lists: %s", resp.Status()))
	}
	lists := make([]BoardList, len(out))
	for i, l := range out {
		lists[i] = BoardList{ListID: l.ID, Name: l.Name}
	}
	return lists, nil
}

// RefreshListMapping fetches the board's current lists and records which
// external list name backs each configured CardStatus, so MapListToStatus
// can answer from list name rather than list id.
func (b *TrelloBoard) RefreshListMapping(ctx context.Context) error {
	lists, err := b.ListLists(ctx, b.boardID)
	if err != nil {
		return err
	}
	byID := make(map[string]string, len(lists))
	for _, l := range lists {
		byID[l.ListID] = l.Name
	}
	nameToStatus := make(map[string]CardStatus, len(b.statusToListID))
	for status, listID := range b.statusToListID {
		if name, ok := byID[listID]; ok {
			nameToStatus[name] = status
		}
	}
	b.nameToStatus = nameToStatus
	return nil
}

// MapListToStatus returns the CardStatus for an external list name, or
// StatusUnknown if the board's current configuration has no mapping for
// it — never a silent fallback to another status (spec §4.8, §7).
func (b *TrelloBoard) MapListToStatus(name string) CardStatus {
	if status, ok := b.nameToStatus[name]; ok {
		return status
	}
	return StatusUnknown
}

func (b *TrelloBoard) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx, "https://api.trello.com", defaultRateLimitTimeout); err != nil {
		return errs.Wrap(errs.ProjectionFailed, true, "rate limit wait", err)
	}
	return nil
}

const defaultRateLimitTimeout = 5_000_000_000 // 5s, spelled as nanoseconds to avoid importing time twice

// ForgeCommentAdapter implements CommentAdapter using a forge.Forge's
// AddComment, the GitHub forge adapter's comment API per SPEC_FULL.md §12.
type ForgeCommentAdapter struct {
	Forge forge.Forge
}

func (f ForgeCommentAdapter) AddIssueComment(ctx context.Context, repository string, issueNumber int, text string) error {
	return f.Forge.AddComment(ctx, forge.CommentTarget{Repository: repository, IssueNumber: issueNumber}, text)
}
