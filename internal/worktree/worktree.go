// Package worktree implements the Worktree Manager (spec §4.4): the
// exclusive owner of on-disk isolated working trees the Orchestrator
// runs an agent inside. Grounded on the teacher's internal/worker/clone.go
// (git-subprocess-driven, GIT_TERMINAL_PROMPT=0, token-in-URL auth), but
// generalized from a one-shot shallow clone into real `git worktree`
// linked trees so SetupWorktree/Validate can reuse one local mirror
// clone across every job against the same repository.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentforge/autoclaude/internal/errs"
)

// Handle describes one created worktree.
type Handle struct {
	Path       string
	BranchName string
	Repository string // owner/name
}

// Manager creates and removes worktrees rooted under BaseDir, keyed by
// repository. Each repository gets one persistent local mirror clone
// (fetched lazily, refreshed before every Create) from which linked
// worktrees are created, mirroring how a developer's own checkout would
// host multiple `git worktree add` trees off one clone.
type Manager struct {
	BaseDir string
	log     *slog.Logger

	mu      sync.Mutex
	mirrors map[string]string // repository -> local mirror clone path
}

// New creates a Manager rooted at baseDir. baseDir must be outside any
// operator-managed checkout (spec §4.4: "addressable outside the main
// repository checkout so concurrent orchestrations never interfere").
func New(baseDir string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{BaseDir: baseDir, log: log, mirrors: make(map[string]string)}
}

// Create checks out a new worktree for repository at a fresh branch
// branchName, rooted at the repository's default-branch tip. create is
// atomic: on any failure the partially-created directory is removed
// before returning, so the caller never observes a half-state path.
func (m *Manager) Create(ctx context.Context, repository, cloneURL, cloneToken, branchName string) (*Handle, error) {
	mirror, err := m.ensureMirror(ctx, repository, cloneURL, cloneToken)
	if err != nil {
		return nil, errs.Wrap(errs.WorktreeCreateFailed, true, "prepare mirror clone", err)
	}

	path := filepath.Join(m.BaseDir, "wt", sanitize(repository), sanitize(branchName))
	if _, err := os.Stat(path); err == nil {
		return nil, errs.New(errs.WorktreeCreateFailed, true, fmt.Sprintf("worktree path already exists: %s", path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.WorktreeCreateFailed, true, "create worktree parent dir", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branchName, path, "HEAD")
	cmd.Dir = mirror
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(path)
		return nil, errs.Wrap(errs.WorktreeCreateFailed, true, "git worktree add failed", fmt.Errorf("%w\n%s", err, output))
	}

	return &Handle{Path: path, BranchName: branchName, Repository: repository}, nil
}

// Remove deletes worktreePath via `git worktree remove`. Unless force is
// true, a non-clean working tree (per git's own definition) causes the
// command to fail and Remove returns the underlying error unmodified:
// the Orchestrator never passes force=true on the success path (spec §4.4).
func (m *Manager) Remove(ctx context.Context, mirrorRepository, worktreePath string, force bool) error {
	mirror, err := m.mirrorFor(mirrorRepository)
	if err != nil {
		return err
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = mirror
	if output, err := cmd.CombinedOutput(); err != nil {
		return errs.Wrap(errs.Internal, false, "git worktree remove failed", fmt.Errorf("%w\n%s", err, output))
	}
	return nil
}

// List returns every worktree linked to repository's mirror clone.
func (m *Manager) List(ctx context.Context, repository string) ([]*Handle, error) {
	mirror, err := m.mirrorFor(repository)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = mirror
	output, err := cmd.Output()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "git worktree list failed", err)
	}
	return parseWorktreeList(output, repository), nil
}

func (m *Manager) mirrorFor(repository string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mirror, ok := m.mirrors[repository]
	if !ok {
		return "", errs.New(errs.Internal, false, fmt.Sprintf("no mirror clone established for %s", repository))
	}
	return mirror, nil
}

// ensureMirror clones repository into a bare mirror the first time it's
// seen, and fetches the latest default branch tip on every subsequent
// call so Create always branches from an up-to-date tip.
func (m *Manager) ensureMirror(ctx context.Context, repository, cloneURL, cloneToken string) (string, error) {
	m.mu.Lock()
	mirror, exists := m.mirrors[repository]
	if !exists {
		mirror = filepath.Join(m.BaseDir, "mirrors", sanitize(repository))
		m.mirrors[repository] = mirror
	}
	m.mu.Unlock()

	authedURL := cloneURL
	if cloneToken != "" {
		injected, err := injectToken(cloneURL, cloneToken)
		if err != nil {
			return "", fmt.Errorf("inject clone token: %w", err)
		}
		authedURL = injected
	}

	if _, err := os.Stat(mirror); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(mirror), 0o755); err != nil {
			return "", fmt.Errorf("create mirror dir: %w", err)
		}
		cmd := exec.CommandContext(ctx, "git", "clone", "--bare", authedURL, mirror)
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
		if output, err := cmd.CombinedOutput(); err != nil {
			os.RemoveAll(mirror)
			return "", fmt.Errorf("git clone --bare failed: %w\n%s", err, output)
		}
		m.log.Info("established mirror clone", "repository", repository, "path", mirror)
		return mirror, nil
	}

	fetch := exec.CommandContext(ctx, "git", "fetch", "--prune", authedURL, "+refs/heads/*:refs/heads/*")
	fetch.Dir = mirror
	fetch.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if output, err := fetch.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git fetch failed: %w\n%s", err, output)
	}
	return mirror, nil
}

func injectToken(cloneURL, token string) (string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func sanitize(s string) string {
	replacer := strings.NewReplacer("/", "-", ":", "-", "@", "-")
	return replacer.Replace(s)
}

func parseWorktreeList(output []byte, repository string) []*Handle {
	var handles []*Handle
	var current *Handle
	for _, line := range strings.Split(string(output), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				handles = append(handles, current)
			}
			current = &Handle{Path: strings.TrimPrefix(line, "worktree "), Repository: repository}
		case strings.HasPrefix(line, "branch "):
			if current != nil {
				ref := strings.TrimPrefix(line, "branch ")
				current.BranchName = strings.TrimPrefix(ref, "refs/heads/")
			}
		}
	}
	if current != nil {
		handles = append(handles, current)
	}
	return handles
}
