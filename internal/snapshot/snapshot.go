// Package snapshot implements the Snapshot Extractor and safe-cleanup
// predicate (spec §4.5): a deterministic, non-mutating read of a working
// tree's state, and the rule that decides whether it is safe to remove.
// Grounded on the teacher's internal/worker git-subprocess-driving style
// (clone.go, executor.go): shell out to `git`, parse porcelain output,
// never hand-roll a .git parser.
package snapshot

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/storage"
)

// Snapshot is a point-in-time view of a working tree (spec §3).
type Snapshot struct {
	Branch         string
	HeadCommit     string
	StagedFiles    []string
	UnstagedFiles  []string
	UntrackedFiles []string
	Conflicts      []string
	TakenAt        time.Time
}

// Clean reports whether the snapshot has no staged, unstaged, or
// conflicted files. Untracked files do not defeat cleanliness (spec §3).
func (s *Snapshot) Clean() bool {
	return len(s.StagedFiles) == 0 && len(s.UnstagedFiles) == 0 && len(s.Conflicts) == 0
}

// Extractor computes Snapshots by shelling out to git. It never mutates
// the working tree it inspects.
type Extractor struct{}

// New returns an Extractor. It holds no state; one instance may be
// shared across concurrent orchestrations.
func New() *Extractor {
	return &Extractor{}
}

// Extract computes the current Snapshot of worktreePath. Deterministic
// given the filesystem state at call time (spec §4.5): two calls on an
// unchanged worktree yield equal results in every field except TakenAt,
// which records the time of each call.
func (e *Extractor) Extract(ctx context.Context, worktreePath string) (*Snapshot, error) {
	branch, err := gitOutput(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, errs.Wrap(errs.SnapshotFailed, false, "resolve branch", err)
	}
	head, err := gitOutput(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, errs.Wrap(errs.SnapshotFailed, false, "resolve head commit", err)
	}

	statusOut, err := gitOutputRaw(ctx, worktreePath, "status", "--porcelain=v1", "-z")
	if err != nil {
		return nil, errs.Wrap(errs.SnapshotFailed, false, "git status", err)
	}

	snap := &Snapshot{
		Branch:     branch,
		HeadCommit: head,
		TakenAt:    time.Now().UTC(),
	}
	parsePorcelainStatus(statusOut, snap)
	sortSnapshotFiles(snap)
	return snap, nil
}

// parsePorcelainStatus fills snap's file sets from `git status
// --porcelain=v1 -z` output. Each entry is "XY path\0" (renames add a
// second NUL-terminated path we don't need here).
func parsePorcelainStatus(output []byte, snap *Snapshot) {
	for _, entry := range strings.Split(string(output), "\x00") {
		if len(entry) < 3 {
			continue
		}
		x, y := entry[0], entry[1]
		path := entry[3:]

		switch {
		case x == '?' && y == '?':
			snap.UntrackedFiles = append(snap.UntrackedFiles, path)
		case x == 'U' || y == 'U' || (x == 'A' && y == 'A') || (x == 'D' && y == 'D'):
			snap.Conflicts = append(snap.Conflicts, path)
		default:
			if x != ' ' && x != '?' {
				snap.StagedFiles = append(snap.StagedFiles, path)
			}
			if y != ' ' && y != '?' {
				snap.UnstagedFiles = append(snap.UnstagedFiles, path)
			}
		}
	}
}

func sortSnapshotFiles(snap *Snapshot) {
	sort.Strings(snap.StagedFiles)
	sort.Strings(snap.UnstagedFiles)
	sort.Strings(snap.UntrackedFiles)
	sort.Strings(snap.Conflicts)
}

// SafeToRemove implements spec §4.5's cleanliness rule: conflicts always
// block; staged changes always block; unstaged changes block only in
// strict mode; untracked files never block.
func SafeToRemove(snap *Snapshot, mode storage.CleanupMode) bool {
	if len(snap.Conflicts) != 0 || len(snap.StagedFiles) != 0 {
		return false
	}
	if mode == storage.CleanupStrict && len(snap.UnstagedFiles) != 0 {
		return false
	}
	return true
}

// DiffSummary lists paths that differ between two snapshots of the same
// worktree at two points in time: a simple projection, not a content
// diff (spec §4.3: "concrete diff semantics delegated to the extractor").
func DiffSummary(initial, final *Snapshot) []string {
	before := fileSet(initial)
	after := fileSet(final)

	changed := make(map[string]bool)
	for p := range after {
		if !before[p] {
			changed[p] = true
		}
	}
	for p := range before {
		if !after[p] {
			changed[p] = true
		}
	}
	out := make([]string, 0, len(changed))
	for p := range changed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func fileSet(s *Snapshot) map[string]bool {
	set := make(map[string]bool, len(s.StagedFiles)+len(s.UnstagedFiles)+len(s.UntrackedFiles))
	for _, p := range s.StagedFiles {
		set[p] = true
	}
	for _, p := range s.UnstagedFiles {
		set[p] = true
	}
	for _, p := range s.UntrackedFiles {
		set[p] = true
	}
	return set
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := gitOutputRaw(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func gitOutputRaw(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, exitErr.Stderr)
		}
		return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return output, nil
}
