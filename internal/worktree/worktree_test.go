package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func ensureGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// initSourceRepo creates a small real git repository with one commit on
// its default branch, used as the clone source for Manager tests.
func initSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, output)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestCreateListRemove(t *testing.T) {
	ensureGit(t)
	src := initSourceRepo(t)
	base := t.TempDir()
	m := New(base, nil)
	ctx := context.Background()

	handle, err := m.Create(ctx, "acme/widgets", src, "", "auto-claude/issues.opened-42-abcd")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(filepath.Join(handle.Path, "README.md")); err != nil {
		t.Errorf("expected README.md in created worktree: %v", err)
	}
	if handle.BranchName != "auto-claude/issues.opened-42-abcd" {
		t.Errorf("BranchName = %q", handle.BranchName)
	}

	list, err := m.List(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, h := range list {
		if h.Path == handle.Path {
			found = true
		}
	}
	if !found {
		t.Errorf("List = %+v, want to contain %s", list, handle.Path)
	}

	if err := m.Remove(ctx, "acme/widgets", handle.Path, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(handle.Path); !os.IsNotExist(err) {
		t.Errorf("expected worktree path removed, stat err = %v", err)
	}
}

func TestCreateCollisionRefusesOverwrite(t *testing.T) {
	ensureGit(t)
	src := initSourceRepo(t)
	base := t.TempDir()
	m := New(base, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, "acme/widgets", src, "", "auto-claude/issues.opened-1-aaaa"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create(ctx, "acme/widgets", src, "", "auto-claude/issues.opened-1-aaaa"); err == nil {
		t.Fatal("expected second Create with the same branch name to fail")
	}
}

func TestRemoveRefusesDirtyWithoutForce(t *testing.T) {
	ensureGit(t)
	src := initSourceRepo(t)
	base := t.TempDir()
	m := New(base, nil)
	ctx := context.Background()

	handle, err := m.Create(ctx, "acme/widgets", src, "", "auto-claude/issues.opened-2-bbbb")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(handle.Path, "scratch.txt"), []byte("dirty"), 0o644); err != nil {
		t.Fatalf("write scratch file: %v", err)
	}

	if err := m.Remove(ctx, "acme/widgets", handle.Path, false); err == nil {
		t.Fatal("expected Remove to refuse a dirty worktree without force")
	}
	if err := m.Remove(ctx, "acme/widgets", handle.Path, true); err != nil {
		t.Fatalf("forced Remove: %v", err)
	}
}
