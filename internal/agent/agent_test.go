package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-fake.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func drainChunks(t *testing.T, h *Handle) string {
	t.Helper()
	var out strings.Builder
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		data, ok, err := h.ReadChunk(ctx)
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		if !ok {
			return out.String()
		}
		out.Write(data)
	}
}

func TestSpawnEchoesContextAndCompletes(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat\necho done\n")
	a := New(script)
	worktree := t.TempDir()

	h, err := a.Spawn(context.Background(), worktree, Context{Skill: "resolve-issue", Repository: "acme/widgets", Title: "bug"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	output := drainChunks(t, h)
	if !strings.Contains(output, `"skill":"resolve-issue"`) {
		t.Errorf("output %q missing echoed context", output)
	}
	if !strings.Contains(output, "done") {
		t.Errorf("output %q missing script's own output", output)
	}

	result, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitStatus != ExitSuccess {
		t.Errorf("ExitStatus = %v, want success", result.ExitStatus)
	}
}

func TestSpawnNonZeroExit(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat >/dev/null\nexit 3\n")
	a := New(script)
	worktree := t.TempDir()

	h, err := a.Spawn(context.Background(), worktree, Context{Skill: "noop"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	drainChunks(t, h)

	result, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitStatus != ExitFailure || result.ExitCode != 3 {
		t.Errorf("result = %+v, want failure/3", result)
	}
}

func TestCancelGracefulThenForced(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat >/dev/null &\ntrap '' TERM\nsleep 30\n")
	a := New(script)
	worktree := t.TempDir()

	h, err := a.Spawn(context.Background(), worktree, Context{Skill: "noop"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	start := time.Now()
	h.Cancel(1)
	result, err := h.Wait()
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitStatus != ExitCancelled {
		t.Errorf("ExitStatus = %v, want cancelled", result.ExitStatus)
	}
	if elapsed > 10*time.Second {
		t.Errorf("Cancel took too long to force-kill: %v", elapsed)
	}
}
