// Package agent implements the Agent Adapter (spec §4.6): spawns the
// external AI coding subprocess, streams its output as opaque chunks,
// and collects its termination. Grounded on the teacher's
// internal/worker/executor.go (exec.Command + process-group SIGKILL) and
// stream.go (buffered chunked streaming), extended from the teacher's
// immediate SIGKILL into the two-stage cooperative-signal/grace/force
// cancellation protocol spec §4.6 requires; timeout and output-cap
// enforcement stay with the Orchestrator, per spec.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agentforge/autoclaude/internal/errs"
)

// ExitStatus classifies how an agent subprocess terminated.
type ExitStatus string

const (
	ExitSuccess   ExitStatus = "success"
	ExitFailure   ExitStatus = "failure"
	ExitCancelled ExitStatus = "cancelled"
)

// Result is the outcome of Handle.Wait. ProducedChanges is left false
// here: the adapter never inspects the worktree it ran in (spec §4.6 —
// it only forwards opaque subprocess bytes), so the Orchestrator fills
// this in from the Snapshot Extractor's before/after diff once both
// snapshots exist.
type Result struct {
	ExitStatus      ExitStatus
	ExitCode        int
	ProducedChanges bool
}

// Context is the structured input the skill operates on, derived from
// the triggering event. The adapter treats this opaquely: it never
// interprets subprocess output semantically (spec §4.6).
type Context struct {
	Skill       string
	Repository  string
	IssueNumber *int
	Title       string
	Body        string
}

const chunkSize = 64 * 1024

// chunk is one piece of subprocess output delivered by Handle.ReadChunk.
type chunk struct {
	data []byte
	err  error
}

// Handle represents one running (or finished) agent subprocess.
type Handle struct {
	cmd      *exec.Cmd
	chunks   chan chunk
	done     chan struct{}
	waitOnce sync.Once
	waitErr  error

	mu        sync.Mutex
	cancelled bool
}

// Adapter spawns agent subprocesses. Binary is the path to (or name of)
// the external coding agent executable; it receives the skill name as
// its first argument and Context as a JSON document on stdin.
type Adapter struct {
	Binary string
}

// New returns an Adapter that invokes binary for every spawn.
func New(binary string) *Adapter {
	return &Adapter{Binary: binary}
}

// Spawn starts the agent subprocess rooted at worktreePath. The
// subprocess's stdin carries a JSON-encoded Context; its combined
// stdout/stderr is available via Handle.ReadChunk.
func (a *Adapter) Spawn(ctx context.Context, worktreePath string, agentCtx Context) (*Handle, error) {
	cmd := exec.Command(a.Binary, agentCtx.Skill)
	cmd.Dir = worktreePath
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.AgentSpawnFailed, true, "open agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.AgentSpawnFailed, true, "open agent stdout", err)
	}
	cmd.Stderr = cmd.Stdout.(io.Writer)

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.AgentSpawnFailed, true, "start agent subprocess", err)
	}

	if err := writeContext(stdin, agentCtx); err != nil {
		_ = cmd.Process.Kill()
		return nil, errs.Wrap(errs.AgentSpawnFailed, true, "write agent context", err)
	}

	h := &Handle{
		cmd:    cmd,
		chunks: make(chan chunk, 16),
		done:   make(chan struct{}),
	}
	go h.pump(stdout)
	return h, nil
}

func writeContext(w io.WriteCloser, agentCtx Context) error {
	defer w.Close()
	_, err := fmt.Fprintf(w, `{"skill":%q,"repository":%q,"title":%q,"body":%q}`+"\n",
		agentCtx.Skill, agentCtx.Repository, agentCtx.Title, agentCtx.Body)
	return err
}

// pump reads subprocess output in bounded chunks and forwards them on h.chunks.
func (h *Handle) pump(r io.Reader) {
	defer close(h.chunks)
	buf := bufio.NewReaderSize(r, chunkSize)
	for {
		b := make([]byte, chunkSize)
		n, err := buf.Read(b)
		if n > 0 {
			h.chunks <- chunk{data: b[:n]}
		}
		if err != nil {
			if err != io.EOF {
				h.chunks <- chunk{err: err}
			}
			return
		}
	}
}

// ReadChunk blocks until the next output chunk or EOF (reported as
// ok=false). It never blocks past subprocess exit once output is drained.
func (h *Handle) ReadChunk(ctx context.Context) (data []byte, ok bool, err error) {
	select {
	case c, open := <-h.chunks:
		if !open {
			return nil, false, nil
		}
		if c.err != nil {
			return nil, false, c.err
		}
		return c.data, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Cancel sends a cooperative termination signal (SIGTERM to the whole
// process group), waits up to graceSeconds, then forces termination
// with SIGKILL if the process is still alive. Cancel never blocks past
// grace + a short reap window.
func (h *Handle) Cancel(graceSeconds int) {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()

	pgid := h.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(time.Duration(graceSeconds) * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// Wait blocks until the subprocess exits (or was reaped after Cancel)
// and returns its Result. Safe to call more than once; later calls
// return the same Result.
func (h *Handle) Wait() (*Result, error) {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		close(h.done)
	})

	h.mu.Lock()
	cancelled := h.cancelled
	h.mu.Unlock()

	if cancelled {
		return &Result{ExitStatus: ExitCancelled, ExitCode: exitCode(h.waitErr)}, nil
	}
	if h.waitErr != nil {
		if _, ok := h.waitErr.(*exec.ExitError); ok {
			return &Result{ExitStatus: ExitFailure, ExitCode: exitCode(h.waitErr)}, nil
		}
		return nil, errs.Wrap(errs.AgentCrashed, true, "agent subprocess wait failed", h.waitErr)
	}
	return &Result{ExitStatus: ExitSuccess, ExitCode: 0}, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return 1
}
