// Package config loads the two configuration layers SPEC_FULL.md names:
// a process-wide ProcessConfig from the environment, and an optional
// per-repo RepoOverride file that may only narrow it.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/agentforge/autoclaude/internal/storage"
)

// ErrNoOverride is returned when a repo carries no override file.
var ErrNoOverride = errors.New("no repo skill override file found")

// Duration wraps time.Duration for YAML/TOML/JSON parsing, kept from the
// teacher's config package because every call site that reads a timeout
// from a file hits this same "1h" / "90s" authoring footgun.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// ProcessConfig is the process-wide configuration read once at startup
// from the environment (spec §6). It is the default for every repo; a
// repo's RepoOverride may only narrow it, never grant something this
// config forbids.
type ProcessConfig struct {
	// WebhookSecrets maps a Source ("github", "trello") to its HMAC
	// secret, read from WEBHOOK_<SOURCE>_SECRET.
	WebhookSecrets map[storage.Source]string

	// KanbanBoardID is the board all cards are created on (KANBAN_BOARD_ID).
	KanbanBoardID string

	// KanbanListIDs maps a kanban status name to its list id, read from
	// KANBAN_LIST_<STATUS> (e.g. KANBAN_LIST_IN_PROGRESS).
	KanbanListIDs map[string]string

	// Workers is the worker pool size (WORKERS, default 4).
	Workers int

	// LeaseDuration is how long a dequeued job's lease holds before it's
	// eligible for reclaim (LEASE_SECONDS, default 300s).
	LeaseDuration time.Duration

	// AgentTimeout bounds a single agent run (AGENT_TIMEOUT_SECONDS,
	// default 1800s).
	AgentTimeout time.Duration

	// AgentOutputMaxBytes caps buffered agent output before the job fails
	// with agent_output_overflow (AGENT_OUTPUT_MAX_BYTES, default 10MB).
	AgentOutputMaxBytes int64

	// AutoCleanupOnSuccess enables automatic worktree removal after a
	// successful, clean job (AUTO_CLEANUP_ON_SUCCESS, default false —
	// preserve-on-doubt is the default policy).
	AutoCleanupOnSuccess bool

	// CleanupMode is the default safe_to_remove strictness
	// (CLEANUP_MODE: "lenient" or "strict", default lenient).
	CleanupMode storage.CleanupMode
}

const (
	defaultWorkers             = 4
	defaultLeaseSeconds        = 300
	defaultAgentTimeoutSeconds = 1800
	defaultAgentOutputMaxBytes = 10 * 1024 * 1024
)

// knownSources enumerates the Source values WEBHOOK_<SOURCE>_SECRET scans
// for. Unknown sources in the environment are simply never looked up.
var knownSources = []storage.Source{storage.SourceGitHub, storage.SourceTrello}

// knownStatuses enumerates the kanban status names KANBAN_LIST_<STATUS>
// scans for, matching the Card.status vocabulary (UNKNOWN is never a
// configured target — it's what an unmapped external list produces).
var knownStatuses = []string{"backlog", "todo", "in_progress", "review", "done", "blocked", "cancelled"}

// LoadProcessConfig reads the process-wide configuration from the
// environment, applying the documented defaults for anything unset.
func LoadProcessConfig(getenv func(string) string) (*ProcessConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &ProcessConfig{
		WebhookSecrets: map[storage.Source]string{},
		KanbanListIDs:  map[string]string{},
		Workers:        defaultWorkers,
		LeaseDuration:  defaultLeaseSeconds * time.Second,
		AgentTimeout:   defaultAgentTimeoutSeconds * time.Second,
		AgentOutputMaxBytes: defaultAgentOutputMaxBytes,
		CleanupMode:    storage.CleanupLenient,
	}

	for _, src := range knownSources {
		key := "WEBHOOK_" + strings.ToUpper(string(src)) + "_SECRET"
		if v := getenv(key); v != "" {
			cfg.WebhookSecrets[src] = v
		}
	}

	cfg.KanbanBoardID = getenv("KANBAN_BOARD_ID")
	for _, status := range knownStatuses {
		key := "KANBAN_LIST_" + strings.ToUpper(status)
		if v := getenv(key); v != "" {
			cfg.KanbanListIDs[status] = v
		}
	}

	if v := getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("WORKERS must be a positive integer, got %q", v)
		}
		cfg.Workers = n
	}

	if v := getenv("LEASE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("LEASE_SECONDS must be a positive integer, got %q", v)
		}
		cfg.LeaseDuration = time.Duration(n) * time.Second
	}

	if v := getenv("AGENT_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("AGENT_TIMEOUT_SECONDS must be a positive integer, got %q", v)
		}
		cfg.AgentTimeout = time.Duration(n) * time.Second
	}

	if v := getenv("AGENT_OUTPUT_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("AGENT_OUTPUT_MAX_BYTES must be a positive integer, got %q", v)
		}
		cfg.AgentOutputMaxBytes = n
	}

	if v := getenv("AUTO_CLEANUP_ON_SUCCESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("AUTO_CLEANUP_ON_SUCCESS must be a bool, got %q", v)
		}
		cfg.AutoCleanupOnSuccess = b
	}

	if v := getenv("CLEANUP_MODE"); v != "" {
		switch storage.CleanupMode(v) {
		case storage.CleanupLenient, storage.CleanupStrict:
			cfg.CleanupMode = storage.CleanupMode(v)
		default:
			return nil, fmt.Errorf("CLEANUP_MODE must be %q or %q, got %q", storage.CleanupLenient, storage.CleanupStrict, v)
		}
	}

	return cfg, nil
}

// RepoOverride is the optional per-repo skill override file
// (.autoclaude.yaml/.toml/.json at the repo root). It may only narrow
// the process config: pin the skill its jobs run, tighten the cleanup
// mode, or shorten the agent timeout. Its Workers list is parsed but not
// enforced. A repo file asking for a longer timeout or a looser cleanup
// mode than the process config allows is a validation error, not a
// silent grant.
type RepoOverride struct {
	// Skill pins the skill this repo's jobs run, overriding per-job
	// inference, when set.
	Skill storage.Skill `yaml:"skill" toml:"skill" json:"skill"`

	// CleanupMode may only be tightened (lenient -> strict), never
	// loosened (strict -> lenient) relative to the process default.
	CleanupMode storage.CleanupMode `yaml:"cleanup_mode" toml:"cleanup_mode" json:"cleanup_mode"`

	// Workers lists worker labels. Narrow returns it unchanged
	// (ProcessConfig has no label restriction to check it against), and
	// the worker pool does not read it.
	Workers []string `yaml:"workers" toml:"workers" json:"workers"`

	// Timeout overrides the process AgentTimeout; may only be shorter.
	Timeout Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

var overrideCandidates = []struct {
	name   string
	parser func([]byte, *RepoOverride) error
}{
	{".autoclaude.yaml", parseYAML},
	{".autoclaude.yml", parseYAML},
	{".autoclaude.toml", parseTOML},
	{".autoclaude.json", parseJSON},
}

// LoadRepoOverride finds and parses a repo's skill override file from
// its worktree root. Returns ErrNoOverride if none is present — that is
// the common case and callers should treat it as "use process defaults",
// not as a failure.
func LoadRepoOverride(worktreeRoot string) (*RepoOverride, string, error) {
	for _, c := range overrideCandidates {
		path := filepath.Join(worktreeRoot, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ov RepoOverride
		if err := c.parser(data, &ov); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		return &ov, c.name, nil
	}
	return nil, "", ErrNoOverride
}

func parseYAML(data []byte, ov *RepoOverride) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(ov)
}

func parseTOML(data []byte, ov *RepoOverride) error {
	_, err := toml.Decode(string(data), ov)
	return err
}

func parseJSON(data []byte, ov *RepoOverride) error {
	return json.Unmarshal(data, ov)
}

// Narrow applies a RepoOverride on top of a ProcessConfig's per-repo
// effective settings, rejecting any attempt to loosen a restriction.
// Narrow does not look at ov.Skill (the process config has no skill
// allow-list); callers apply the skill pin themselves.
func Narrow(proc *ProcessConfig, ov *RepoOverride) (timeout time.Duration, cleanupMode storage.CleanupMode, workers []string, err error) {
	timeout = proc.AgentTimeout
	cleanupMode = proc.CleanupMode
	workers = nil

	if ov == nil {
		return timeout, cleanupMode, workers, nil
	}

	if ov.Timeout != 0 {
		if ov.Timeout.Duration() > proc.AgentTimeout {
			return 0, "", nil, fmt.Errorf("repo override timeout %s exceeds process timeout %s", ov.Timeout.Duration(), proc.AgentTimeout)
		}
		timeout = ov.Timeout.Duration()
	}

	if ov.CleanupMode != "" {
		if proc.CleanupMode == storage.CleanupStrict && ov.CleanupMode == storage.CleanupLenient {
			return 0, "", nil, fmt.Errorf("repo override cannot loosen cleanup_mode from strict to lenient")
		}
		cleanupMode = ov.CleanupMode
	}

	if len(ov.Workers) > 0 {
		workers = ov.Workers
	}

	return timeout, cleanupMode, workers, nil
}
