package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentforge/autoclaude/internal/crypto"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Store using embedded SQLite. It is the
// authoritative persistence backend: single-writer, zero external
// dependencies, good enough for the volume a webhook orchestrator sees.
type SQLiteStorage struct {
	db     *sql.DB
	cipher *crypto.Cipher // nil = no encryption (tests)
	log    *slog.Logger
}

// NewSQLite opens (creating if needed) a SQLite-backed Store.
// Use ":memory:" for tests, or a file path for persistent storage. When
// encryptionSecret is non-empty, webhook secrets and forge tokens are
// encrypted at rest (internal/crypto, "enc:" prefix).
func NewSQLite(dsn string, encryptionSecret string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	var cipher *crypto.Cipher
	if encryptionSecret != "" {
		cipher, err = crypto.NewCipher(encryptionSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create cipher: %w", err)
		}
	}

	s := &SQLiteStorage{db: db, cipher: cipher, log: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS repos (
			id TEXT PRIMARY KEY,
			forge_type TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			clone_url TEXT NOT NULL UNIQUE,
			webhook_secret TEXT NOT NULL,
			forge_token TEXT NOT NULL DEFAULT '',
			workers TEXT NOT NULL DEFAULT '',
			default_skill TEXT NOT NULL DEFAULT '',
			cleanup_mode TEXT NOT NULL DEFAULT 'lenient',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			source TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			raw_payload BLOB NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (source, delivery_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_received_at ON events(received_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) encrypt(plaintext string) (string, error) {
	if s.cipher == nil || plaintext == "" {
		return plaintext, nil
	}
	return s.cipher.Encrypt(plaintext)
}

func (s *SQLiteStorage) decrypt(ciphertext string) (string, error) {
	if s.cipher == nil || ciphertext == "" {
		return ciphertext, nil
	}
	return s.cipher.Decrypt(ciphertext)
}

// Close releases the underlying database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateEvent persists an ingested Event. Callers check GetEventByDelivery
// first for the idempotency fast path; the primary key is the atomic
// backstop against a concurrent duplicate delivery.
func (s *SQLiteStorage) CreateEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (source, delivery_id, event_type, received_at, raw_payload, signature)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.Source, event.DeliveryID, event.EventType, event.ReceivedAt, event.RawPayload, event.Signature)
	return err
}

// GetEventByDelivery looks up a previously ingested Event by its
// (source, delivery_id) pair.
func (s *SQLiteStorage) GetEventByDelivery(ctx context.Context, source Source, deliveryID string) (*Event, error) {
	e := &Event{}
	err := s.db.QueryRowContext(ctx,
		`SELECT source, delivery_id, event_type, received_at, raw_payload, signature
		 FROM events WHERE source = ? AND delivery_id = ?`, source, deliveryID).Scan(
		&e.Source, &e.DeliveryID, &e.EventType, &e.ReceivedAt, &e.RawPayload, &e.Signature)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateRepo inserts a repo, or updates its secret/token/workers on
// conflict, mirroring the re-onboarding upsert the teacher used for the
// same table.
func (s *SQLiteStorage) CreateRepo(ctx context.Context, repo *Repo) error {
	webhookSecret, err := s.encrypt(repo.WebhookSecret)
	if err != nil {
		return fmt.Errorf("encrypt webhook_secret: %w", err)
	}
	forgeToken, err := s.encrypt(repo.ForgeToken)
	if err != nil {
		return fmt.Errorf("encrypt forge_token: %w", err)
	}
	workers := strings.Join(repo.Workers, ",")
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO repos (id, forge_type, owner, name, clone_url, webhook_secret, forge_token, workers, default_skill, cleanup_mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(clone_url) DO UPDATE SET
		 	webhook_secret = excluded.webhook_secret,
		 	forge_token = excluded.forge_token,
		 	workers = excluded.workers,
		 	default_skill = excluded.default_skill,
		 	cleanup_mode = excluded.cleanup_mode`,
		repo.ID, repo.ForgeType, repo.Owner, repo.Name, repo.CloneURL,
		webhookSecret, forgeToken, workers, repo.DefaultSkill, repo.CleanupMode, repo.CreatedAt)
	return err
}

func (s *SQLiteStorage) scanRepo(row interface {
	Scan(dest ...any) error
}) (*Repo, error) {
	repo := &Repo{}
	var workers string
	err := row.Scan(&repo.ID, &repo.ForgeType, &repo.Owner, &repo.Name, &repo.CloneURL,
		&repo.WebhookSecret, &repo.ForgeToken, &workers, &repo.DefaultSkill, &repo.CleanupMode, &repo.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if workers != "" {
		repo.Workers = strings.Split(workers, ",")
	}
	if repo.WebhookSecret, err = s.decrypt(repo.WebhookSecret); err != nil {
		return nil, fmt.Errorf("decrypt webhook_secret: %w", err)
	}
	if repo.ForgeToken, err = s.decrypt(repo.ForgeToken); err != nil {
		return nil, fmt.Errorf("decrypt forge_token: %w", err)
	}
	return repo, nil
}

const repoColumns = `id, forge_type, owner, name, clone_url, webhook_secret, forge_token, workers, default_skill, cleanup_mode, created_at`

// GetRepo fetches a repo by its id.
func (s *SQLiteStorage) GetRepo(ctx context.Context, id string) (*Repo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repos WHERE id = ?`, id)
	return s.scanRepo(row)
}

// GetRepoByCloneURL fetches a repo by its clone URL, the lookup the
// Webhook Processor performs to resolve a secret.
func (s *SQLiteStorage) GetRepoByCloneURL(ctx context.Context, cloneURL string) (*Repo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repos WHERE clone_url = ?`, cloneURL)
	return s.scanRepo(row)
}

// ListRepos returns all configured repos, most recent first.
func (s *SQLiteStorage) ListRepos(ctx context.Context) ([]*Repo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repos ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*Repo
	for rows.Next() {
		repo, err := s.scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}
