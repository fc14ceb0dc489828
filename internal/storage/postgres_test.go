package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestPostgresStorage exercises PostgresStorage against a real database.
// It is skipped unless TEST_DATABASE_URL is set, matching the teacher's
// convention for tests that need infrastructure the CI sandbox may lack.
func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres tests")
	}

	store, err := NewPostgres(dsn, "test-encryption-secret-32chars!")
	if err != nil {
		t.Fatalf("failed to create postgres storage: %v", err)
	}
	defer store.Close()

	cleanupPostgres(t, store)

	t.Run("Repos", func(t *testing.T) {
		testPostgresRepos(t, store)
	})
	t.Run("Events", func(t *testing.T) {
		testPostgresEvents(t, store)
	})
}

func cleanupPostgres(t *testing.T, store *PostgresStorage) {
	t.Helper()
	for _, table := range []string{"events", "repos"} {
		if _, err := store.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("cleanup %s failed: %v", table, err)
		}
	}
}

func testPostgresRepos(t *testing.T, store *PostgresStorage) {
	ctx := context.Background()
	repo := &Repo{
		ID:            "pg_repo1",
		ForgeType:     SourceGitHub,
		Owner:         "agentforge",
		Name:          "demo",
		CloneURL:      "https://github.com/agentforge/pgdemo.git",
		WebhookSecret: "s3cret",
		Workers:       []string{"linux"},
		CreatedAt:     time.Now(),
	}
	if err := store.CreateRepo(ctx, repo); err != nil {
		t.Fatalf("CreateRepo failed: %v", err)
	}
	got, err := store.GetRepoByCloneURL(ctx, repo.CloneURL)
	if err != nil {
		t.Fatalf("GetRepoByCloneURL failed: %v", err)
	}
	if got.WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %q, want s3cret", got.WebhookSecret)
	}
}

func testPostgresEvents(t *testing.T, store *PostgresStorage) {
	ctx := context.Background()
	event := &Event{
		Source:     SourceGitHub,
		EventType:  "issue_comment",
		DeliveryID: "pg-dlv-1",
		ReceivedAt: time.Now(),
		RawPayload: []byte(`{}`),
	}
	if err := store.CreateEvent(ctx, event); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if _, err := store.GetEventByDelivery(ctx, SourceGitHub, "pg-dlv-1"); err != nil {
		t.Fatalf("GetEventByDelivery failed: %v", err)
	}
}
