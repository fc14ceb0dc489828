package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agentforge/autoclaude/internal/adminapi"
	"github.com/agentforge/autoclaude/internal/agent"
	"github.com/agentforge/autoclaude/internal/config"
	"github.com/agentforge/autoclaude/internal/eventbus"
	"github.com/agentforge/autoclaude/internal/forge"
	"github.com/agentforge/autoclaude/internal/ingest"
	"github.com/agentforge/autoclaude/internal/kanban"
	"github.com/agentforge/autoclaude/internal/orchestrator"
	"github.com/agentforge/autoclaude/internal/queue"
	"github.com/agentforge/autoclaude/internal/ratelimit"
	"github.com/agentforge/autoclaude/internal/snapshot"
	"github.com/agentforge/autoclaude/internal/storage"
	"github.com/agentforge/autoclaude/internal/streamhub"
	"github.com/agentforge/autoclaude/internal/transcript"
	"github.com/agentforge/autoclaude/internal/version"
	"github.com/agentforge/autoclaude/internal/worktree"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "autoclaude",
		Short:   "Webhook-driven autonomous agent orchestrator",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serveCmd(),
		jobsCmd(),
		worktreesCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook ingress, worker pool, and stream hub",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", ":8080", "Address to listen on")
	cmd.Flags().String("db", "sqlite", "Storage backend: sqlite or postgres")
	cmd.Flags().String("dsn", "autoclaude.db", "Storage DSN (sqlite file path or postgres connection string)")
	cmd.Flags().String("queue", "sqlite", "Queue backend: sqlite, postgres, or redis")
	cmd.Flags().String("queue-dsn", "", "Queue DSN, when it differs from --dsn (redis address, or a second postgres DSN)")
	cmd.Flags().String("agent-binary", "claude", "Agent CLI binary to spawn for RunAgent")
	cmd.Flags().String("worktree-dir", "", "Base directory for job worktrees (default: autoclaude-worktrees under the working directory)")
	return cmd
}

// runServe wires every package this system is built from into one
// running process: ingest.Processor behind /webhooks/{github,trello},
// orchestrator.Pool draining queue.JobQueuePort, eventbus.Bus carrying
// Domain Events to both kanban.Projection and streamhub.Hub, and
// adminapi.Handler for operator retries — grounded on the teacher's
// runServer (env-overridable flags, secret-derived storage encryption,
// signal.NotifyContext graceful shutdown).
func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dbKind, _ := cmd.Flags().GetString("db")
	dsn, _ := cmd.Flags().GetString("dsn")
	queueKind, _ := cmd.Flags().GetString("queue")
	queueDSN, _ := cmd.Flags().GetString("queue-dsn")
	agentBinary, _ := cmd.Flags().GetString("agent-binary")
	worktreeDir, _ := cmd.Flags().GetString("worktree-dir")

	if v := os.Getenv("AUTOCLAUDE_ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("AUTOCLAUDE_DSN"); v != "" {
		dsn = v
	}

	log := slog.Default()

	proc, err := config.LoadProcessConfig(os.Getenv)
	if err != nil {
		return fmt.Errorf("load process config: %w", err)
	}

	encryptionSecret := os.Getenv("AUTOCLAUDE_ENCRYPTION_SECRET")
	if encryptionSecret == "" {
		log.Warn("AUTOCLAUDE_ENCRYPTION_SECRET is unset; repo secrets will be stored as plaintext")
	}

	store, err := openStore(dbKind, dsn, encryptionSecret)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if queueDSN == "" {
		queueDSN = dsn
	}
	jobQueue, err := openQueue(queueKind, queueDSN)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer jobQueue.Close()

	bus := eventbus.New(log)

	var forges []forge.Forge
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		forges = append(forges, forge.NewGitHub(token))
	}
	var trelloForge forge.Forge
	if apiKey, token := os.Getenv("TRELLO_API_KEY"), os.Getenv("TRELLO_TOKEN"); apiKey != "" && token != "" {
		trelloForge = forge.NewTrello(apiKey, token, os.Getenv("AUTOCLAUDE_BASE_URL"))
		forges = append(forges, trelloForge)
	}
	if len(forges) == 0 {
		log.Warn("no forge credentials configured; all webhook deliveries will be rejected as unauthorized")
	}

	processor := ingest.New(store, jobQueue, forges, proc.WebhookSecrets, bus, log)

	if worktreeDir == "" {
		worktreeDir = "autoclaude-worktrees"
	}
	wt := worktree.New(worktreeDir, log)
	snap := snapshot.New()
	ag := agent.New(agentBinary)
	orch := orchestrator.New(wt, snap, orchestrator.AdapterFunc{Inner: ag}, bus, log)
	pool := orchestrator.NewPool(jobQueue, orch, store, *proc, log)

	limiter := ratelimit.New(1, 5)
	var kanbanPort kanban.KanbanPort
	if boardID := proc.KanbanBoardID; boardID != "" {
		if apiKey, token := os.Getenv("TRELLO_API_KEY"), os.Getenv("TRELLO_TOKEN"); apiKey != "" && token != "" {
			kanbanPort = kanban.NewTrelloBoard(apiKey, token, boardID, proc.KanbanListIDs, limiter)
		}
	}
	lists := kanban.ListIDs{
		Todo:       proc.KanbanListIDs["todo"],
		InProgress: proc.KanbanListIDs["in_progress"],
		Review:     proc.KanbanListIDs["review"],
		Done:       proc.KanbanListIDs["done"],
		Blocked:    proc.KanbanListIDs["blocked"],
	}
	var commentAdapter kanban.CommentAdapter
	if len(forges) > 0 && forges[0] != trelloForge {
		commentAdapter = kanban.ForgeCommentAdapter{Forge: forges[0]}
	}
	var projection *kanban.Projection
	if kanbanPort != nil {
		projection = kanban.New(kanbanPort, commentAdapter, bus, lists, log)
	} else {
		log.Warn("no kanban board configured; job lifecycle will not be projected to a board")
	}

	hub := streamhub.New(bus, log)
	if archive := openTranscriptArchive(log); archive != nil {
		hub.SetArchive(archive)
		defer archive.Close()
	}
	admin := adminapi.New(jobQueue, os.Getenv("AUTOCLAUDE_ADMIN_JWT_SECRET"))

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", webhookHandler(processor, projection, jobQueue, log))
	mux.HandleFunc("/webhooks/trello", webhookHandler(processor, projection, jobQueue, log))
	mux.Handle("/stream/jobs/", hub)
	mux.Handle("/api/jobs/", admin)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		pool.Stop()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
		pool.Stop()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}
	return nil
}

// webhookHandler adapts ingest.Processor.Process to an http.HandlerFunc
// and, on a fresh enqueue, starts the Kanban Projection's tracking of
// that job_id (spec §4.8) using the job record the processor just wrote.
func webhookHandler(p *ingest.Processor, projection *kanban.Projection, q queue.JobQueuePort, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := p.Process(r.Context(), r)
		if result.Err != nil {
			http.Error(w, result.Err.Message, ingest.StatusFor(result.Err))
			return
		}

		if projection != nil && result.JobID != "" {
			if job, err := q.Get(r.Context(), result.JobID); err == nil {
				title := fmt.Sprintf("%s: %s", job.Repository, job.Skill)
				projection.Track(context.Background(), job.JobID, job.Repository, job.IssueNumber, title, "")
			} else {
				log.Warn("could not load job for kanban tracking", "job_id", result.JobID, "error", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(fmt.Sprintf(`{"job_id":%q}`, result.JobID)))
	}
}

// openTranscriptArchive builds the optional R2-backed transcript archive
// (SPEC_FULL.md §11) when AUTOCLAUDE_R2_* credentials are configured,
// returning nil otherwise so the Stream Hub simply keeps relying on its
// in-memory ring buffer.
func openTranscriptArchive(log *slog.Logger) *transcript.R2Archive {
	cfg := transcript.Config{
		AccountID:       os.Getenv("AUTOCLAUDE_R2_ACCOUNT_ID"),
		AccessKeyID:     os.Getenv("AUTOCLAUDE_R2_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AUTOCLAUDE_R2_SECRET_ACCESS_KEY"),
		Bucket:          os.Getenv("AUTOCLAUDE_R2_BUCKET"),
	}
	if cfg.AccountID == "" || cfg.Bucket == "" {
		return nil
	}
	archive, err := transcript.New(cfg, log)
	if err != nil {
		log.Warn("transcript archive disabled: failed to initialize", "error", err)
		return nil
	}
	log.Info("transcript archive enabled", "bucket", cfg.Bucket)
	return archive
}

func openStore(kind, dsn, encryptionSecret string) (storage.Store, error) {
	switch kind {
	case "postgres":
		return storage.NewPostgres(dsn, encryptionSecret)
	case "sqlite", "":
		return storage.NewSQLite(dsn, encryptionSecret)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

func openQueue(kind, dsn string) (queue.JobQueuePort, error) {
	switch kind {
	case "postgres":
		return queue.NewPostgresQueue(dsn)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: dsn})
		return queue.NewRedisQueue(client), nil
	case "sqlite", "":
		return queue.NewSQLiteQueue(dsn)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", kind)
	}
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List or inspect jobs",
	}
	cmd.AddCommand(jobsListCmd(), jobsShowCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repositories configured in storage",
		Long: `List repos configured in storage, one per line.

Job listing itself is not exposed here: JobQueuePort (spec §4.2) is a
lease-based dequeue/heartbeat/reclaim primitive with a Get-by-id lookup,
not a query surface, and this CLI is backed directly by that same port
rather than a remote HTTP API — see "jobs show <id>" for a single job.`,
		RunE: runJobsList,
	}
	cmd.Flags().String("db", "sqlite", "Storage backend: sqlite or postgres")
	cmd.Flags().String("dsn", "autoclaude.db", "Storage DSN")
	return cmd
}

func runJobsList(cmd *cobra.Command, args []string) error {
	dbKind, _ := cmd.Flags().GetString("db")
	dsn, _ := cmd.Flags().GetString("dsn")
	store, err := openStore(dbKind, dsn, os.Getenv("AUTOCLAUDE_ENCRYPTION_SECRET"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	repos, err := store.ListRepos(cmd.Context())
	if err != nil {
		return fmt.Errorf("list repos: %w", err)
	}
	if len(repos) == 0 {
		fmt.Println("no repos configured")
		return nil
	}
	for _, r := range repos {
		fmt.Printf("%s  (%s, default_skill=%s)\n", r.FullName(), r.ForgeType, r.DefaultSkill)
	}
	return nil
}

func jobsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job's current state",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsShow,
	}
	cmd.Flags().String("queue", "sqlite", "Queue backend: sqlite, postgres, or redis")
	cmd.Flags().String("queue-dsn", "autoclaude.db", "Queue DSN")
	return cmd
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	queueKind, _ := cmd.Flags().GetString("queue")
	queueDSN, _ := cmd.Flags().GetString("queue-dsn")
	q, err := openQueue(queueKind, queueDSN)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	job, err := q.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	fmt.Printf("job_id:     %s\n", job.JobID)
	fmt.Printf("repository: %s\n", job.Repository)
	fmt.Printf("skill:      %s\n", job.Skill)
	fmt.Printf("state:      %s (attempts=%d)\n", job.State, job.Attempts)
	if job.WorktreePath != nil {
		fmt.Printf("worktree:   %s\n", *job.WorktreePath)
	}
	if job.Error != nil {
		fmt.Printf("error:      %s: %s\n", job.Error.Kind, job.Error.Message)
	}
	return nil
}

func worktreesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "Inspect job worktrees",
	}
	cmd.AddCommand(worktreesListCmd())
	return cmd
}

func worktreesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worktree directories under --dir",
		RunE:  runWorktreesList,
	}
	cmd.Flags().String("dir", "autoclaude-worktrees", "Base worktree directory")
	return cmd
}

func runWorktreesList(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no worktrees directory yet")
			return nil
		}
		return fmt.Errorf("read worktree dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fmt.Println(strings.TrimSuffix(e.Name(), "/"))
	}
	return nil
}
