package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/storage"
)

// SQLiteQueue is the default, single-writer embedded JobQueuePort
// backend (spec §9 Open Question #1: "no single authoritative
// implementation"). Schema and migration style mirror
// internal/storage/sqlite.go's CREATE-TABLE-IF-NOT-EXISTS pattern.
type SQLiteQueue struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteQueue opens (creating if absent) the queue database at dsn.
func NewSQLiteQueue(dsn string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "open sqlite queue", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, avoid SQLITE_BUSY
	q := &SQLiteQueue{db: db, log: slog.Default()}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id           TEXT PRIMARY KEY,
			state            TEXT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			worker_id        TEXT,
			lease_expires_at TIMESTAMP,
			payload_blob     BLOB NOT NULL,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
		CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(state, lease_expires_at);

		CREATE TABLE IF NOT EXISTS job_deliveries (
			source      TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			job_id      TEXT NOT NULL,
			PRIMARY KEY (source, delivery_id)
		);
	`)
	if err != nil {
		return errs.Wrap(errs.Internal, false, "migrate sqlite queue", err)
	}
	return nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

// Enqueue inserts job in state queued, enforcing (source, delivery_id)
// uniqueness via job_deliveries inside a single transaction.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job *storage.Job) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.QueueWriteFailed, true, "begin enqueue tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_deliveries (source, delivery_id, job_id) VALUES (?, ?, ?)`,
		string(job.Source), job.DeliveryID, job.JobID,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDelivery
		}
		return errs.Wrap(errs.QueueWriteFailed, true, "insert job_deliveries", err)
	}

	job.State = storage.JobStateQueued
	payload, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.Internal, false, "marshal job payload", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, state, attempts, worker_id, lease_expires_at, payload_blob, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, string(job.State), job.Attempts, nil, nil, payload, job.CreatedAt, job.UpdatedAt,
	); err != nil {
		return errs.Wrap(errs.QueueWriteFailed, true, "insert job", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.QueueWriteFailed, true, "commit enqueue tx", err)
	}
	return nil
}

func (q *SQLiteQueue) ExistsByDelivery(ctx context.Context, source storage.Source, deliveryID string) (string, bool, error) {
	var jobID string
	err := q.db.QueryRowContext(ctx,
		`SELECT job_id FROM job_deliveries WHERE source = ? AND delivery_id = ?`,
		string(source), deliveryID,
	).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.Internal, false, "query job_deliveries", err)
	}
	return jobID, true, nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, workerID string, leaseDuration time.Duration) (*storage.Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "begin dequeue tx", err)
	}
	defer tx.Rollback()

	var jobID string
	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT job_id, payload_blob FROM jobs WHERE state = ? ORDER BY created_at ASC LIMIT 1`,
		string(storage.JobStateQueued),
	).Scan(&jobID, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "select queued job", err)
	}

	var job storage.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, errs.Wrap(errs.Internal, false, "unmarshal job payload", err)
	}

	now := time.Now().UTC()
	leaseExpiry := now.Add(leaseDuration)
	job.State = storage.JobStateProcessing
	job.WorkerID = workerID
	job.LeaseExpiresAt = &leaseExpiry
	job.UpdatedAt = now
	newPayload, err := json.Marshal(&job)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "marshal job payload", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, worker_id = ?, lease_expires_at = ?, payload_blob = ?, updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		string(storage.JobStateProcessing), workerID, leaseExpiry, newPayload, now,
		jobID, string(storage.JobStateQueued),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "update job to processing", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost the race to another dequeuer; caller loop retries.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Internal, false, "commit dequeue tx", err)
	}
	return &job, nil
}

func (q *SQLiteQueue) Heartbeat(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	now := time.Now().UTC()
	leaseExpiry := now.Add(leaseDuration)
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		 WHERE job_id = ? AND worker_id = ? AND state = ?`,
		leaseExpiry, now, jobID, workerID, string(storage.JobStateProcessing),
	)
	if err != nil {
		return errs.Wrap(errs.Internal, false, "heartbeat job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, jobID, workerID string, result *storage.JobResult) error {
	job, err := q.getForUpdate(ctx, jobID)
	if err != nil {
		return err
	}
	if job.WorkerID != workerID || job.State != storage.JobStateProcessing {
		return ErrLeaseNotHeld
	}
	job.State = storage.JobStateDone
	job.Result = result
	job.LeaseExpiresAt = nil
	job.UpdatedAt = time.Now().UTC()
	return q.persist(ctx, job)
}

func (q *SQLiteQueue) Fail(ctx context.Context, jobID, workerID string, jobErr *storage.JobError) error {
	job, err := q.getForUpdate(ctx, jobID)
	if err != nil {
		return err
	}
	if job.WorkerID != workerID || job.State != storage.JobStateProcessing {
		return ErrLeaseNotHeld
	}
	job.Attempts++
	job.Error = jobErr
	job.UpdatedAt = time.Now().UTC()
	if jobErr.Retryable && job.Attempts < DefaultMaxAttempts {
		job.State = storage.JobStateQueued
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
	} else {
		job.State = storage.JobStateFailed
		job.LeaseExpiresAt = nil
	}
	return q.persist(ctx, job)
}

func (q *SQLiteQueue) ReclaimExpired(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	rows, err := q.db.QueryContext(ctx,
		`SELECT job_id, payload_blob FROM jobs WHERE state = ? AND lease_expires_at < ?`,
		string(storage.JobStateProcessing), now,
	)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "query expired leases", err)
	}
	type expired struct {
		id      string
		payload []byte
	}
	var candidates []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.payload); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.Internal, false, "scan expired lease", err)
		}
		candidates = append(candidates, e)
	}
	rows.Close()

	var reclaimed []string
	for _, c := range candidates {
		var job storage.Job
		if err := json.Unmarshal(c.payload, &job); err != nil {
			q.log.Warn("skipping unreadable job payload on reclaim", "job_id", c.id, "error", err)
			continue
		}
		job.State = storage.JobStateQueued
		job.Attempts++
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
		newPayload, err := json.Marshal(&job)
		if err != nil {
			return reclaimed, errs.Wrap(errs.Internal, false, "marshal reclaimed job", err)
		}
		res, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, attempts = ?, worker_id = NULL, lease_expires_at = NULL, payload_blob = ?, updated_at = ?
			 WHERE job_id = ? AND state = ? AND lease_expires_at < ?`,
			string(storage.JobStateQueued), job.Attempts, newPayload, now,
			c.id, string(storage.JobStateProcessing), now,
		)
		if err != nil {
			return reclaimed, errs.Wrap(errs.Internal, false, "update reclaimed job", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reclaimed = append(reclaimed, c.id)
		}
	}
	return reclaimed, nil
}

func (q *SQLiteQueue) Get(ctx context.Context, jobID string) (*storage.Job, error) {
	var payload []byte
	err := q.db.QueryRowContext(ctx, `SELECT payload_blob FROM jobs WHERE job_id = ?`, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "select job", err)
	}
	var job storage.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, errs.Wrap(errs.Internal, false, "unmarshal job payload", err)
	}
	return &job, nil
}

func (q *SQLiteQueue) UpdateWorktree(ctx context.Context, jobID, worktreePath, branchName string) error {
	job, err := q.getForUpdate(ctx, jobID)
	if err != nil {
		return err
	}
	job.WorktreePath = &worktreePath
	job.BranchName = &branchName
	job.UpdatedAt = time.Now().UTC()
	return q.persist(ctx, job)
}

func (q *SQLiteQueue) UpdateSnapshots(ctx context.Context, jobID string, initialRef, finalRef *string) error {
	job, err := q.getForUpdate(ctx, jobID)
	if err != nil {
		return err
	}
	if initialRef != nil {
		job.InitialSnapshotRef = initialRef
	}
	if finalRef != nil {
		job.FinalSnapshotRef = finalRef
	}
	job.UpdatedAt = time.Now().UTC()
	return q.persist(ctx, job)
}

func (q *SQLiteQueue) getForUpdate(ctx context.Context, jobID string) (*storage.Job, error) {
	return q.Get(ctx, jobID)
}

func (q *SQLiteQueue) persist(ctx context.Context, job *storage.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.Internal, false, "marshal job payload", err)
	}
	var workerID any
	if job.WorkerID != "" {
		workerID = job.WorkerID
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, worker_id = ?, lease_expires_at = ?, payload_blob = ?, updated_at = ?
		 WHERE job_id = ?`,
		string(job.State), job.Attempts, workerID, job.LeaseExpiresAt, payload, job.UpdatedAt, job.JobID,
	)
	if err != nil {
		return errs.Wrap(errs.Internal, false, "persist job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "unique constraint")
}
