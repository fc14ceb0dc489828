package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentforge/autoclaude/internal/errs"
	"github.com/agentforge/autoclaude/internal/storage"
)

// RedisQueue implements JobQueuePort on a shared Redis instance, the
// third operator-selectable backend (spec §9 Open Question #1). A
// pending list holds queued job_ids; a sorted set keyed by lease
// expiry tracks in-flight jobs so ReclaimExpired can find them without
// scanning every key.
type RedisQueue struct {
	client *redis.Client
	log    *slog.Logger
}

const (
	redisKeyPending     = "autoclaude:queue:pending"
	redisKeyProcessing  = "autoclaude:queue:processing" // sorted set, score = lease unix seconds
	redisJobPrefix      = "autoclaude:job:"
	redisDeliveryPrefix = "autoclaude:delivery:"
)

// NewRedisQueue wraps an existing go-redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, log: slog.Default()}
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func jobKey(jobID string) string { return redisJobPrefix + jobID }

func deliveryKey(source storage.Source, deliveryID string) string {
	return redisDeliveryPrefix + string(source) + ":" + deliveryID
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *storage.Job) error {
	dk := deliveryKey(job.Source, job.DeliveryID)
	ok, err := q.client.SetNX(ctx, dk, job.JobID, 0).Result()
	if err != nil {
		return errs.Wrap(errs.QueueWriteFailed, true, "reserve delivery key", err)
	}
	if !ok {
		return ErrDuplicateDelivery
	}

	job.State = storage.JobStateQueued
	payload, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.Internal, false, "marshal job payload", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.JobID), payload, 0)
	pipe.RPush(ctx, redisKeyPending, job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.QueueWriteFailed, true, "enqueue job", err)
	}
	return nil
}

func (q *RedisQueue) ExistsByDelivery(ctx context.Context, source storage.Source, deliveryID string) (string, bool, error) {
	jobID, err := q.client.Get(ctx, deliveryKey(source, deliveryID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.Internal, false, "query delivery key", err)
	}
	return jobID, true, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string, leaseDuration time.Duration) (*storage.Job, error) {
	jobID, err := q.client.LPop(ctx, redisKeyPending).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "pop pending job", err)
	}

	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	leaseExpiry := now.Add(leaseDuration)
	job.State = storage.JobStateProcessing
	job.WorkerID = workerID
	job.LeaseExpiresAt = &leaseExpiry
	job.UpdatedAt = now

	if err := q.persist(ctx, job); err != nil {
		return nil, err
	}
	if err := q.client.ZAdd(ctx, redisKeyProcessing, redis.Z{
		Score: float64(leaseExpiry.Unix()), Member: job.JobID,
	}).Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, false, "track lease", err)
	}
	return job, nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.WorkerID != workerID || job.State != storage.JobStateProcessing {
		return ErrLeaseNotHeld
	}
	now := time.Now().UTC()
	leaseExpiry := now.Add(leaseDuration)
	job.LeaseExpiresAt = &leaseExpiry
	job.UpdatedAt = now
	if err := q.persist(ctx, job); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, redisKeyProcessing, redis.Z{
		Score: float64(leaseExpiry.Unix()), Member: jobID,
	}).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, jobID, workerID string, result *storage.JobResult) error {
	job, err := q.Get(ctx, jobID)
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
	if err := q.persist(ctx, job); err != nil {
		return err
	}
	return q.client.ZRem(ctx, redisKeyProcessing, jobID).Err()
}

func (q *RedisQueue) Fail(ctx context.Context, jobID, workerID string, jobErr *storage.JobError) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.WorkerID != workerID || job.State != storage.JobStateProcessing {
		return ErrLeaseNotHeld
	}
	job.Attempts++
	job.Error = jobErr
	job.UpdatedAt = time.Now().UTC()
	requeue := jobErr.Retryable && job.Attempts < DefaultMaxAttempts
	if requeue {
		job.State = storage.JobStateQueued
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
	} else {
		job.State = storage.JobStateFailed
		job.LeaseExpiresAt = nil
	}
	if err := q.persist(ctx, job); err != nil {
		return err
	}
	if err := q.client.ZRem(ctx, redisKeyProcessing, jobID).Err(); err != nil {
		return errs.Wrap(errs.Internal, false, "untrack lease", err)
	}
	if requeue {
		return q.client.RPush(ctx, redisKeyPending, jobID).Err()
	}
	return nil
}

func (q *RedisQueue) ReclaimExpired(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	ids, err := q.client.ZRangeByScore(ctx, redisKeyProcessing, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "scan expired leases", err)
	}

	var reclaimed []string
	for _, jobID := range ids {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			if err == ErrNotFound {
				q.client.ZRem(ctx, redisKeyProcessing, jobID)
				continue
			}
			return reclaimed, err
		}
		if job.State != storage.JobStateProcessing {
			q.client.ZRem(ctx, redisKeyProcessing, jobID)
			continue
		}
		job.State = storage.JobStateQueued
		job.Attempts++
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
		if err := q.persist(ctx, job); err != nil {
			return reclaimed, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, redisKeyProcessing, jobID)
		pipe.RPush(ctx, redisKeyPending, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, errs.Wrap(errs.Internal, false, "requeue reclaimed job", err)
		}
		reclaimed = append(reclaimed, jobID)
	}
	return reclaimed, nil
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*storage.Job, error) {
	payload, err := q.client.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, false, "get job", err)
	}
	var job storage.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, errs.Wrap(errs.Internal, false, "unmarshal job payload", err)
	}
	return &job, nil
}

func (q *RedisQueue) UpdateWorktree(ctx context.Context, jobID, worktreePath, branchName string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.WorktreePath = &worktreePath
	job.BranchName = &branchName
	job.UpdatedAt = time.Now().UTC()
	return q.persist(ctx, job)
}

func (q *RedisQueue) UpdateSnapshots(ctx context.Context, jobID string, initialRef, finalRef *string) error {
	job, err := q.Get(ctx, jobID)
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

func (q *RedisQueue) persist(ctx context.Context, job *storage.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.Internal, false, "marshal job payload", err)
	}
	if err := q.client.Set(ctx, jobKey(job.JobID), payload, 0).Err(); err != nil {
		return errs.Wrap(errs.Internal, false, "persist job", err)
	}
	return nil
}
