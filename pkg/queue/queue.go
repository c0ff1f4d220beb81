package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "tilawa-gateway/pkg/errors"
	"tilawa-gateway/pkg/metrics"
)

// Handler processes one job. Returning nil acks the job; returning an error
// fails the attempt. 队列保证 at-least-once，Handler 必须幂等。
type Handler func(ctx context.Context, job *Job) error

type Config struct {
	Name         string
	Concurrency  int
	MaxAttempts  int
	Backoff      time.Duration
	ClaimTTL     time.Duration
	PollInterval time.Duration
	Retention    Retention
}

// Queue is a Redis-backed FIFO queue with delayed retries and a dead-letter
// set. At most one claim per job id is in flight at any time.
type Queue struct {
	cfg      Config
	rdb      redis.UniversalClient
	log      *zap.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func New(rdb redis.UniversalClient, cfg Config, log *zap.Logger) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		cfg:      cfg,
		rdb:      rdb,
		log:      log,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}
}

func (q *Queue) key(parts ...string) string {
	k := "queue:" + q.cfg.Name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Register binds a handler to a job type. Must be called before Run.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Enqueue persists the job and pushes it onto the waiting list.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts *EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		State:       StateWaiting,
		MaxAttempts: q.cfg.MaxAttempts,
		BackoffMs:   q.cfg.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UTC(),
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			job.MaxAttempts = opts.MaxAttempts
		}
		if opts.InitialBackoff > 0 {
			job.BackoffMs = opts.InitialBackoff.Milliseconds()
		}
	}
	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, q.key("waiting"), job.ID).Err(); err != nil {
		return "", fmt.Errorf("push waiting: %w", err)
	}
	metrics.JobsEnqueued.WithLabelValues(jobType).Inc()
	return job.ID, nil
}

// GetJob loads a job by id, including attempt count and last error.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.Get(ctx, q.key("job", id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFoundf("job %s not found", id)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// ListDead returns recent dead-lettered jobs, newest first.
func (q *Queue) ListDead(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.rdb.ZRevRange(ctx, q.key("dead"), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Run starts the worker pool plus a janitor that promotes due delayed jobs.
// Blocks until Shutdown or ctx cancellation.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	go q.janitor(ctx)
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, i)
	}
	q.wg.Wait()
}

func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *Queue) workerLoop(ctx context.Context, slot int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		id, err := q.rdb.RPop(ctx, q.key("waiting")).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.log.Warn("queue pop failed", zap.Error(err))
			}
			q.sleep(ctx, q.cfg.PollInterval)
			continue
		}
		q.dispatch(ctx, id, slot)
	}
}

// dispatch claims the job and runs its handler. 同一 job id 的重复投递
// 通过 claim 锁串行化：抢不到锁就放回队尾。
func (q *Queue) dispatch(ctx context.Context, id string, slot int) {
	claimed, err := q.rdb.SetNX(ctx, q.key("claim", id), strconv.Itoa(slot), q.cfg.ClaimTTL).Result()
	if err != nil {
		q.log.Warn("claim failed", zap.String("job_id", id), zap.Error(err))
		_ = q.rdb.LPush(ctx, q.key("waiting"), id).Err()
		return
	}
	if !claimed {
		// already in flight on another slot
		_ = q.rdb.LPush(ctx, q.key("waiting"), id).Err()
		q.sleep(ctx, q.cfg.PollInterval)
		return
	}
	defer q.rdb.Del(ctx, q.key("claim", id))

	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.log.Warn("claimed unknown job", zap.String("job_id", id), zap.Error(err))
		return
	}
	q.mu.RLock()
	h := q.handlers[job.Type]
	q.mu.RUnlock()
	if h == nil {
		q.log.Error("no handler for job type", zap.String("type", job.Type), zap.String("job_id", id))
		q.deadLetter(ctx, job, "no handler registered")
		return
	}

	job.State = StateActive
	job.Attempts++
	if err := q.saveJob(ctx, job); err != nil {
		q.log.Warn("persist active state failed", zap.String("job_id", id), zap.Error(err))
	}

	if err := h(ctx, job); err != nil {
		q.failAttempt(ctx, job, err)
		return
	}
	q.ack(ctx, job)
}

func (q *Queue) ack(ctx context.Context, job *Job) {
	job.State = StateCompleted
	job.LastError = ""
	job.FinishedAt = time.Now().UTC()
	if err := q.saveJob(ctx, job); err != nil {
		q.log.Warn("persist completed job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = q.rdb.ZAdd(ctx, q.key("completed"), redis.Z{
		Score:  float64(job.FinishedAt.Unix()),
		Member: job.ID,
	}).Err()
	metrics.JobsCompleted.WithLabelValues(job.Type).Inc()
}

func (q *Queue) failAttempt(ctx context.Context, job *Job, cause error) {
	job.LastError = cause.Error()
	retryable := apperrors.Retryable(cause)
	if !retryable || job.Attempts >= job.MaxAttempts {
		q.deadLetter(ctx, job, cause.Error())
		metrics.JobsFailed.WithLabelValues(job.Type, "true").Inc()
		return
	}
	job.State = StateDelayed
	if err := q.saveJob(ctx, job); err != nil {
		q.log.Warn("persist delayed job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	readyAt := time.Now().Add(job.backoffDelay())
	_ = q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: job.ID,
	}).Err()
	metrics.JobsFailed.WithLabelValues(job.Type, "false").Inc()
	metrics.JobsRetried.WithLabelValues(job.Type).Inc()
	q.log.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Time("ready_at", readyAt),
		zap.String("error", cause.Error()))
}

func (q *Queue) deadLetter(ctx context.Context, job *Job, reason string) {
	job.State = StateDead
	job.LastError = reason
	job.FinishedAt = time.Now().UTC()
	if err := q.saveJob(ctx, job); err != nil {
		q.log.Warn("persist dead job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = q.rdb.ZAdd(ctx, q.key("dead"), redis.Z{
		Score:  float64(job.FinishedAt.Unix()),
		Member: job.ID,
	}).Err()
	q.log.Error("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("reason", reason))
}

// janitor promotes due delayed jobs back onto the waiting list.
func (q *Queue) janitor(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) {
	now := time.Now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil || removed == 0 {
			continue // 其他实例已提升
		}
		if job, err := q.GetJob(ctx, id); err == nil {
			job.State = StateWaiting
			_ = q.saveJob(ctx, job)
		}
		// 重试任务排在后到任务之后，FIFO 只对 waiting 保序
		_ = q.rdb.LPush(ctx, q.key("waiting"), id).Err()
	}
}

// Prune drops completed jobs past TTL or count cap and dead jobs past the
// failed TTL. Best effort: errors are logged, never propagated.
func (q *Queue) Prune(ctx context.Context) {
	r := q.cfg.Retention
	now := time.Now()
	if r.CompletedTTL > 0 {
		cutoff := strconv.FormatInt(now.Add(-r.CompletedTTL).Unix(), 10)
		q.removeRange(ctx, q.key("completed"), "-inf", cutoff)
	}
	if r.CompletedMax > 0 {
		ids, err := q.rdb.ZRange(ctx, q.key("completed"), 0, -(r.CompletedMax + 1)).Result()
		if err == nil && len(ids) > 0 {
			for _, id := range ids {
				_ = q.rdb.Del(ctx, q.key("job", id)).Err()
			}
			_ = q.rdb.ZRem(ctx, q.key("completed"), toMembers(ids)...).Err()
		}
	}
	if r.FailedTTL > 0 {
		cutoff := strconv.FormatInt(now.Add(-r.FailedTTL).Unix(), 10)
		q.removeRange(ctx, q.key("dead"), "-inf", cutoff)
	}
}

func (q *Queue) removeRange(ctx context.Context, key, min, max string) {
	ids, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		_ = q.rdb.Del(ctx, q.key("job", id)).Err()
	}
	if err := q.rdb.ZRemRangeByScore(ctx, key, min, max).Err(); err != nil {
		q.log.Warn("prune failed", zap.String("key", key), zap.Error(err))
	}
}

// Depth returns the number of waiting jobs, for health reporting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key("waiting")).Result()
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.rdb.Set(ctx, q.key("job", job.ID), data, 0).Err()
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-q.stop:
	case <-ctx.Done():
	}
}

func toMembers(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
