package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trellis-signer/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPollTimeout = 2 * time.Second
	defaultRetention   = 7 * 24 * time.Hour
	pollErrorBackoff   = 500 * time.Millisecond
)

// RedisQueue stores jobs in Redis. Pending ids are moved atomically onto a
// processing list while they run; each job's state lives in its own hash.
type RedisQueue struct {
	registry

	client      redis.UniversalClient
	prefix      string
	concurrency int
	pollTimeout time.Duration
	retention   time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

type RedisQueueConfig struct {
	// Name prefixes the queue's keys, e.g. "<service>:<token id>".
	Name        string
	Concurrency int
	PollTimeout time.Duration
	Retention   time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RedisQueue{
		client:      client,
		prefix:      cfg.Name,
		concurrency: cfg.Concurrency,
		pollTimeout: cfg.PollTimeout,
		retention:   cfg.Retention,
		logger:      cfg.Logger.With("queue", cfg.Name),
		now:         cfg.Now,
	}, nil
}

func (q *RedisQueue) pendingKey() string    { return q.prefix + ":pending" }
func (q *RedisQueue) processingKey() string { return q.prefix + ":processing" }
func (q *RedisQueue) jobKey(id string) string {
	return q.prefix + ":job:" + id
}

func (q *RedisQueue) On(kind string, timeout time.Duration, fn domain.JobHandler) error {
	return q.on(kind, timeout, fn)
}

// Start checks that Redis is reachable and begins polling. Jobs already
// running when Stop is called are allowed to finish.
func (q *RedisQueue) Start(ctx context.Context) error {
	if q.empty() {
		return errors.New("no job handlers registered")
	}
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}
	if q.stopped {
		return domain.ErrQueueStopped
	}
	base := context.WithoutCancel(ctx)
	pollCtx, cancel := context.WithCancel(base)
	q.cancel = cancel
	q.wg.Add(1)
	go q.poll(pollCtx, base)
	return nil
}

func (q *RedisQueue) poll(ctx, jobCtx context.Context) {
	defer q.wg.Done()
	sem := make(chan struct{}, q.concurrency)
	for {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			return
		}
		id, err := q.client.BRPopLPush(ctx, q.pendingKey(), q.processingKey(), q.pollTimeout).Result()
		if err != nil {
			<-sem
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("job poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-sem }()
			q.process(jobCtx, id)
		}()
	}
}

func (q *RedisQueue) process(ctx context.Context, id string) {
	defer func() {
		if err := q.client.LRem(ctx, q.processingKey(), 1, id).Err(); err != nil {
			q.logger.Warn("could not release job", "job_id", id, "error", err)
		}
	}()
	job, err := q.load(ctx, id)
	if err != nil {
		q.logger.Warn("dropping undeliverable job", "job_id", id, "error", err)
		return
	}
	if err := q.update(ctx, id, map[string]any{"state": string(domain.JobRunning)}); err != nil {
		q.logger.Warn("could not mark job running", "job_id", id, "error", err)
	}
	result, runErr := q.dispatch(ctx, job)
	fields := map[string]any{}
	if runErr != nil {
		q.logger.Warn("job failed", "job_id", id, "kind", job.Kind, "error", runErr)
		fields["state"] = string(domain.JobError)
		fields["error"] = runErr.Error()
	} else {
		raw, _ := json.Marshal(result)
		fields["state"] = string(domain.JobSuccess)
		fields["result"] = string(raw)
	}
	if err := q.update(ctx, id, fields); err != nil {
		q.logger.Warn("could not record job result", "job_id", id, "error", err)
		return
	}
	if err := q.client.Expire(ctx, q.jobKey(id), q.retention).Err(); err != nil {
		q.logger.Warn("could not set job retention", "job_id", id, "error", err)
	}
}

func (q *RedisQueue) load(ctx context.Context, id string) (domain.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, err
	}
	if len(fields) == 0 {
		return domain.Job{}, domain.ErrJobNotFound
	}
	job := domain.Job{ID: id, Kind: fields["kind"]}
	if cfg := fields["config"]; cfg != "" {
		job.Config = json.RawMessage(cfg)
	}
	return job, nil
}

func (q *RedisQueue) update(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = q.now().UTC().Format(time.RFC3339Nano)
	return q.client.HSet(ctx, q.jobKey(id), fields).Err()
}

func (q *RedisQueue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.stopped = true
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *RedisQueue) Submit(ctx context.Context, job domain.Job) (string, error) {
	if err := validateJob(job); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = newJobID()
	}
	config := ""
	if len(job.Config) > 0 {
		config = string(job.Config)
	}
	key := q.jobKey(job.ID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// A resubmitted id starts over.
		pipe.HDel(ctx, key, "error", "result")
		pipe.Persist(ctx, key)
		pipe.HSet(ctx, key, map[string]any{
			"kind":       job.Kind,
			"config":     config,
			"state":      string(domain.JobQueued),
			"updated_at": q.now().UTC().Format(time.RFC3339Nano),
		})
		pipe.LPush(ctx, q.pendingKey(), job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

func (q *RedisQueue) Status(ctx context.Context, id string) (domain.JobStatus, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return domain.JobStatus{}, err
	}
	if len(fields) == 0 {
		return domain.JobStatus{}, domain.ErrJobNotFound
	}
	status := domain.JobStatus{
		ID:    id,
		Kind:  fields["kind"],
		State: domain.JobState(fields["state"]),
		Error: fields["error"],
	}
	if raw := fields["result"]; raw != "" {
		var result domain.JobResult
		if err := json.Unmarshal([]byte(raw), &result); err == nil {
			status.Result = &result
		}
	}
	if ts := fields["updated_at"]; ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			status.UpdatedAt = parsed
		}
	}
	return status, nil
}
