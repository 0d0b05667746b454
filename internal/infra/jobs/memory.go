package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trellis-signer/internal/domain"
)

const defaultMemoryCapacity = 1024

// MemoryQueue is an in-process queue for development and tests. Jobs do not
// survive a restart.
type MemoryQueue struct {
	registry

	concurrency int
	logger      *slog.Logger
	now         func() time.Time

	pending chan domain.Job

	mu       sync.Mutex
	statuses map[string]domain.JobStatus
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

type MemoryQueueConfig struct {
	Concurrency int
	Capacity    int
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewMemoryQueue(cfg MemoryQueueConfig) *MemoryQueue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultMemoryCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryQueue{
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		now:         cfg.Now,
		pending:     make(chan domain.Job, cfg.Capacity),
		statuses:    make(map[string]domain.JobStatus),
	}
}

func (q *MemoryQueue) On(kind string, timeout time.Duration, fn domain.JobHandler) error {
	return q.on(kind, timeout, fn)
}

func (q *MemoryQueue) Start(ctx context.Context) error {
	if q.empty() {
		return errors.New("no job handlers registered")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}
	if q.stopped {
		return domain.ErrQueueStopped
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.loop(runCtx)
	}
	return nil
}

func (q *MemoryQueue) loop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.pending:
			q.process(ctx, job)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, job domain.Job) {
	q.setStatus(job, domain.JobRunning, nil, "")
	result, err := q.dispatch(ctx, job)
	if err != nil {
		q.logger.Warn("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		q.setStatus(job, domain.JobError, nil, err.Error())
		return
	}
	q.setStatus(job, domain.JobSuccess, &result, "")
}

// Stop halts dispatch and waits for in-flight jobs to finish.
func (q *MemoryQueue) Stop() {
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

func (q *MemoryQueue) Submit(ctx context.Context, job domain.Job) (string, error) {
	if err := validateJob(job); err != nil {
		return "", err
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", domain.ErrQueueStopped
	}
	q.mu.Unlock()
	if job.ID == "" {
		job.ID = newJobID()
	}
	q.setStatus(job, domain.JobQueued, nil, "")
	select {
	case q.pending <- job:
		return job.ID, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.statuses, job.ID)
		q.mu.Unlock()
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Status(_ context.Context, id string) (domain.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	status, ok := q.statuses[id]
	if !ok {
		return domain.JobStatus{}, domain.ErrJobNotFound
	}
	return status, nil
}

func (q *MemoryQueue) setStatus(job domain.Job, state domain.JobState, result *domain.JobResult, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[job.ID] = domain.JobStatus{
		ID:        job.ID,
		Kind:      job.Kind,
		State:     state,
		Result:    result,
		Error:     errMsg,
		UpdatedAt: q.now().UTC(),
	}
}
