// Package temporalq runs jobs as Temporal workflows. Each queue owns one task
// queue; a job is a JobWorkflow execution whose single activity is the
// handler registered for the job's kind.
package temporalq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trellis-signer/internal/domain"

	"github.com/google/uuid"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

const (
	JobWorkflowName = "trellis-signer.job"

	memoKind = "kind"

	defaultMaxAttempts = 1
)

// ActivityName is the activity a job of kind runs as.
func ActivityName(kind string) string {
	return "trellis-signer.job." + kind
}

type Config struct {
	TaskQueue   string
	Concurrency int
	// MaxAttempts bounds re-delivery of a failed job. 1 disables retries.
	MaxAttempts int32
	Logger      *slog.Logger
}

type registration struct {
	timeout time.Duration
	fn      domain.JobHandler
}

type Queue struct {
	client      client.Client
	taskQueue   string
	concurrency int
	maxAttempts int32
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]registration
	worker   worker.Worker
	stopped  bool
}

func New(c client.Client, cfg Config) (*Queue, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if cfg.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		client:      c,
		taskQueue:   cfg.TaskQueue,
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger.With("task_queue", cfg.TaskQueue),
		handlers:    make(map[string]registration),
	}, nil
}

// On must be called before Start; the workflow reads the registered
// timeouts, so they may not change while the worker runs.
func (q *Queue) On(kind string, timeout time.Duration, fn domain.JobHandler) error {
	if kind == "" {
		return errors.New("job kind is required")
	}
	if timeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	if fn == nil {
		return errors.New("job handler is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.worker != nil {
		return errors.New("queue already started")
	}
	if q.handlers == nil {
		q.handlers = make(map[string]registration)
	}
	q.handlers[kind] = registration{timeout: timeout, fn: fn}
	return nil
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return domain.ErrQueueStopped
	}
	if q.worker != nil {
		return errors.New("queue already started")
	}
	if len(q.handlers) == 0 {
		return errors.New("no job handlers registered")
	}
	if _, err := q.client.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return fmt.Errorf("temporal health check: %w", err)
	}
	w := worker.New(q.client, q.taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: q.concurrency,
	})
	q.register(w)
	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	q.worker = w
	q.logger.Info("temporal worker listening", "kinds", len(q.handlers))
	return nil
}

type registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

func (q *Queue) register(r registrar) {
	r.RegisterWorkflowWithOptions(q.JobWorkflow, workflow.RegisterOptions{Name: JobWorkflowName})
	for kind := range q.handlers {
		r.RegisterActivityWithOptions(q.activity(kind), activity.RegisterOptions{Name: ActivityName(kind)})
	}
}

func (q *Queue) Stop() {
	q.mu.Lock()
	w := q.worker
	q.worker = nil
	q.stopped = true
	q.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// JobWorkflow runs one job to completion.
func (q *Queue) JobWorkflow(ctx workflow.Context, job domain.Job) (domain.JobResult, error) {
	q.mu.RLock()
	reg, ok := q.handlers[job.Kind]
	q.mu.RUnlock()
	if !ok {
		return domain.JobResult{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%s: %q", domain.ErrUnknownJobKind, job.Kind), "UnknownJobKind", nil)
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: reg.timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    q.maxAttempts,
		},
	})
	var result domain.JobResult
	if err := workflow.ExecuteActivity(ctx, ActivityName(job.Kind), job).Get(ctx, &result); err != nil {
		workflow.GetLogger(ctx).Warn("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		return domain.JobResult{}, err
	}
	return result, nil
}

func (q *Queue) activity(kind string) func(context.Context, domain.Job) (domain.JobResult, error) {
	return func(ctx context.Context, job domain.Job) (domain.JobResult, error) {
		q.mu.RLock()
		reg := q.handlers[kind]
		q.mu.RUnlock()
		result, err := reg.fn(ctx, job)
		if err != nil && errors.Is(err, domain.ErrInvalidJobConfig) {
			return domain.JobResult{}, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidJobConfig", err)
		}
		return result, err
	}
}

func (q *Queue) Submit(ctx context.Context, job domain.Job) (string, error) {
	if job.Kind == "" {
		return "", errors.New("job kind is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	run, err := q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        job.ID,
		TaskQueue: q.taskQueue,
		Memo:      map[string]interface{}{memoKind: job.Kind},
	}, JobWorkflowName, job)
	if err != nil {
		return "", fmt.Errorf("start job workflow: %w", err)
	}
	return run.GetID(), nil
}

func (q *Queue) Status(ctx context.Context, id string) (domain.JobStatus, error) {
	resp, err := q.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return domain.JobStatus{}, domain.ErrJobNotFound
		}
		return domain.JobStatus{}, err
	}
	info := resp.GetWorkflowExecutionInfo()
	status := domain.JobStatus{ID: id, Kind: memoString(info.GetMemo().GetFields()[memoKind])}
	if ts := info.GetCloseTime(); ts != nil {
		status.UpdatedAt = ts.AsTime()
	} else if ts := info.GetStartTime(); ts != nil {
		status.UpdatedAt = ts.AsTime()
	}
	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		status.State = domain.JobQueued
		if len(resp.GetPendingActivities()) > 0 {
			status.State = domain.JobRunning
		}
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		var result domain.JobResult
		if err := q.client.GetWorkflow(ctx, id, "").Get(ctx, &result); err != nil {
			return domain.JobStatus{}, err
		}
		status.State = domain.JobSuccess
		status.Result = &result
	default:
		status.State = domain.JobError
		if err := q.client.GetWorkflow(ctx, id, "").Get(ctx, nil); err != nil {
			status.Error = err.Error()
		} else {
			status.Error = info.GetStatus().String()
		}
	}
	return status, nil
}

func memoString(p *commonpb.Payload) string {
	if p == nil {
		return ""
	}
	var out string
	if err := converter.GetDefaultDataConverter().FromPayload(p, &out); err != nil {
		return ""
	}
	return out
}
