package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trellis-signer/internal/domain"
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Status is a point-in-time view of a worker for the admin API.
type Status struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Handled   int64     `json:"handled"`
	Signed    int64     `json:"signed"`
	Skipped   int64     `json:"skipped"`
	Failed    int64     `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
}

// Worker binds one handler to one job queue. There is one Worker per store
// credential; workers share nothing mutable.
type Worker struct {
	id      string
	kind    string
	timeout time.Duration
	queue   domain.JobQueue
	handler domain.JobHandler
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
	lastErr   string

	handled atomic.Int64
	signed  atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

type Options struct {
	ID      string
	Kind    string
	Timeout time.Duration
	Queue   domain.JobQueue
	Handler domain.JobHandler
	Logger  *slog.Logger
}

func New(opts Options) (*Worker, error) {
	if opts.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("job handler is required")
	}
	if opts.Timeout <= 0 {
		return nil, errors.New("job timeout must be positive")
	}
	if opts.Kind == "" {
		opts.Kind = domain.JobKindSign
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:      opts.ID,
		kind:    opts.Kind,
		timeout: opts.Timeout,
		queue:   opts.Queue,
		handler: opts.Handler,
		logger:  logger.With("worker", opts.ID),
		state:   StateIdle,
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Queue() domain.JobQueue {
	return w.queue
}

// Run registers the handler, starts the queue and blocks until ctx is done.
// A startup failure is returned immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting, "")
	if err := w.queue.On(w.kind, w.timeout, w.handle); err != nil {
		w.setState(StateFailed, err.Error())
		return fmt.Errorf("worker %s: register %s: %w", w.id, w.kind, err)
	}
	if err := w.queue.Start(ctx); err != nil {
		w.setState(StateFailed, err.Error())
		return fmt.Errorf("worker %s: start queue: %w", w.id, err)
	}
	w.mu.Lock()
	w.state = StateRunning
	w.startedAt = time.Now().UTC()
	w.mu.Unlock()
	w.logger.Info("worker started", "kind", w.kind, "timeout", w.timeout)

	<-ctx.Done()
	w.queue.Stop()
	w.setState(StateStopped, "")
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	w.handled.Add(1)
	result, err := w.handler(ctx, job)
	switch {
	case err != nil:
		w.failed.Add(1)
		w.mu.Lock()
		w.lastErr = err.Error()
		w.mu.Unlock()
	case result.Skipped:
		w.skipped.Add(1)
	default:
		w.signed.Add(1)
	}
	return result, err
}

func (w *Worker) setState(state State, lastErr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	if lastErr != "" {
		w.lastErr = lastErr
	}
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		ID:        w.id,
		State:     w.state,
		Kind:      w.kind,
		StartedAt: w.startedAt,
		Handled:   w.handled.Load(),
		Signed:    w.signed.Load(),
		Skipped:   w.skipped.Load(),
		Failed:    w.failed.Load(),
		LastError: w.lastErr,
	}
}
