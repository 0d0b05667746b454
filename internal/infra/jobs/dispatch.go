// Package jobs provides job queues that run registered handlers with a
// bounded number of jobs in flight and a per-kind timeout.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trellis-signer/internal/domain"

	"github.com/google/uuid"
)

type registration struct {
	timeout time.Duration
	fn      domain.JobHandler
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

func (r *registry) on(kind string, timeout time.Duration, fn domain.JobHandler) error {
	if kind == "" {
		return errors.New("job kind is required")
	}
	if timeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	if fn == nil {
		return errors.New("job handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]registration)
	}
	r.handlers[kind] = registration{timeout: timeout, fn: fn}
	return nil
}

func (r *registry) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers) == 0
}

// dispatch runs the handler for job.Kind under its timeout. A panicking
// handler fails the job instead of the process.
func (r *registry) dispatch(ctx context.Context, job domain.Job) (result domain.JobResult, err error) {
	r.mu.RLock()
	reg, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		return domain.JobResult{}, fmt.Errorf("%w: %q", domain.ErrUnknownJobKind, job.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			result = domain.JobResult{}
			err = fmt.Errorf("job %s panicked: %v", job.ID, p)
		}
	}()
	return reg.fn(ctx, job)
}

func newJobID() string {
	return uuid.NewString()
}

func validateJob(job domain.Job) error {
	if job.Kind == "" {
		return errors.New("job kind is required")
	}
	return nil
}
