package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs one Worker per credential concurrently.
type Pool struct {
	workers []*Worker
	byID    map[string]*Worker
}

func NewPool(workers ...*Worker) *Pool {
	p := &Pool{byID: make(map[string]*Worker, len(workers))}
	for _, w := range workers {
		p.workers = append(p.workers, w)
		p.byID[w.ID()] = w
	}
	return p
}

// Run starts every worker and blocks until ctx is done. If any worker fails
// to start, the rest are stopped and the first error is returned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}

func (p *Pool) Workers() []*Worker {
	return append([]*Worker(nil), p.workers...)
}

func (p *Pool) Get(id string) (*Worker, bool) {
	w, ok := p.byID[id]
	return w, ok
}

// Ready reports whether every worker is running.
func (p *Pool) Ready() bool {
	if len(p.workers) == 0 {
		return false
	}
	for _, w := range p.workers {
		if w.Status().State != StateRunning {
			return false
		}
	}
	return true
}

func (p *Pool) Statuses() []Status {
	out := make([]Status, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Status())
	}
	return out
}
