// Package worker runs jobs taken from a queue on a bounded number of
// goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrNotStarted = errors.New("worker pool not started")

type Options[J any] struct {
	// Workers caps how many jobs run at once. Values below 1 mean 1.
	Workers int
	// QueueSize is the number of jobs Submit can buffer ahead of the
	// workers. Values below 0 mean 0.
	QueueSize int
	Handle    func(context.Context, J)
	// OnPanic is called with the job whose Handle panicked. The pool keeps
	// running either way.
	OnPanic func(job J, recovered any)
}

type Pool[J any] struct {
	jobs    chan J
	sem     chan struct{}
	handle  func(context.Context, J)
	onPanic func(J, any)

	mu  sync.RWMutex
	ctx context.Context
}

func New[J any](opts Options[J]) *Pool[J] {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	queue := opts.QueueSize
	if queue < 0 {
		queue = 0
	}
	return &Pool[J]{
		jobs:    make(chan J, queue),
		sem:     make(chan struct{}, workers),
		handle:  opts.Handle,
		onPanic: opts.OnPanic,
	}
}

// Start runs the dispatcher until ctx is done. Jobs still queued at that
// point are dropped. Start must be called once.
func (p *Pool[J]) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-p.jobs:
				select {
				case p.sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				go p.run(ctx, job)
			}
		}
	}()
}

func (p *Pool[J]) run(ctx context.Context, job J) {
	defer func() { <-p.sem }()
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(job, r)
		}
	}()
	p.handle(ctx, job)
}

// Submit queues job, blocking while the queue is full until ctx or the
// pool context is done.
func (p *Pool[J]) Submit(ctx context.Context, job J) error {
	p.mu.RLock()
	poolCtx := p.ctx
	p.mu.RUnlock()
	if poolCtx == nil {
		return ErrNotStarted
	}
	if ctx == nil {
		ctx = poolCtx
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-poolCtx.Done():
		return poolCtx.Err()
	case p.jobs <- job:
		return nil
	}
}
