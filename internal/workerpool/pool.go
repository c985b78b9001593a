// Package workerpool runs blocking store and daemon calls on a fixed set of
// goroutines so a slow call never stalls protocol I/O for unrelated sessions.
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/bardlex/gomp-pool/pkg/errors"
	"github.com/bardlex/gomp-pool/pkg/log"
)

const queueMultiplier = 32

// ErrClosed is returned for work submitted after Close
var ErrClosed = errors.New(errors.ErrorTypeInternal, "workerpool_submit", "worker pool is closed")

type task struct {
	ctx context.Context
	fn  func(context.Context)
}

// Pool is a bounded set of workers fed through a buffered channel
type Pool struct {
	tasks  chan task
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts workers goroutines. A non-positive depth defaults to 32 slots per worker.
func New(workers, depth int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = workers * queueMultiplier
	}

	p := &Pool{
		tasks:  make(chan task, depth),
		logger: logger.WithComponent("workerpool"),
	}

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for t := range p.tasks {
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic", "worker", id, "error", r)
		}
	}()

	if t.ctx.Err() != nil {
		return
	}
	t.fn(t.ctx)
}

// Submit queues fn. It blocks while the queue is full and gives up when ctx ends.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- task{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen returns the number of queued tasks
func (p *Pool) QueueLen() int {
	return len(p.tasks)
}

// Close stops accepting work and waits for queued tasks to finish
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

type result[T any] struct {
	val T
	err error
}

// Do runs fn on the pool and waits for its result. Callers keep their own
// ordering because they block until the value comes back.
func Do[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	done := make(chan result[T], 1)

	err := p.Submit(ctx, func(ctx context.Context) {
		var r result[T]
		defer func() {
			if rec := recover(); rec != nil {
				r.err = fmt.Errorf("task panicked: %v", rec)
			}
			done <- r
		}()
		r.val, r.err = fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
