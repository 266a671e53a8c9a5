// Package workerpool runs callbacks on a fixed set of goroutines. With one
// worker it behaves like a native callback thread: tasks run in submission
// order and never on the submitting goroutine.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/viewer/internal/logging"
)

var log = logging.L("workerpool")

// Task is a callback submitted to the pool.
type Task func()

// Stats counts what a pool did over its lifetime.
type Stats struct {
	Ran      uint64
	Rejected uint64
	Panicked uint64
}

// Pool is a bounded callback executor with a fixed-depth queue.
type Pool struct {
	name  string
	queue chan Task

	// mu orders Submit against the close of queue.
	mu     sync.RWMutex
	closed bool

	workers  sync.WaitGroup
	stopOnce sync.Once

	ran      atomic.Uint64
	rejected atomic.Uint64
	panicked atomic.Uint64
}

// New starts a pool with the given number of workers and queue depth.
func New(name string, workers, depth int) *Pool {
	workers = max(workers, 1)
	depth = max(depth, 1)

	p := &Pool{name: name, queue: make(chan Task, depth)}
	p.workers.Add(workers)
	for range workers {
		go p.run()
	}
	log.Debug("callback pool started", "pool", name, "workers", workers, "depth", depth)
	return p
}

// Submit queues task without blocking. It returns false when the pool is
// shut down or the queue is full.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		p.rejected.Add(1)
		log.Warn("callback queue full, task rejected", "pool", p.name, "depth", cap(p.queue))
		return false
	}
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Ran:      p.ran.Load(),
		Rejected: p.rejected.Load(),
		Panicked: p.panicked.Load(),
	}
}

// Shutdown rejects further submissions and waits for queued tasks to run.
// It returns an error if ctx ends first; the workers still exit once the
// queue drains. Calling Shutdown more than once is safe.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workerpool %s: %d tasks still queued: %w", p.name, len(p.queue), ctx.Err())
	}
}

func (p *Pool) run() {
	defer p.workers.Done()
	for task := range p.queue {
		p.exec(task)
	}
}

// exec runs one task. A panicking task is logged and does not stop the worker.
func (p *Pool) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Error("callback panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
	p.ran.Add(1)
}
