// Package dispatch provides a bounded worker pool for request-side
// asynchronous work: billing dispatch, idempotency-marker writes, anything
// that must never block or fail the response path.
//
// The queue is bounded and the overflow policy is caller-runs: when the queue
// is full the submitting goroutine executes the task itself. That trades a
// little latency on the submitter for backpressure without dropping work.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"
)

// Pool runs submitted tasks on a fixed set of workers.
//
// Lifecycle: create with NewPool, Submit from any goroutine, Close once
// during shutdown. Close drains the queue before returning.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	log   zerolog.Logger

	mu     sync.RWMutex
	closed bool

	// callerRuns is called when a task overflows the queue, before the
	// task runs inline. Hook for metrics.
	callerRuns func()
}

// NewPool starts workers goroutines consuming a queue of queueSize tasks.
func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	p := &Pool{
		tasks: make(chan func(), queueSize),
		log:   logger.With().Str("component", "dispatch").Logger(),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// OnCallerRuns registers a callback fired whenever saturation forces a task
// to run on the submitting goroutine. Must be set before first Submit.
func (p *Pool) OnCallerRuns(fn func()) {
	p.callerRuns = fn
}

// Submit queues the task, running it inline when the queue is full or the
// pool is closed.
func (p *Pool) Submit(task func()) {
	p.mu.RLock()
	queued := false
	if !p.closed {
		select {
		case p.tasks <- task:
			queued = true
		default:
		}
	}
	closed := p.closed
	p.mu.RUnlock()
	if queued {
		return
	}

	if !closed {
		if p.callerRuns != nil {
			p.callerRuns()
		}
		p.log.Debug().Msg("dispatch queue saturated, running task on caller")
	}
	task()
}

// Close stops accepting tasks, waits for queued work to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task, id)
	}
}

func (p *Pool) run(task func(), id int) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker_id", id).Interface("panic", r).Msg("recovered from panic in dispatched task")
		}
	}()
	task()
}
