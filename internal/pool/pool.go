// Package pool provides a fixed-size worker pool with a FIFO queue. Work
// items are submitted as functions and their outcome is observed through a
// completion handle. A panicking item is captured on its handle and never
// takes a worker down.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrPoolStopped is returned by Submit after Close, and resolved onto the
// handles of queued items that were dropped during shutdown.
var ErrPoolStopped = errors.New("pool: stopped")

// Handle observes the completion of a submitted work item.
type Handle struct {
	fn   func() error
	done chan struct{}
	err  error
}

// Wait blocks until the work item finished and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Pool executes submitted work items on a fixed set of workers.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Handle
	stopped bool

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a pool with n workers.
func New(n int, log *zerolog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{logger: log.With().Str("component", "pool").Logger()}
	p.cond = sync.NewCond(&p.mu)

	p.logger.Debug().Int("workers", n).Msg("starting worker pool")
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit enqueues a work item and returns its completion handle. Items run
// in submission order as workers become idle. After Close, Submit returns
// ErrPoolStopped.
func (p *Pool) Submit(fn func() error) (*Handle, error) {
	h := &Handle{fn: fn, done: make(chan struct{})}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}
	p.queue = append(p.queue, h)
	p.mu.Unlock()

	p.cond.Signal()
	return h, nil
}

// Close signals stop, wakes all workers and joins them. In-flight items run
// to completion; items still queued are dropped and their handles resolve
// with ErrPoolStopped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	dropped := p.queue
	p.queue = nil
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()

	for _, h := range dropped {
		h.err = ErrPoolStopped
		close(h.done)
	}
	p.logger.Debug().Int("dropped", len(dropped)).Msg("worker pool shut down")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for !p.stopped && len(p.queue) == 0 {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		h := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		// Run outside the queue lock.
		p.run(id, h)
	}
}

func (p *Pool) run(id int, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("pool: work item panicked: %v", r)
			p.logger.Error().Int("worker", id).Interface("panic", r).Msg("work item panicked")
		}
		close(h.done)
	}()
	h.err = h.fn()
}
