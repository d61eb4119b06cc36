package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Pool is a bounded goroutine pool with an additional ceiling per group key.
// The global size bounds all work; groupLimit bounds the work of any single
// group, so one tenant cannot occupy every slot.
type Pool struct {
	sem        chan struct{}
	groupLimit int
	wg         sync.WaitGroup
	metrics    PoolMetrics
	mu         sync.Mutex
	groups     map[string]int
	done       chan struct{}
	closed     bool
}

// NewPool creates a pool with the given max concurrency. groupLimit <= 0
// leaves groups bounded only by size.
func NewPool(size, groupLimit int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:        make(chan struct{}, size),
		groupLimit: groupLimit,
		groups:     make(map[string]int),
		done:       make(chan struct{}),
	}
}

// Reservation is a held pool slot not yet running work. It must be passed
// to Run or released.
type Reservation struct {
	pool *Pool
	used atomic.Bool
}

// Reserve blocks until a slot is free (backpressure), respecting context
// cancellation and shutdown.
func (p *Pool) Reserve(ctx context.Context) (*Reservation, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) MUST be inside the lock to prevent race with Shutdown's wg.Wait().
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.sem
		return nil, ErrPoolShutdown
	}
	p.wg.Add(1)
	return &Reservation{pool: p}, nil
}

// Release returns an unused reservation.
func (r *Reservation) Release() {
	if !r.used.CompareAndSwap(false, true) {
		return
	}
	<-r.pool.sem
	r.pool.wg.Done()
}

// Run starts fn in the reserved slot, counted against group. Panics are
// recovered and counted as failures.
func (r *Reservation) Run(ctx context.Context, group string, fn func(ctx context.Context) error) {
	if !r.used.CompareAndSwap(false, true) {
		return
	}
	p := r.pool
	p.mu.Lock()
	p.groups[group]++
	p.mu.Unlock()
	atomic.AddInt64(&p.metrics.Active, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			p.mu.Lock()
			if p.groups[group]--; p.groups[group] <= 0 {
				delete(p.groups, group)
			}
			p.mu.Unlock()
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
}

// Submit reserves a slot and runs fn in it. It blocks while the pool is at
// capacity.
func (p *Pool) Submit(ctx context.Context, group string, fn func(ctx context.Context) error) error {
	res, err := p.Reserve(ctx)
	if err != nil {
		return err
	}
	res.Run(ctx, group, fn)
	return nil
}

// SaturatedGroups lists the groups currently at their ceiling, sorted.
func (p *Pool) SaturatedGroups() []string {
	if p.groupLimit <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for g, n := range p.groups {
		if n >= p.groupLimit {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// GroupActive reports how much work group is running.
func (p *Pool) GroupActive(group string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groups[group]
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions and waits
// for all active work to complete.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
