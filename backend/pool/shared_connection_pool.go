package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var ErrZeroCapacity = errors.New("pool: size must be greater than 0")

// Options configures a SharedConnectionPool.
type Options struct {
	// Size is the ceiling on connections across all sites.
	Size int
	// Timeout bounds how long a checkout waits when the ceiling is reached.
	Timeout time.Duration
	// ReclaimIdle lets a checkout at the ceiling close the longest idle
	// connection of another site instead of waiting. Sites with waiting
	// checkouts keep their idle connections.
	ReclaimIdle bool
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Size  int
	Open  int
	Idle  int
	Sites int
}

// SharedConnectionPool keeps one SharedTimedStack per site, all drawing from
// a single SharedCounter.
type SharedConnectionPool[T comparable] struct {
	counter *SharedCounter
	timeout time.Duration
	factory Factory[T]
	reclaim bool

	mu     sync.RWMutex
	stacks map[string]*SharedTimedStack[T]
	closed bool
}

func NewSharedConnectionPool[T comparable](opts Options, factory Factory[T]) (*SharedConnectionPool[T], error) {
	if opts.Size <= 0 {
		return nil, ErrZeroCapacity
	}
	if factory == nil {
		return nil, fmt.Errorf("pool: factory is required")
	}
	if opts.Timeout < 0 {
		opts.Timeout = 0
	}
	return &SharedConnectionPool[T]{
		counter: NewSharedCounter(opts.Size),
		timeout: opts.Timeout,
		factory: factory,
		reclaim: opts.ReclaimIdle,
		stacks:  make(map[string]*SharedTimedStack[T]),
	}, nil
}

// With checks out a connection for site, runs fn with it and checks it back
// in on every exit path, including a panic in fn. Errors from fn are returned
// unchanged.
func (p *SharedConnectionPool[T]) With(site string, fn func(T) error) error {
	return p.WithContext(context.Background(), site, fn)
}

// WithContext is With with the checkout wait also bounded by ctx.
func (p *SharedConnectionPool[T]) WithContext(ctx context.Context, site string, fn func(T) error) error {
	conn, err := p.Checkout(ctx, site)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Checkin(site, conn); err != nil {
			_ = closeConn(conn)
		}
	}()
	return fn(conn)
}

// Checkout pops an idle connection for site or creates one if the shared
// ceiling allows it.
func (p *SharedConnectionPool[T]) Checkout(ctx context.Context, site string) (T, error) {
	stack, err := p.stack(site)
	if err != nil {
		var zero T
		return zero, err
	}
	return stack.PopContext(ctx, p.timeout)
}

// Checkin returns conn to the stack of site. On a closed pool the slot is
// released, conn is not retained and ErrPoolClosed is returned.
func (p *SharedConnectionPool[T]) Checkin(site string, conn T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.counter.Release()
		return ErrPoolClosed
	}
	stack, ok := p.stacks[site]
	if !ok {
		p.counter.Release()
		return fmt.Errorf("pool: unknown site %q", site)
	}
	stack.Push(conn)
	if p.reclaim {
		// waiters on other sites may reclaim it unless one here is owed it
		p.counter.Notify()
	}
	return nil
}

// Discard gives up the slot held by a checked-out connection that will not be
// checked back in.
func (p *SharedConnectionPool[T]) Discard() {
	p.counter.Release()
}

// Remove deletes an idle connection of site and releases its slot.
func (p *SharedConnectionPool[T]) Remove(site string, conn T) bool {
	p.mu.RLock()
	stack, ok := p.stacks[site]
	p.mu.RUnlock()
	if !ok || !stack.Delete(conn) {
		return false
	}
	p.counter.Release()
	return true
}

// EachConnection visits every idle connection of every site.
func (p *SharedConnectionPool[T]) EachConnection(fn func(site string, conn T)) {
	for _, stack := range p.snapshot() {
		site := stack.Site()
		stack.EachConnection(func(conn T) {
			fn(site, conn)
		})
	}
}

// Flush removes the idle connections for which evict returns true, releases
// their slots and returns them so the caller can close them.
func (p *SharedConnectionPool[T]) Flush(evict func(site string, conn T) bool) []T {
	var removed []T
	for _, stack := range p.snapshot() {
		site := stack.Site()
		gone := stack.Evict(func(conn T) bool {
			return evict(site, conn)
		})
		for range gone {
			p.counter.Release()
		}
		removed = append(removed, gone...)
	}
	return removed
}

func (p *SharedConnectionPool[T]) Stats() Stats {
	stacks := p.snapshot()
	st := Stats{
		Size:  p.counter.Max(),
		Open:  p.counter.Load(),
		Sites: len(stacks),
	}
	for _, stack := range stacks {
		st.Idle += stack.Size()
	}
	return st
}

// Close rejects further checkouts, wakes blocked waiters with ErrPoolClosed
// and closes idle connections that implement io.Closer.
func (p *SharedConnectionPool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stacks := p.stacks
	p.mu.Unlock()

	var err error
	for _, stack := range stacks {
		for _, conn := range stack.close() {
			p.counter.Release()
			err = multierr.Append(err, closeConn(conn))
		}
	}
	return err
}

func (p *SharedConnectionPool[T]) stack(site string) (*SharedTimedStack[T], error) {
	p.mu.RLock()
	stack, ok := p.stacks[site]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok {
		return stack, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if stack, ok = p.stacks[site]; !ok {
		stack = NewSharedTimedStack(site, p.counter, p.factory)
		if p.reclaim {
			stack.reclaim = func() bool { return p.reclaimFrom(site) }
		}
		p.stacks[site] = stack
	}
	return stack, nil
}

// reclaimFrom closes the longest idle connection, across every site but
// site, that no waiter of its own site is owed. The slot it held passes to
// the caller without touching the counter.
func (p *SharedConnectionPool[T]) reclaimFrom(site string) bool {
	for {
		var (
			oldest *SharedTimedStack[T]
			seq    uint64
		)
		for _, stack := range p.snapshot() {
			if stack.Site() == site {
				continue
			}
			if s, ok := stack.spare(); ok && (oldest == nil || s < seq) {
				oldest, seq = stack, s
			}
		}
		if oldest == nil {
			return false
		}
		if conn, ok := oldest.takeOldest(seq); ok {
			_ = closeConn(conn)
			return true
		}
		// the candidate was popped or pushed over meanwhile; look again
	}
}

func closeConn[T any](conn T) error {
	if c, ok := any(conn).(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *SharedConnectionPool[T]) snapshot() []*SharedTimedStack[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*SharedTimedStack[T], 0, len(p.stacks))
	for _, stack := range p.stacks {
		out = append(out, stack)
	}
	return out
}
