package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTimeout    = errors.New("pool: timed out waiting for a connection")
	ErrPoolClosed = errors.New("pool: pool is closed")
)

// Factory opens a new connection for the given site.
type Factory[T any] func(site string) (T, error)

// SharedTimedStack is a LIFO stack of idle connections for one site. New
// connections are only created while the shared counter has headroom, so
// every stack built on the same counter respects one combined ceiling.
type SharedTimedStack[T comparable] struct {
	site    string
	counter *SharedCounter
	create  Factory[T]
	// reclaim frees a slot held by another site's idle connection. It
	// reports whether the caller now owns that slot.
	reclaim func() bool

	mu      sync.Mutex
	idle    []idleConn[T]
	waiters int           // PopContext calls parked on this stack
	pushed  chan struct{} // closed and replaced on every Push
	closed  bool
}

// idleConn is a pushed connection stamped with the counter's push sequence,
// so idle age can be compared across stacks sharing one counter.
type idleConn[T any] struct {
	conn T
	seq  uint64
}

func NewSharedTimedStack[T comparable](site string, counter *SharedCounter, create Factory[T]) *SharedTimedStack[T] {
	return &SharedTimedStack[T]{
		site:    site,
		counter: counter,
		create:  create,
		pushed:  make(chan struct{}),
	}
}

func (s *SharedTimedStack[T]) Site() string {
	return s.site
}

// Push puts conn on top of the stack and wakes any waiting Pop.
func (s *SharedTimedStack[T]) Push(conn T) {
	s.mu.Lock()
	s.idle = append(s.idle, idleConn[T]{conn: conn, seq: s.counter.stamp()})
	close(s.pushed)
	s.pushed = make(chan struct{})
	s.mu.Unlock()
}

// Pop waits at most timeout for a connection. See PopContext.
func (s *SharedTimedStack[T]) Pop(timeout time.Duration) (T, error) {
	return s.PopContext(context.Background(), timeout)
}

// PopContext returns the most recently pushed idle connection. When the stack
// is empty it creates one if the shared counter allows it, otherwise it waits
// for a Push or for another stack to release a slot. A timeout <= 0 never
// waits. ErrTimeout is returned when the wait expires.
//
// While a call may wait it counts as a waiter of the stack, and connections
// pushed for it are not reclaimed by other sites.
func (s *SharedTimedStack[T]) PopContext(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	waiting := false
	defer func() {
		if waiting {
			s.mu.Lock()
			s.waiters--
			s.mu.Unlock()
		}
	}()

	for {
		s.mu.Lock()
		if waiting {
			s.waiters--
			waiting = false
		}
		if s.closed {
			s.mu.Unlock()
			return zero, ErrPoolClosed
		}
		if n := len(s.idle); n > 0 {
			conn := s.idle[n-1].conn
			s.idle[n-1] = idleConn[T]{}
			s.idle = s.idle[:n-1]
			s.mu.Unlock()
			return conn, nil
		}
		pushed := s.pushed
		released := s.counter.Released()
		if timeout > 0 {
			s.waiters++
			waiting = true
		}
		s.mu.Unlock()

		if s.counter.TryAcquire() || (s.reclaim != nil && s.reclaim()) {
			return s.open()
		}
		if timeout <= 0 {
			return zero, ErrTimeout
		}

		select {
		case <-pushed:
		case <-released:
		case <-expired:
			return zero, ErrTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// open runs the factory for a slot that has already been acquired. The slot
// is handed back if the factory fails or panics.
func (s *SharedTimedStack[T]) open() (conn T, err error) {
	ok := false
	defer func() {
		if !ok {
			s.counter.Release()
		}
	}()
	conn, err = s.create(s.site)
	if err != nil {
		return conn, fmt.Errorf("open connection to %s: %w", s.site, err)
	}
	ok = true
	return conn, nil
}

// Delete removes the most recently pushed idle instance equal to conn. The
// shared counter is left untouched.
func (s *SharedTimedStack[T]) Delete(conn T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.idle) - 1; i >= 0; i-- {
		if s.idle[i].conn != conn {
			continue
		}
		s.removeAt(i)
		return true
	}
	return false
}

func (s *SharedTimedStack[T]) removeAt(i int) {
	copy(s.idle[i:], s.idle[i+1:])
	s.idle[len(s.idle)-1] = idleConn[T]{}
	s.idle = s.idle[:len(s.idle)-1]
}

// spare reports whether the stack holds more idle connections than it has
// waiters, and if so the push sequence of its bottom entry.
func (s *SharedTimedStack[T]) spare() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.idle) <= s.waiters {
		return 0, false
	}
	return s.idle[0].seq, true
}

// takeOldest removes the bottom of the stack if it is still the entry pushed
// at seq and is still spare.
func (s *SharedTimedStack[T]) takeOldest(seq uint64) (T, bool) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.idle) <= s.waiters || s.idle[0].seq != seq {
		return zero, false
	}
	conn := s.idle[0].conn
	s.removeAt(0)
	return conn, true
}

// Waiters returns how many PopContext calls are waiting on the stack.
func (s *SharedTimedStack[T]) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters
}

// EachConnection calls fn for every idle connection, bottom of the stack
// first. fn runs on a snapshot, so it may call back into the stack.
func (s *SharedTimedStack[T]) EachConnection(fn func(T)) {
	s.mu.Lock()
	snapshot := make([]T, len(s.idle))
	for i, e := range s.idle {
		snapshot[i] = e.conn
	}
	s.mu.Unlock()

	for _, conn := range snapshot {
		fn(conn)
	}
}

// Evict removes every idle connection for which evict returns true and
// returns them in stack order. The shared counter is left untouched.
func (s *SharedTimedStack[T]) Evict(evict func(T) bool) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []T
	kept := s.idle[:0]
	for _, e := range s.idle {
		if evict(e.conn) {
			removed = append(removed, e.conn)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.idle); i++ {
		s.idle[i] = idleConn[T]{}
	}
	s.idle = kept
	return removed
}

func (s *SharedTimedStack[T]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle)
}

func (s *SharedTimedStack[T]) Empty() bool {
	return s.Size() == 0
}

// close marks the stack closed, wakes waiters and returns the idle
// connections it held.
func (s *SharedTimedStack[T]) close() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	idle := make([]T, len(s.idle))
	for i, e := range s.idle {
		idle[i] = e.conn
	}
	s.idle = nil
	close(s.pushed)
	s.pushed = make(chan struct{})
	return idle
}
