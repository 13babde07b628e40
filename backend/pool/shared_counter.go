package pool

import "sync/atomic"

// SharedCounter tracks how many connections exist across every per-site
// stack of a pool. One counter is built per pool and handed to each stack.
type SharedCounter struct {
	max      int64
	n        atomic.Int64
	released atomic.Pointer[chan struct{}]
	pushes   atomic.Uint64
}

func NewSharedCounter(max int) *SharedCounter {
	c := &SharedCounter{max: int64(max)}
	ch := make(chan struct{})
	c.released.Store(&ch)
	return c
}

// TryAcquire reserves one slot under the ceiling. It never blocks.
func (c *SharedCounter) TryAcquire() bool {
	for {
		n := c.n.Load()
		if n >= c.max {
			return false
		}
		if c.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release gives a slot back and wakes every goroutine waiting on Released.
// Releasing more slots than were acquired is a bookkeeping bug and panics.
func (c *SharedCounter) Release() {
	for {
		n := c.n.Load()
		if n <= 0 {
			panic("pool: shared counter released more slots than were acquired")
		}
		if c.n.CompareAndSwap(n, n-1) {
			break
		}
	}
	c.Notify()
}

// Notify wakes every goroutine waiting on Released without changing the count.
func (c *SharedCounter) Notify() {
	next := make(chan struct{})
	prev := c.released.Swap(&next)
	close(*prev)
}

// Released returns a channel that is closed on the next Release or Notify.
func (c *SharedCounter) Released() <-chan struct{} {
	return *c.released.Load()
}

// stamp returns the next push sequence. Stacks on the same counter share it.
func (c *SharedCounter) stamp() uint64 {
	return c.pushes.Add(1)
}

func (c *SharedCounter) Load() int {
	return int(c.n.Load())
}

func (c *SharedCounter) Max() int {
	return int(c.max)
}
