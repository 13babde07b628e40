package pool

import (
	"context"
	"runtime"
	"sync"
)

// BufferPool hands out fixed-size scratch buffers for draining response
// bodies.
type BufferPool struct {
	size       int
	bufferPool sync.Pool
}

func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 32 << 10
	}
	bp := &BufferPool{size: bufferSize}
	bp.bufferPool.New = func() any {
		buf := make([]byte, bufferSize)
		return &buf
	}
	return bp
}

func (bp *BufferPool) GetBuffer() *[]byte {
	return bp.bufferPool.Get().(*[]byte)
}

func (bp *BufferPool) PutBuffer(buffer *[]byte) {
	if buffer == nil || cap(*buffer) < bp.size {
		return
	}
	*buffer = (*buffer)[:bp.size]
	bp.bufferPool.Put(buffer)
}

// WorkerPool runs a fixed number of workers over a task channel.
type WorkerPool[T any] struct {
	ingressChan chan T
	closeOnce   sync.Once

	wg        sync.WaitGroup
	maxWorker int
}

func NewWorkerPool[T any](maxWorkers, queueDepth int) *WorkerPool[T] {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU() * 2
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &WorkerPool[T]{
		ingressChan: make(chan T, queueDepth),
		maxWorker:   maxWorkers,
	}
}

// Run starts the workers and blocks until the ingress channel is closed and
// drained, or ctx is done.
func (wp *WorkerPool[T]) Run(ctx context.Context, handler func(context.Context, T)) {
	for i := 0; i < wp.maxWorker; i++ {
		wp.startWorker(ctx, handler)
	}
	wp.wg.Wait()
}

func (wp *WorkerPool[T]) startWorker(ctx context.Context, handler func(context.Context, T)) {
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case task, ok := <-wp.ingressChan:
				if !ok {
					return
				}
				handler(ctx, task)
			}
		}
	}()
}

func (wp *WorkerPool[T]) Ingress() chan<- T {
	return wp.ingressChan
}

func (wp *WorkerPool[T]) CloseIngress() {
	wp.closeOnce.Do(func() {
		close(wp.ingressChan)
	})
}

func (wp *WorkerPool[T]) Workers() int {
	return wp.maxWorker
}
