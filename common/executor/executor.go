package executor

import (
	"context"
	"sync"

	"github.com/zeromicro/go-zero/core/threading"
)

// Executor runs queued tasks on a fixed number of workers.
type Executor[P interface{}] struct {
	ctx     context.Context
	tasks   chan P
	handler func(ctx context.Context, task P)
	workers int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewExecutor[P interface{}](ctx context.Context, workers int, queueSize int, handler func(ctx context.Context, task P)) *Executor[P] {
	if workers < 1 {
		workers = 1
	}
	ret := &Executor[P]{
		tasks:   make(chan P, queueSize),
		handler: handler,
		workers: workers,
	}
	ret.ctx, ret.cancel = context.WithCancel(ctx)
	return ret
}

func (e *Executor[P]) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		threading.GoSafe(func() {
			defer e.wg.Done()
			for {
				select {
				case <-e.ctx.Done():
					return
				case task := <-e.tasks:
					threading.RunSafe(func() {
						e.handler(e.ctx, task)
					})
				}
			}
		})
	}
}

// Stop cancels the context handed to running tasks and waits for the
// workers to return. Queued tasks are dropped.
func (e *Executor[P]) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor[P]) QueueSize() int {
	return len(e.tasks)
}

// Commit blocks until the task is queued or the executor is stopped.
func (e *Executor[P]) Commit(task P) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.tasks <- task:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// TryCommit queues the task unless the queue is full.
func (e *Executor[P]) TryCommit(task P) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.tasks <- task:
		return true
	default:
		return false
	}
}
