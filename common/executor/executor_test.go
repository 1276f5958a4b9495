package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zeromicro/go-zero/core/logx"
)

func TestExecutor(t *testing.T) {
	wg := sync.WaitGroup{}
	var done int32
	executor := NewExecutor[int](context.Background(), 2, 100, func(ctx context.Context, task int) {
		logx.Infof("Running %d", task)
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&done, 1)
		wg.Done()
	})
	wg.Add(20)
	executor.Start()
	for i := 0; i < 20; i++ {
		assert.True(t, executor.Commit(i))
	}
	wg.Wait()
	executor.Stop()
	assert.Equal(t, int32(20), atomic.LoadInt32(&done))
	assert.False(t, executor.Commit(21))
}

func TestTryCommitQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	executor := NewExecutor[int](context.Background(), 1, 1, func(ctx context.Context, task int) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	executor.Start()
	defer executor.Stop()

	assert.True(t, executor.TryCommit(1))
	<-started
	assert.True(t, executor.TryCommit(2))
	assert.False(t, executor.TryCommit(3))
	assert.Equal(t, 1, executor.QueueSize())
	close(release)
}

func TestStopCancelsRunningTask(t *testing.T) {
	cancelled := make(chan struct{})
	started := make(chan struct{})
	executor := NewExecutor[int](context.Background(), 1, 1, func(ctx context.Context, task int) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	executor.Start()
	executor.TryCommit(1)
	<-started
	executor.Stop()
	select {
	case <-cancelled:
	default:
		t.Fatal("task still running after Stop")
	}
	assert.False(t, executor.TryCommit(2))
}
