package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(4, 16, nil)

	var done atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(func() { done.Add(1) }))
	}
	p.Stop()

	assert.Equal(t, int32(100), done.Load())
	stats := p.Stats()
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, int64(100), stats.Completed)
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool(1, 4, nil)

	var recovered atomic.Value
	p.OnPanic(func(r interface{}) { recovered.Store(r) })

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(func() { panic("boom") }))
	require.NoError(t, p.Submit(func() { wg.Done() }))

	waitOrFail(t, &wg)
	p.Stop()

	assert.Equal(t, "boom", recovered.Load())
	assert.Equal(t, int64(1), p.Stats().Panics)
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(1, 1, nil)
	p.Stop()
	p.Stop()
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolStopped)
}

func TestSubmitDoesNotBlockOnFullQueue(t *testing.T) {
	p := NewPool(1, 1, nil)

	gate := make(chan struct{})
	var (
		mu    sync.Mutex
		order []int
	)
	require.NoError(t, p.Submit(func() { <-gate }))

	start := time.Now()
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, p.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Greater(t, p.Stats().Backlog, 0)

	close(gate)
	p.Stop()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	stats := p.Stats()
	assert.Equal(t, 0, stats.Backlog)
	assert.Equal(t, int64(11), stats.Completed)
}

func TestStopRunsBacklog(t *testing.T) {
	p := NewPool(2, 1, nil)

	gate := make(chan struct{})
	var done atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(func() { <-gate }))
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(func() { done.Add(1) }))
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	close(gate)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop не дождался хвоста")
	}
	assert.Equal(t, int32(20), done.Load())
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolStopped)
}

func TestPanicError(t *testing.T) {
	assert.EqualError(t, PanicError("x"), "panic: x")
	assert.ErrorIs(t, PanicError(ErrPoolStopped), ErrPoolStopped)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("таймаут ожидания задач")
	}
}
