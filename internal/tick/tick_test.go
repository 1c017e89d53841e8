package tick

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDrainRunsInOrder(t *testing.T) {
	q := NewQueue()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		q.Execute(func() { got = append(got, i) })
	}

	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 5, q.Drain())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, q.Drain())
}

func TestQueueDefersTasksAddedDuringDrain(t *testing.T) {
	q := NewQueue()
	ran := 0
	q.Execute(func() {
		ran++
		q.Execute(func() { ran++ })
	})

	assert.Equal(t, 1, q.Drain())
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, q.Drain())
	assert.Equal(t, 2, ran)
}

func TestQueueConcurrentExecute(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Execute(func() {})
		}()
	}
	wg.Wait()

	select {
	case <-q.Notify():
	default:
		t.Fatal("ожидался сигнал о новых задачах")
	}
	assert.Equal(t, 100, q.Drain())
}

func TestImmediate(t *testing.T) {
	called := false
	Immediate{}.Execute(func() { called = true })
	assert.True(t, called)
}

func TestLoopStepDrainsBeforeHandlers(t *testing.T) {
	q := NewQueue()
	l := NewLoop(q, 20, nil)
	require.NoError(t, l.Register(prometheus.NewRegistry()))
	assert.Equal(t, 50*time.Millisecond, l.Interval())

	var order []string
	q.Execute(func() { order = append(order, "queue") })
	l.OnTick(func(id uint64, _ time.Duration) {
		order = append(order, "handler")
		assert.Equal(t, uint64(1), id)
	})

	l.Step(l.Interval())
	assert.Equal(t, []string{"queue", "handler"}, order)
	assert.Equal(t, uint64(1), l.Current())
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	q := NewQueue()
	l := NewLoop(q, 100, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	ran := make(chan struct{})
	q.Execute(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("задача не выполнена тиковым циклом")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("цикл не остановился")
	}
}
