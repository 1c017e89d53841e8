package eventbus

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/world"
)

type collector struct {
	mu     sync.Mutex
	events []*Envelope
}

func (c *collector) handle(_ context.Context, ev *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMemoryBusFiltersByType(t *testing.T) {
	bus := NewMemoryBus(16)
	var moves, all collector
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventPlayerMoved}}, moves.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), Filter{}, all.handle)
	require.NoError(t, err)

	ev, err := NewEnvelope("test", EventPlayerMoved, 1, PlayerMoved{EntityID: 3})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))
	ev, err = NewEnvelope("test", EventChunkIOFailed, 8, ChunkIOFailed{X: 1})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))

	require.NoError(t, bus.Close())
	assert.Equal(t, 1, moves.len())
	assert.Equal(t, 2, all.len())

	var payload PlayerMoved
	require.NoError(t, moves.events[0].Decode(&payload))
	assert.Equal(t, int32(3), payload.EntityID)

	stats := bus.Metrics()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(3), stats.Consumed)

	assert.ErrorIs(t, bus.Publish(context.Background(), ev), ErrBusClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(16)
	var c collector
	sub, err := bus.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)
	sub.Unsubscribe()

	ev, err := NewEnvelope("test", EventPlayerMoved, 1, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NoError(t, bus.Close())
	assert.Zero(t, c.len())
}

type fakeActor struct{ id int32 }

func (a fakeActor) EntityID() int32                 { return a.id }
func (a fakeActor) Position() world.Position        { return world.Position{} }
func (a fakeActor) SetPosition(world.Position)      {}
func (a fakeActor) SetOnGround(bool)                {}
func (a fakeActor) Teleport(p world.Position) error { return nil }

func TestPublisherEmitsMovesAndChunkErrors(t *testing.T) {
	bus := NewMemoryBus(16)
	var c collector
	_, err := bus.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)

	pub := NewPublisher(bus, "blockcore-test", 8, nil)
	pub.MoveListener()(fakeActor{id: 5}, world.Position{}, world.Position{X: 1}, true)
	pub.ChunkErrorHandler()(&world.ChunkSaveError{Coord: world.ChunkCoord{X: 2, Z: -3}, Err: errors.New("disk full")})
	pub.Close()
	require.NoError(t, bus.Close())

	require.Equal(t, 2, c.len())
	byType := map[string]*Envelope{}
	for _, ev := range c.events {
		byType[ev.EventType] = ev
	}

	var moved PlayerMoved
	require.NoError(t, byType[EventPlayerMoved].Decode(&moved))
	assert.Equal(t, int32(5), moved.EntityID)
	assert.Equal(t, 1.0, moved.To.X)

	var failed ChunkIOFailed
	require.NoError(t, byType[EventChunkIOFailed].Decode(&failed))
	assert.Equal(t, "save", failed.Operation)
	assert.Equal(t, int32(-3), failed.Z)
	assert.Equal(t, "blockcore-test", byType[EventChunkIOFailed].Source)

	// После закрытия события отбрасываются
	pub.Emit(EventPlayerMoved, 1, nil)
	assert.Equal(t, uint64(1), pub.Dropped())
}

func TestMetricsExporter(t *testing.T) {
	bus := NewMemoryBus(16)
	reg := prometheus.NewRegistry()
	me, err := NewMetricsExporter(bus, reg)
	require.NoError(t, err)

	ev, err := NewEnvelope("test", EventPlayerMoved, 1, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NoError(t, bus.Close())

	me.Collect()
	me.Collect()
	assert.Equal(t, float64(2), testutil.ToFloat64(me.published))
	assert.Equal(t, float64(0), testutil.ToFloat64(me.inflight))
}

func TestLoggingListener(t *testing.T) {
	bus := NewMemoryBus(4)
	sub, err := StartLoggingListener(bus, logging.NewNop())
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, bus.Close())
}

func TestJetStreamBus(t *testing.T) {
	url := os.Getenv("BLOCKCORE_TEST_NATS_URL")
	if url == "" {
		t.Skip("BLOCKCORE_TEST_NATS_URL не задан")
	}
	bus, err := NewJetStreamBus(JetStreamConfig{URL: url, Stream: "BLOCKCORE_TEST", Subject: "blockcore.test"})
	if err != nil {
		t.Skipf("NATS недоступен: %v", err)
	}
	defer bus.Close()

	got := make(chan *Envelope, 1)
	sub, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventPlayerMoved}}, func(_ context.Context, ev *Envelope) {
		got <- ev
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ev, err := NewEnvelope("test", EventPlayerMoved, 1, PlayerMoved{EntityID: 9})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))

	select {
	case rcv := <-got:
		assert.Equal(t, ev.ID, rcv.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("событие не доставлено")
	}
	assert.Equal(t, uint64(1), bus.Metrics().Published)
}
