package server

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockcore/internal/protocol"
	"github.com/annel0/blockcore/internal/storage"
	"github.com/annel0/blockcore/internal/tick"
	"github.com/annel0/blockcore/internal/worker"
	"github.com/annel0/blockcore/internal/world"
)

type fakeConn struct {
	id       string
	incoming chan protocol.ServerboundPacket
	closed   chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sent []protocol.Packet
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:       id,
		incoming: make(chan protocol.ServerboundPacket, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(p protocol.Packet) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) ReadPacket() (protocol.ServerboundPacket, error) {
	select {
	case p := <-c.incoming:
		return p, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) packets() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.sent...)
}

func (c *fakeConn) teleports() []*protocol.PlayerPositionAndLookPacket {
	var out []*protocol.PlayerPositionAndLookPacket
	for _, p := range c.packets() {
		if pp, ok := p.(*protocol.PlayerPositionAndLookPacket); ok {
			out = append(out, pp)
		}
	}
	return out
}

func countOf[T protocol.Packet](c *fakeConn) int {
	n := 0
	for _, p := range c.packets() {
		if _, ok := p.(T); ok {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	srv    *Server
	queue  *tick.Queue
	loader *storage.MemoryLoader
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	pool := worker.NewPool(4, 256, nil)
	t.Cleanup(pool.Stop)

	queue := tick.NewQueue()
	loader := storage.NewMemoryLoader(nil)
	reg, err := world.NewRegistry(world.RegistryConfig{
		Loader:   loader,
		Pool:     pool,
		Executor: queue,
	})
	require.NoError(t, err)

	return &harness{t: t, srv: New(cfg, reg, queue, nil), queue: queue, loader: loader}
}

// pump выполняет тики до выполнения условия
func (h *harness) pump(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.queue.Drain()
		return cond()
	}, 5*time.Second, time.Millisecond, msg)
}

func (h *harness) connect(ctx context.Context, id string) *fakeConn {
	h.t.Helper()
	c := newFakeConn(id)
	go h.srv.HandleConn(ctx, c)
	h.pump(func() bool { return len(c.teleports()) > 0 }, "игрок не размещён")
	tp := c.teleports()[0]
	c.incoming <- &protocol.TeleportConfirmPacket{TeleportID: tp.TeleportID}
	return c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ViewDistance = 1
	cfg.KeepAliveInterval = time.Hour
	return cfg
}

func TestJoinPlacesPlayerOnSurface(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.connect(ctx, "a")

	packets := c.packets()
	join, ok := packets[0].(*protocol.JoinGamePacket)
	require.True(t, ok, "первым отправляется JoinGame")
	assert.Equal(t, int32(1), join.EntityID)
	assert.Equal(t, int32(1), join.ViewDistance)

	tp := c.teleports()[0]
	assert.Equal(t, world.NewFlatGenerator().SurfaceY(), tp.Y)
	assert.Equal(t, 8.5, tp.X)

	h.pump(func() bool { return len(h.srv.Chunks().Resident()) == 9 }, "чанки обзора не загружены")
	assert.Equal(t, 1, h.srv.Viewers(world.ChunkCoord{}))
	assert.Equal(t, 1, h.srv.Players().Len())
}

func TestMoveAcrossChunkShiftsView(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.connect(ctx, "a")
	h.pump(func() bool { return len(h.srv.Chunks().Resident()) == 9 }, "чанки обзора не загружены")

	c.incoming <- &protocol.PlayerPositionPacket{X: 24.5, Y: 4, Z: 8.5, OnGround: true}
	h.pump(func() bool {
		p, ok := h.srv.Players().Get(1)
		return ok && p.Position().X == 24.5
	}, "перемещение не применено")

	// Колонка X=-1 уходит из обзора, X=2 появляется
	h.pump(func() bool { return countOf[*protocol.UnloadChunkPacket](c) == 3 }, "нет UnloadChunk")
	assert.Equal(t, 0, h.srv.Viewers(world.ChunkCoord{X: -1}))
	assert.Equal(t, 1, h.srv.Viewers(world.ChunkCoord{X: 2}))
	h.pump(func() bool {
		return h.srv.Chunks().IsLoaded(world.ChunkCoord{X: 2}) &&
			!h.srv.Chunks().IsLoaded(world.ChunkCoord{X: -1})
	}, "обзор не сдвинулся")

	// Выгруженный чанк сохранён
	stored, err := h.loader.LoadChunk(ctx, world.ChunkCoord{X: -1})
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestMoveIntoUnloadedChunkCorrected(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.connect(ctx, "a")
	h.pump(func() bool { return len(h.srv.Chunks().Resident()) == 9 }, "чанки обзора не загружены")

	c.incoming <- &protocol.PlayerPositionPacket{X: 1000, Y: 4, Z: 1000}
	h.pump(func() bool { return len(c.teleports()) == 2 }, "нет корректирующего пакета")

	correction := c.teleports()[1]
	assert.Equal(t, 8.5, correction.X)
	assert.Equal(t, int32(2), correction.TeleportID)
	assert.False(t, h.srv.Chunks().IsLoaded(world.ChunkCoord{X: 62, Z: 62}), "отказ не загружает чанк")

	// Пока телепорт не подтверждён, движения игнорируются
	c.incoming <- &protocol.PlayerPositionPacket{X: 9, Y: 4, Z: 9}
	h.pump(func() bool { return len(c.incoming) == 0 && h.queue.Len() == 0 }, "пакет не обработан")
	p, _ := h.srv.Players().Get(1)
	assert.Equal(t, 8.5, p.Position().X)
}

func TestMovesBroadcastToViewers(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := h.connect(ctx, "a")
	b := h.connect(ctx, "b")
	h.pump(func() bool { return h.srv.Players().Len() == 2 }, "игроки не вошли")

	a.incoming <- &protocol.PlayerRotationPacket{Yaw: 90, Pitch: 0, OnGround: true}
	h.pump(func() bool { return countOf[*protocol.EntityTeleportPacket](b) == 1 }, "наблюдатель не получил перемещение")
	assert.Zero(t, countOf[*protocol.EntityTeleportPacket](a), "себе не отправляется")

	for _, p := range b.packets() {
		if et, ok := p.(*protocol.EntityTeleportPacket); ok {
			assert.Equal(t, int32(1), et.EntityID)
			assert.Equal(t, float32(90), et.Yaw)
		}
	}
}

func TestDisconnectUnloadsUnwatchedChunks(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := h.connect(ctx, "a")
	b := h.connect(ctx, "b")
	h.pump(func() bool { return len(h.srv.Chunks().Resident()) == 9 }, "чанки обзора не загружены")
	assert.Equal(t, 2, h.srv.Viewers(world.ChunkCoord{}))

	a.Close()
	h.pump(func() bool { return h.srv.Players().Len() == 1 }, "игрок не удалён")
	assert.Equal(t, 1, h.srv.Viewers(world.ChunkCoord{}))
	assert.Len(t, h.srv.Chunks().Resident(), 9, "второй игрок продолжает видеть чанки")

	b.Close()
	h.pump(func() bool {
		return h.srv.Players().Len() == 0 && len(h.srv.Chunks().Resident()) == 0 &&
			h.srv.Chunks().InFlight() == 0
	}, "чанки не выгружены")
	assert.Equal(t, 9, h.loader.Len())
}

func TestKeepAliveTimeoutKicks(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = time.Second
	cfg.KeepAliveTimeout = 5 * time.Second
	h := newHarness(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Unix(1_700_000_000, 0)
	h.srv.now = func() time.Time { return now }

	c := h.connect(ctx, "a")
	h.pump(func() bool { return h.srv.Players().Len() == 1 }, "игрок не вошёл")

	h.srv.onTick(1, 0)
	require.Equal(t, 1, countOf[*protocol.KeepAlivePacket](c))

	now = now.Add(10 * time.Second)
	h.srv.onTick(2, 0)
	h.pump(func() bool { return h.srv.Players().Len() == 0 }, "молчащий игрок не отключён")
	assert.Equal(t, 1, countOf[*protocol.DisconnectPacket](c))
}

func TestKeepAliveAcknowledged(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = time.Second
	h := newHarness(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Unix(1_700_000_000, 0)
	h.srv.now = func() time.Time { return now }

	c := h.connect(ctx, "a")
	h.pump(func() bool { return h.srv.Players().Len() == 1 }, "игрок не вошёл")

	h.srv.onTick(1, 0)
	var id int64
	for _, p := range c.packets() {
		if ka, ok := p.(*protocol.KeepAlivePacket); ok {
			id = ka.KeepAliveID
		}
	}
	now = now.Add(50 * time.Millisecond)
	c.incoming <- &protocol.KeepAliveResponsePacket{KeepAliveID: id}
	h.pump(func() bool {
		p, _ := h.srv.Players().Get(1)
		return p != nil && p.Latency() == 50*time.Millisecond
	}, "ответ не обработан")

	now = now.Add(2 * time.Second)
	h.srv.onTick(2, 0)
	assert.Equal(t, 2, countOf[*protocol.KeepAlivePacket](c))
	assert.Equal(t, 1, h.srv.Players().Len())
}

func TestServerFullRejects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 1
	h := newHarness(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.connect(ctx, "a")
	extra := newFakeConn("b")
	go h.srv.HandleConn(ctx, extra)
	h.pump(func() bool { return countOf[*protocol.DisconnectPacket](extra) == 1 }, "лишний игрок не отклонён")
	assert.Equal(t, 1, h.srv.Players().Len())
}

func TestShutdownSavesWorld(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.connect(ctx, "a")
	h.pump(func() bool { return len(h.srv.Chunks().Resident()) == 9 }, "чанки обзора не загружены")

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go h.srv.Loop().Run(loopCtx)

	require.NoError(t, h.srv.Shutdown())
	assert.True(t, h.srv.Chunks().Closed())
	assert.Empty(t, h.srv.Chunks().Resident())
	assert.Equal(t, 9, h.loader.Len())
	assert.Equal(t, 1, countOf[*protocol.DisconnectPacket](c))
}

func TestUnloadChunkAndKick(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.connect(ctx, "a")
	h.pump(func() bool { return len(h.srv.Chunks().Resident()) == 9 }, "чанки обзора не загружены")

	unload := func(coord world.ChunkCoord) error {
		res := make(chan error, 1)
		go func() { res <- h.srv.UnloadChunk(ctx, coord) }()
		var err error
		h.pump(func() bool {
			select {
			case err = <-res:
				return true
			default:
				return false
			}
		}, "UnloadChunk не завершился")
		return err
	}

	assert.ErrorIs(t, unload(world.ChunkCoord{}), ErrChunkInView)
	assert.ErrorIs(t, unload(world.ChunkCoord{X: 40}), world.ErrNotResident)

	assert.False(t, h.srv.Kick(99, "нет такого"))
	require.True(t, h.srv.Kick(1, "проверка"))
	h.pump(func() bool { return countOf[*protocol.DisconnectPacket](c) == 1 }, "нет Disconnect")
	h.pump(func() bool { return h.srv.Players().Len() == 0 }, "игрок не отключён")

	h.pump(func() bool {
		return len(h.srv.Chunks().Resident()) == 0 && h.srv.Chunks().InFlight() == 0
	}, "чанки не выгружены")
	assert.ErrorIs(t, unload(world.ChunkCoord{}), world.ErrNotResident)
}
