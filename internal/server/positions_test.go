package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockcore/internal/player"
	"github.com/annel0/blockcore/internal/protocol"
	"github.com/annel0/blockcore/internal/storage"
	"github.com/annel0/blockcore/internal/world"
)

func TestJoinRestoresSavedPosition(t *testing.T) {
	h := newHarness(t, testConfig())
	repo := storage.NewMemoryPositionRepo()
	h.srv.SetPositionStore(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	home := world.Position{X: 40.5, Y: 20, Z: -7.5, Yaw: 45}
	require.NoError(t, repo.Save(ctx, player.OfflineUUID("player1"), home))

	c := h.connect(ctx, "a")
	tp := c.teleports()[0]
	assert.Equal(t, home.X, tp.X)
	assert.Equal(t, home.Y, tp.Y, "сохранённая высота не заменяется поверхностью")
	assert.Equal(t, home.Z, tp.Z)
	assert.Equal(t, 1, h.srv.Viewers(home.Chunk()))
}

func TestDisconnectStoresPosition(t *testing.T) {
	h := newHarness(t, testConfig())
	repo := storage.NewMemoryPositionRepo()
	h.srv.SetPositionStore(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.connect(ctx, "a")
	c.incoming <- &protocol.PlayerPositionPacket{X: 10, Y: 4, Z: 12, OnGround: true}
	h.pump(func() bool {
		p, ok := h.srv.Players().Get(1)
		return ok && p.Position().X == 10
	}, "перемещение не применено")

	n, err := h.srv.SavePositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c.incoming <- &protocol.PlayerPositionPacket{X: 11, Y: 4, Z: 12, OnGround: true}
	h.pump(func() bool {
		p, ok := h.srv.Players().Get(1)
		return ok && p.Position().X == 11
	}, "перемещение не применено")

	c.Close()
	h.pump(func() bool {
		pos, ok, err := repo.Load(ctx, player.OfflineUUID("player1"))
		return err == nil && ok && pos.X == 11
	}, "позиция не сохранена при выходе")
	h.pump(func() bool { return h.srv.Players().Len() == 0 }, "игрок не удалён")
}

func TestRejectedPlayerPositionNotStored(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 1
	h := newHarness(t, cfg)
	repo := storage.NewMemoryPositionRepo()
	h.srv.SetPositionStore(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.connect(ctx, "a")
	b := newFakeConn("b")
	done := make(chan struct{})
	go func() {
		h.srv.HandleConn(ctx, b)
		close(done)
	}()
	h.pump(func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, "лишний игрок не отключён")

	_, ok, err := repo.Load(ctx, player.OfflineUUID("player2"))
	require.NoError(t, err)
	assert.False(t, ok)
}
