package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync/atomic"

	"github.com/annel0/blockcore/internal/movement"
	"github.com/annel0/blockcore/internal/network"
	"github.com/annel0/blockcore/internal/player"
	"github.com/annel0/blockcore/internal/protocol"
	"github.com/annel0/blockcore/internal/world"
)

type session struct {
	conn   Conn
	player *player.Player

	// home сохранённая позиция игрока, если restored
	home     world.Position
	restored bool
	placed   atomic.Bool

	// Поля ниже изменяются только на тиковом потоке
	view   map[world.ChunkCoord]struct{}
	joined bool
	left   bool
}

func (s *session) sees(c world.ChunkCoord) bool {
	_, ok := s.view[c]
	return ok
}

// HandleConn обслуживает соединение до его закрытия: регистрирует игрока,
// передаёт входящие пакеты в тиковую очередь и убирает игрока при выходе.
func (s *Server) HandleConn(ctx context.Context, c Conn) {
	id := s.players.NextID()
	p := player.New(id, fmt.Sprintf("player%d", id), c, s.spawnPosition(), s.logger.Component("player"))
	sess := &session{conn: c, player: p, view: make(map[world.ChunkCoord]struct{})}
	sess.home, sess.restored = s.loadPosition(ctx, p)

	s.queue.Execute(func() { s.join(sess) })
	defer func() {
		s.queue.Execute(func() { s.leave(sess) })
		if sess.placed.Load() {
			s.storePosition(p)
		}
	}()

	for {
		pkt, err := c.ReadPacket()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownPacket) {
				continue
			}
			if isClosed(err) || ctx.Err() != nil {
				s.logger.Debug("👋 %s отключился", p.Name())
			} else {
				s.logger.Warn("Соединение %s прервано: %v", c.ID(), err)
			}
			return
		}
		s.queue.Execute(func() { s.handlePacket(sess, pkt) })
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, network.ErrConnClosed)
}

func (s *Server) spawnPosition() world.Position {
	return world.Position{X: s.cfg.SpawnX, Y: world.ChunkHeight, Z: s.cfg.SpawnZ}
}

func (s *Server) join(sess *session) {
	p := sess.player
	if err := s.players.Add(p); err != nil {
		s.logger.Warn("Игрок %s не принят: %v", p.Name(), err)
		s.kick(sess, err.Error())
		sess.left = true
		return
	}
	s.mu.Lock()
	s.sessions[p.EntityID()] = sess
	s.mu.Unlock()
	s.online.Inc()

	err := sess.conn.Send(&protocol.JoinGamePacket{
		EntityID:     p.EntityID(),
		GameMode:     s.cfg.GameMode,
		Hardcore:     s.cfg.Hardcore,
		Dimension:    protocol.DimensionOverworld,
		MaxPlayers:   uint8(min(s.cfg.MaxPlayers, math.MaxUint8)),
		LevelType:    s.cfg.LevelType,
		ViewDistance: s.cfg.ViewDistance,
	})
	if err != nil {
		s.logger.Warn("JoinGame для %s не доставлен: %v", p.Name(), err)
		sess.conn.Close()
		return
	}
	s.logger.Info("🎮 %s вошёл в игру (id %d)", p.Name(), p.EntityID())

	spawn := s.spawnPosition()
	if sess.restored {
		spawn = sess.home
	}
	s.updateView(sess, spawn.Chunk())
	s.chunks.EnsureLoaded(spawn.Chunk(), func(c *world.Chunk, err error) {
		if sess.left {
			return
		}
		if err != nil {
			s.logger.Error("Чанк спавна %s недоступен: %v", spawn.Chunk(), err)
			s.kick(sess, "Мир недоступен")
			return
		}
		if !sess.restored {
			lx := int(math.Floor(spawn.X)) & (world.ChunkSize - 1)
			lz := int(math.Floor(spawn.Z)) & (world.ChunkSize - 1)
			spawn.Y = float64(c.HighestBlock(lx, lz) + 1)
		}
		if err := p.Teleport(spawn); err != nil {
			s.logger.Warn("Не удалось разместить %s: %v", p.Name(), err)
			sess.conn.Close()
			return
		}
		sess.joined = true
		sess.placed.Store(true)
	})
}

func (s *Server) leave(sess *session) {
	if sess.left {
		return
	}
	sess.left = true
	p := sess.player

	s.mu.Lock()
	delete(s.sessions, p.EntityID())
	s.mu.Unlock()
	if s.players.Remove(p.EntityID()) {
		s.online.Dec()
	}

	for coord := range sess.view {
		delete(sess.view, coord)
		s.release(coord)
	}
	s.logger.Info("🚪 %s вышел из игры", p.Name())
}

func (s *Server) handlePacket(sess *session, pkt protocol.ServerboundPacket) {
	if sess.left {
		return
	}
	p := sess.player
	switch pk := pkt.(type) {
	case *protocol.TeleportConfirmPacket:
		p.ConfirmTeleport(pk.TeleportID)
	case *protocol.KeepAliveResponsePacket:
		if err := p.AcknowledgeKeepAlive(pk.KeepAliveID, s.now()); err != nil {
			s.logger.Debug("%s: %v", p.Name(), err)
		}
	default:
		u, ok := movement.FromPacket(pkt)
		if !ok {
			return
		}
		// До подтверждения телепорта клиент шлёт устаревшие координаты
		if !sess.joined || p.AwaitingTeleport() {
			return
		}
		before := p.Position().Chunk()
		res := s.pipeline.Handle(p, u)
		if res.Committed() && res.Position.Chunk() != before {
			s.updateView(sess, res.Position.Chunk())
		}
	}
}

// updateView подписывает сессию на чанки в радиусе обзора вокруг center
// и отписывает от вышедших из него.
func (s *Server) updateView(sess *session, center world.ChunkCoord) {
	wanted := world.Square(center, s.cfg.ViewDistance)
	inView := make(map[world.ChunkCoord]struct{}, len(wanted))
	for _, coord := range wanted {
		inView[coord] = struct{}{}
		if _, ok := sess.view[coord]; ok {
			continue
		}
		sess.view[coord] = struct{}{}
		s.acquire(coord)
	}
	for coord := range sess.view {
		if _, ok := inView[coord]; ok {
			continue
		}
		delete(sess.view, coord)
		if err := sess.conn.Send(&protocol.UnloadChunkPacket{ChunkX: coord.X, ChunkZ: coord.Z}); err != nil {
			s.logger.Debug("UnloadChunk для %s не доставлен: %v", sess.player.Name(), err)
		}
		s.release(coord)
	}
}

func (s *Server) acquire(coord world.ChunkCoord) {
	s.viewers[coord]++
	if s.viewers[coord] > 1 {
		return
	}
	s.chunks.EnsureLoaded(coord, func(_ *world.Chunk, err error) {
		if err != nil {
			s.logger.Warn("Чанк %s не загружен: %v", coord, err)
			return
		}
		// Все наблюдатели ушли, пока чанк загружался
		if s.viewers[coord] == 0 {
			s.unloadIfResident(coord)
		}
	})
}

func (s *Server) release(coord world.ChunkCoord) {
	s.viewers[coord]--
	if s.viewers[coord] > 0 {
		return
	}
	delete(s.viewers, coord)
	s.unloadIfResident(coord)
}

func (s *Server) unloadIfResident(coord world.ChunkCoord) {
	if s.chunks.State(coord) != world.Resident {
		return
	}
	if err := s.chunks.Unload(coord); err != nil && !errors.Is(err, world.ErrNotResident) {
		s.logger.Warn("Не удалось выгрузить %s: %v", coord, err)
	}
}

// Viewers число сессий, видящих чанк. Только для тикового потока.
func (s *Server) Viewers(coord world.ChunkCoord) int {
	return s.viewers[coord]
}
