// Package server связывает сетевые сессии, тиковый цикл, реестр чанков и
// конвейер перемещений в игровой сервер.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/movement"
	"github.com/annel0/blockcore/internal/network"
	"github.com/annel0/blockcore/internal/player"
	"github.com/annel0/blockcore/internal/protocol"
	"github.com/annel0/blockcore/internal/tick"
	"github.com/annel0/blockcore/internal/world"
)

// Conn соединение клиента с точки зрения сервера
type Conn interface {
	ID() string
	Send(p protocol.Packet) error
	ReadPacket() (protocol.ServerboundPacket, error)
	Close() error
}

// ErrChunkInView чанк видит хотя бы один игрок
var ErrChunkInView = errors.New("чанк виден игрокам")

// Server игровой сервер. Состояние сессий и подписок на чанки изменяется
// только на тиковом потоке.
type Server struct {
	cfg      Config
	chunks   *world.Registry
	queue    *tick.Queue
	loop     *tick.Loop
	pipeline *movement.Pipeline
	players  *player.Manager
	logger   *logging.Logger

	mu       sync.RWMutex
	sessions map[int32]*session

	positions PositionStore

	viewers       map[world.ChunkCoord]int
	lastKeepAlive time.Time
	now           func() time.Time

	online prometheus.Gauge
}

// New создаёт сервер. Реестр должен завершать операции через queue.
func New(cfg Config, chunks *world.Registry, queue *tick.Queue, logger *logging.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		chunks:   chunks,
		queue:    queue,
		loop:     tick.NewLoop(queue, cfg.TPS, logger.Component("tick")),
		pipeline: movement.NewPipeline(chunks, logger.Component("movement")),
		players:  player.NewManager(cfg.MaxPlayers),
		logger:   logger,
		sessions: make(map[int32]*session),
		viewers:  make(map[world.ChunkCoord]int),
		now:      time.Now,
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockcore",
			Name:      "players_online",
			Help:      "Игроки в мире",
		}),
	}
	_ = s.pipeline.AddListener("broadcast", s.broadcastMove)
	s.loop.OnTick(s.onTick)
	return s
}

// Register регистрирует метрики сервера и его компонентов
func (s *Server) Register(reg prometheus.Registerer) error {
	if err := reg.Register(s.online); err != nil {
		return err
	}
	if err := s.loop.Register(reg); err != nil {
		return err
	}
	return s.pipeline.Register(reg)
}

// Pipeline конвейер перемещений для подключения наблюдателей
func (s *Server) Pipeline() *movement.Pipeline { return s.pipeline }

// Players реестр игроков
func (s *Server) Players() *player.Manager { return s.players }

// Chunks реестр чанков
func (s *Server) Chunks() *world.Registry { return s.chunks }

// Loop тиковый цикл
func (s *Server) Loop() *tick.Loop { return s.loop }

// Run запускает тиковый цикл, приём соединений и автосохранение. После
// отмены ctx соединения закрываются, чанки сохраняются, цикл
// останавливается последним.
func (s *Server) Run(ctx context.Context, l network.Listener, metrics *network.Metrics) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.loop.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	netSrv := network.NewServer(l, func(ctx context.Context, c *network.Conn) {
		s.HandleConn(ctx, c)
	}, s.cfg.ConnConfig(), metrics, s.logger.Component("network"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return netSrv.Serve(gctx) })
	g.Go(func() error {
		s.autosave(gctx)
		return nil
	})
	runErr := g.Wait()

	return errors.Join(runErr, s.Shutdown())
}

// Shutdown сохраняет и выгружает все чанки. Тиковый цикл должен работать.
func (s *Server) Shutdown() error {
	s.logger.Info("🛑 Остановка сервера")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	s.queue.Execute(func() {
		for _, sess := range s.sessionList() {
			s.kick(sess, "Сервер остановлен")
		}
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := s.chunks.Close(ctx); err != nil && !errors.Is(err, world.ErrRegistryClosed) {
		return fmt.Errorf("закрытие мира: %w", err)
	}
	return nil
}

func (s *Server) autosave(ctx context.Context) {
	if s.cfg.AutosaveInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SaveAll(ctx)
			if _, err := s.SavePositions(ctx); err != nil {
				s.logger.Error("💾 Позиции игроков не сохранены: %v", err)
			}
		}
	}
}

// SaveAll сохраняет изменённые чанки и логирует итог
func (s *Server) SaveAll(ctx context.Context) (int, error) {
	started := time.Now()
	n, err := s.chunks.SaveAll(ctx)
	if err != nil {
		s.logger.Error("💾 Автосохранение: %d чанков, ошибки: %v", n, err)
		return n, err
	}
	if n > 0 {
		s.logger.Info("💾 Сохранено чанков: %d за %v", n, time.Since(started))
	}
	return n, nil
}

// onTick рассылает keep-alive и отключает молчащих клиентов
func (s *Server) onTick(_ uint64, _ time.Duration) {
	now := s.now()
	if now.Sub(s.lastKeepAlive) < s.cfg.KeepAliveInterval {
		return
	}
	s.lastKeepAlive = now
	for _, sess := range s.sessionList() {
		if err := sess.player.SendKeepAlive(now, s.cfg.KeepAliveTimeout); err != nil {
			s.logger.Warn("⏰ %s: %v", sess.player.Name(), err)
			s.kick(sess, "Timed out")
		}
	}
}

func (s *Server) sessionList() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Kick отключает игрока по entity id
func (s *Server) Kick(id int32, reason string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.queue.Execute(func() { s.kick(sess, reason) })
	return true
}

// UnloadChunk выгружает чанк, если его не видит ни один игрок.
// Требует работающего тикового цикла.
func (s *Server) UnloadChunk(ctx context.Context, coord world.ChunkCoord) error {
	res := make(chan error, 1)
	s.queue.Execute(func() {
		if s.viewers[coord] > 0 {
			res <- ErrChunkInView
			return
		}
		res <- s.chunks.Unload(coord)
	})
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) kick(sess *session, reason string) {
	if err := sess.conn.Send(&protocol.DisconnectPacket{Reason: reason}); err != nil {
		s.logger.Debug("Disconnect для %s не доставлен: %v", sess.player.Name(), err)
	}
	sess.conn.Close()
}

// broadcastMove сообщает о перемещении игрокам, видящим целевой чанк
func (s *Server) broadcastMove(actor movement.Actor, _, to world.Position, onGround bool) {
	pkt := &protocol.EntityTeleportPacket{
		EntityID: actor.EntityID(),
		X:        to.X, Y: to.Y, Z: to.Z,
		Yaw: to.Yaw, Pitch: to.Pitch,
		OnGround: onGround,
	}
	coord := to.Chunk()
	for _, sess := range s.sessionList() {
		if sess.player.EntityID() == actor.EntityID() || !sess.sees(coord) {
			continue
		}
		if err := sess.conn.Send(pkt); err != nil {
			s.logger.Debug("EntityTeleport для %s не доставлен: %v", sess.player.Name(), err)
		}
	}
}
