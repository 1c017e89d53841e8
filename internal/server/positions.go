package server

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/blockcore/internal/player"
	"github.com/annel0/blockcore/internal/world"
)

const positionTimeout = 5 * time.Second

// PositionStore хранилище последних позиций игроков
type PositionStore interface {
	Save(ctx context.Context, id uuid.UUID, pos world.Position) error
	Load(ctx context.Context, id uuid.UUID) (world.Position, bool, error)
	BatchSave(ctx context.Context, positions map[uuid.UUID]world.Position) error
}

// SetPositionStore включает сохранение позиций игроков между сессиями.
// Вызывается до Run.
func (s *Server) SetPositionStore(store PositionStore) {
	s.positions = store
}

// loadPosition вызывается в горутине соединения, не на тиковом потоке
func (s *Server) loadPosition(ctx context.Context, p *player.Player) (world.Position, bool) {
	if s.positions == nil {
		return world.Position{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, positionTimeout)
	defer cancel()

	pos, ok, err := s.positions.Load(ctx, p.UUID())
	if err != nil {
		s.logger.Warn("Позиция %s не загружена: %v", p.Name(), err)
		return world.Position{}, false
	}
	if ok && (pos.Y < 0 || pos.Y > world.ChunkHeight) {
		s.logger.Debug("Позиция %s вне мира, игрок появится на спавне", p.Name())
		return world.Position{}, false
	}
	return pos, ok
}

func (s *Server) storePosition(p *player.Player) {
	if s.positions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), positionTimeout)
	defer cancel()
	if err := s.positions.Save(ctx, p.UUID(), p.Position()); err != nil {
		s.logger.Warn("Позиция %s не сохранена: %v", p.Name(), err)
	}
}

// SavePositions сохраняет позиции всех размещённых игроков
func (s *Server) SavePositions(ctx context.Context) (int, error) {
	if s.positions == nil {
		return 0, nil
	}
	batch := make(map[uuid.UUID]world.Position)
	for _, sess := range s.sessionList() {
		if sess.placed.Load() {
			batch[sess.player.UUID()] = sess.player.Position()
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := s.positions.BatchSave(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}
