package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/annel0/blockcore/internal/world"
)

// MemoryPositionRepo реализует PositionRepo в памяти.
// Используется в тестах и локальной разработке без БД.
// ВНИМАНИЕ: Данные теряются при перезапуске сервера!
type MemoryPositionRepo struct {
	mu   sync.RWMutex
	data map[uuid.UUID]world.Position
}

// NewMemoryPositionRepo создает новый репозиторий позиций в памяти
func NewMemoryPositionRepo() *MemoryPositionRepo {
	return &MemoryPositionRepo{
		data: make(map[uuid.UUID]world.Position),
	}
}

// Save сохраняет позицию игрока в памяти
func (r *MemoryPositionRepo) Save(ctx context.Context, id uuid.UUID, pos world.Position) error {
	if err := validatePosition(id, pos); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[id] = pos
	return nil
}

// Load загружает позицию игрока из памяти
func (r *MemoryPositionRepo) Load(ctx context.Context, id uuid.UUID) (world.Position, bool, error) {
	if err := ctx.Err(); err != nil {
		return world.Position{}, false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, exists := r.data[id]
	return pos, exists, nil
}

// Delete удаляет сохраненную позицию игрока из памяти
func (r *MemoryPositionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[id]; !exists {
		return ErrPositionNotFound
	}
	delete(r.data, id)
	return nil
}

// BatchSave сохраняет позиции атомарно: при ошибке валидации ничего не меняется
func (r *MemoryPositionRepo) BatchSave(ctx context.Context, positions map[uuid.UUID]world.Position) error {
	for id, pos := range positions {
		if err := validatePosition(id, pos); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pos := range positions {
		r.data[id] = pos
	}
	return nil
}

// Len количество сохранённых позиций
func (r *MemoryPositionRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *MemoryPositionRepo) Close() error { return nil }
