package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/world"
)

// ErrPositionNotFound позиция игрока не сохранена
var ErrPositionNotFound = errors.New("позиция не найдена")

// PositionRepo сохраняет последнюю позицию игрока между сессиями.
// Позиции привязаны к UUID игрока, а не к entity id сессии.
type PositionRepo interface {
	// Save сохраняет позицию игрока
	Save(ctx context.Context, id uuid.UUID, pos world.Position) error
	// Load загружает позицию. false, если игрок входит впервые.
	Load(ctx context.Context, id uuid.UUID) (world.Position, bool, error)
	// Delete удаляет позицию, ErrPositionNotFound если её нет
	Delete(ctx context.Context, id uuid.UUID) error
	// BatchSave сохраняет позиции нескольких игроков (автосохранение)
	BatchSave(ctx context.Context, positions map[uuid.UUID]world.Position) error
	Close() error
}

// PositionConfig выбор хранилища позиций игроков
type PositionConfig struct {
	Backend string      `yaml:"backend" env:"BACKEND"` // none, memory, redis, sqlite, mysql
	Path    string      `yaml:"path" env:"PATH"`       // каталог для sqlite
	DSN     string      `yaml:"dsn" env:"DSN"`
	Redis   RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// OpenPositions создаёт хранилище позиций. Для backend none возвращает nil.
func OpenPositions(ctx context.Context, cfg PositionConfig, logger *logging.Logger) (PositionRepo, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryPositionRepo(), nil
	case "redis":
		return NewRedisPositionRepo(ctx, cfg.Redis, logger)
	case "sqlite":
		return NewSQLitePositionRepo(filepath.Join(cfg.Path, "players.sqlite"))
	case "mysql":
		return NewMySQLPositionRepo(cfg.DSN)
	default:
		return nil, fmt.Errorf("неизвестное хранилище позиций: %q", cfg.Backend)
	}
}

// validatePosition отбрасывает координаты, которые нельзя восстановить
func validatePosition(id uuid.UUID, pos world.Position) error {
	if id == uuid.Nil {
		return fmt.Errorf("недействительный UUID игрока")
	}
	for _, v := range []float64{pos.X, pos.Y, pos.Z, float64(pos.Yaw), float64(pos.Pitch)} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("недействительная позиция игрока %s: %+v", id, pos)
		}
	}
	return nil
}
