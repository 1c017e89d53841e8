package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/world"
)

const positionKeyPrefix = "blockcore:pos:"

// RedisPositionRepo хранит позиции игроков в Redis. Записи бессрочные,
// если в конфигурации не задан TTL.
type RedisPositionRepo struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

type storedPosition struct {
	Position  world.Position `json:"position"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewRedisPositionRepo подключается к Redis
func NewRedisPositionRepo(ctx context.Context, cfg RedisConfig, logger *logging.Logger) (*RedisPositionRepo, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultRedisConfig().Addr
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = positionKeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Info("🔴 Позиции игроков в Redis %s", cfg.Addr)
	}
	return &RedisPositionRepo{client: client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

func (r *RedisPositionRepo) key(id uuid.UUID) string {
	return r.keyPrefix + id.String()
}

func encodePosition(pos world.Position) ([]byte, error) {
	return json.Marshal(storedPosition{Position: pos, UpdatedAt: time.Now().UTC()})
}

// Save сохраняет позицию игрока
func (r *RedisPositionRepo) Save(ctx context.Context, id uuid.UUID, pos world.Position) error {
	if err := validatePosition(id, pos); err != nil {
		return err
	}
	data, err := encodePosition(pos)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(id), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// Load загружает позицию игрока
func (r *RedisPositionRepo) Load(ctx context.Context, id uuid.UUID) (world.Position, bool, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return world.Position{}, false, nil
	}
	if err != nil {
		return world.Position{}, false, fmt.Errorf("failed to get position: %w", err)
	}

	var stored storedPosition
	if err := json.Unmarshal(data, &stored); err != nil {
		return world.Position{}, false, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return stored.Position, true, nil
}

// Delete удаляет позицию игрока
func (r *RedisPositionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	if n == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// BatchSave сохраняет позиции одним пайплайном
func (r *RedisPositionRepo) BatchSave(ctx context.Context, positions map[uuid.UUID]world.Position) error {
	if len(positions) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for id, pos := range positions {
		if err := validatePosition(id, pos); err != nil {
			return err
		}
		data, err := encodePosition(pos)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.key(id), data, r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute pipeline: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (r *RedisPositionRepo) Close() error {
	return r.client.Close()
}
