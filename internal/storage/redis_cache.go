package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/world"
)

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`             // Адрес Redis сервера
	Password  string        `yaml:"password" env:"PASSWORD"`     // Пароль (пустой если не требуется)
	DB        int           `yaml:"db" env:"DB"`                 // Номер базы данных
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"` // Префикс для ключей
	TTL       time.Duration `yaml:"ttl" env:"TTL"`               // Время жизни записей
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "blockcore:chunk:",
		TTL:       10 * time.Minute,
	}
}

// RedisCache кеширует сериализованные чанки в Redis поверх основного
// хранилища. Запись сквозная: сначала основное хранилище, затем кеш.
// Ошибки Redis не считаются ошибками загрузки или сохранения.
type RedisCache struct {
	inner  Backend
	client *redis.Client
	codec  *Codec
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisCache подключается к Redis и оборачивает inner
func NewRedisCache(inner Backend, cfg RedisConfig, codec *Codec, logger *logging.Logger) (*RedisCache, error) {
	def := DefaultRedisConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if codec == nil {
		codec = MustCodec()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		inner:  inner,
		client: client,
		codec:  codec,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

func (r *RedisCache) key(coord world.ChunkCoord) string {
	return fmt.Sprintf("%s%d:%d", r.prefix, coord.X, coord.Z)
}

// LoadChunk реализует world.ChunkLoader
func (r *RedisCache) LoadChunk(ctx context.Context, coord world.ChunkCoord) (*world.Chunk, error) {
	data, err := r.client.Get(ctx, r.key(coord)).Bytes()
	switch {
	case err == nil:
		c, derr := r.codec.Decode(data)
		if derr == nil {
			return c, nil
		}
		r.logger.Warn("Повреждённая запись кеша %s: %v", coord, derr)
		r.invalidate(ctx, coord)
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("Redis недоступен при чтении %s: %v", coord, err)
	}

	c, err := r.inner.LoadChunk(ctx, coord)
	if err != nil || c == nil {
		return c, err
	}
	if data, err := r.codec.Encode(c); err == nil {
		if err := r.client.Set(ctx, r.key(coord), data, r.ttl).Err(); err != nil {
			r.logger.Warn("Не удалось закешировать чанк %s: %v", coord, err)
		}
	}
	return c, nil
}

// SaveChunk реализует world.ChunkLoader. Если кеш не удалось обновить,
// запись удаляется: кеш не должен расходиться с хранилищем.
func (r *RedisCache) SaveChunk(ctx context.Context, c *world.Chunk) error {
	if err := r.inner.SaveChunk(ctx, c); err != nil {
		r.invalidate(ctx, c.Coord())
		return err
	}
	data, err := r.codec.Encode(c)
	if err != nil {
		r.logger.Warn("Не удалось сериализовать чанк %s для кеша: %v", c.Coord(), err)
		r.invalidate(ctx, c.Coord())
		return nil
	}
	if err := r.client.Set(ctx, r.key(c.Coord()), data, r.ttl).Err(); err != nil {
		r.logger.Warn("Не удалось обновить кеш чанка %s: %v", c.Coord(), err)
		r.invalidate(ctx, c.Coord())
	}
	return nil
}

func (r *RedisCache) invalidate(ctx context.Context, coord world.ChunkCoord) {
	if err := r.client.Del(ctx, r.key(coord)).Err(); err != nil {
		r.logger.Error("❌ Не удалось сбросить кеш чанка %s, запись может быть устаревшей до истечения TTL: %v", coord, err)
	}
}

// Coords делегирует основному хранилищу
func (r *RedisCache) Coords(ctx context.Context) ([]world.ChunkCoord, error) {
	return r.inner.Coords(ctx)
}

// Close закрывает клиент Redis и основное хранилище
func (r *RedisCache) Close() error {
	return errors.Join(r.client.Close(), r.inner.Close())
}

func (r *RedisCache) SupportsParallelLoading() bool { return r.inner.SupportsParallelLoading() }
func (r *RedisCache) SupportsParallelSaving() bool  { return r.inner.SupportsParallelSaving() }
