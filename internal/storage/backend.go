package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/world"
)

// Backend загрузчик чанков, который можно перечислить и закрыть
type Backend interface {
	world.ChunkLoader
	io.Closer
	Coords(ctx context.Context) ([]world.ChunkCoord, error)
}

// Config выбор и параметры хранилища
type Config struct {
	Backend string      `yaml:"backend" env:"BACKEND"` // memory, badger, region, sqlite, mysql, mongo
	Path    string      `yaml:"path" env:"PATH"`       // каталог данных для badger, region, sqlite
	DSN     string      `yaml:"dsn" env:"DSN"`         // строка подключения mysql
	Mongo   MongoConfig `yaml:"mongo" envPrefix:"MONGO_"`
	Redis   RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	// CacheEnabled включает кеш Redis поверх основного хранилища
	CacheEnabled bool `yaml:"cache_enabled" env:"CACHE_ENABLED"`
}

// Open создаёт хранилище по конфигурации
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (Backend, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}

	var b Backend
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		b = NewMemoryLoader(codec)
	case "badger":
		b, err = OpenBadger(cfg.Path, codec)
	case "region":
		b, err = OpenRegions(filepath.Join(cfg.Path, "region"), codec)
	case "sqlite":
		b, err = OpenSQLite(filepath.Join(cfg.Path, "chunks.sqlite"), codec)
	case "mysql":
		b, err = OpenMySQL(cfg.DSN, codec)
	case "mongo":
		b, err = OpenMongo(ctx, cfg.Mongo, codec)
	default:
		return nil, fmt.Errorf("неизвестное хранилище чанков: %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("хранилище %s: %w", cfg.Backend, err)
	}

	if cfg.CacheEnabled {
		cached, err := NewRedisCache(b, cfg.Redis, codec, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b = cached
	}
	return b, nil
}

// Copy переносит все чанки из src в dst и возвращает их количество
func Copy(ctx context.Context, dst, src Backend) (int, error) {
	coords, err := src.Coords(ctx)
	if err != nil {
		return 0, fmt.Errorf("перечисление чанков: %w", err)
	}
	n := 0
	for _, coord := range coords {
		c, err := src.LoadChunk(ctx, coord)
		if err != nil {
			return n, &world.ChunkLoadError{Coord: coord, Err: err}
		}
		if c == nil {
			continue
		}
		if err := dst.SaveChunk(ctx, c); err != nil {
			return n, &world.ChunkSaveError{Coord: coord, Err: err}
		}
		n++
	}
	return n, nil
}
