// Package config загружает конфигурацию сервера из YAML и переменных
// окружения BLOCKCORE_*. Переменные окружения имеют приоритет над файлом.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/annel0/blockcore/internal/api"
	"github.com/annel0/blockcore/internal/eventbus"
	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/network"
	"github.com/annel0/blockcore/internal/observability"
	"github.com/annel0/blockcore/internal/server"
	"github.com/annel0/blockcore/internal/storage"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "BLOCKCORE_"

// PathEnv переменная с путём к файлу, если флаг не задан
const PathEnv = EnvPrefix + "CONFIG"

// Config корневая структура конфигурации приложения
type Config struct {
	Server    server.Config          `yaml:"server" envPrefix:"SERVER_"`
	Storage   storage.Config         `yaml:"storage" envPrefix:"STORAGE_"`
	Players   storage.PositionConfig `yaml:"players" envPrefix:"PLAYERS_"`
	World     WorldConfig            `yaml:"world" envPrefix:"WORLD_"`
	Movement  MovementConfig         `yaml:"movement" envPrefix:"MOVEMENT_"`
	EventBus  EventBusConfig         `yaml:"eventbus" envPrefix:"EVENTBUS_"`
	Admin     api.Config             `yaml:"admin" envPrefix:"ADMIN_"`
	Telemetry observability.Config   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Logging   logging.Config         `yaml:"logging" envPrefix:"LOG_"`
	Workers   WorkerConfig           `yaml:"workers" envPrefix:"WORKERS_"`
}

// WorldConfig генерация и ввод-вывод чанков
type WorldConfig struct {
	Generator string        `yaml:"generator" env:"GENERATOR"` // flat или noise
	Seed      int64         `yaml:"seed" env:"SEED"`
	IOTimeout time.Duration `yaml:"io_timeout" env:"IO_TIMEOUT"`
}

// MovementConfig правила проверки перемещений
type MovementConfig struct {
	// MaxDistance наибольшее перемещение за пакет, 0 отключает проверку
	MaxDistance float64 `yaml:"max_distance" env:"MAX_DISTANCE"`
	// BorderRadius половина стороны границы мира вокруг (0, 0), 0 без границы
	BorderRadius float64 `yaml:"border_radius" env:"BORDER_RADIUS"`
}

// EventBusConfig выбор шины событий
type EventBusConfig struct {
	Backend   string                   `yaml:"backend" env:"BACKEND"` // none, memory, nats
	Buffer    int                      `yaml:"buffer" env:"BUFFER"`
	JetStream eventbus.JetStreamConfig `yaml:"jetstream" envPrefix:"JETSTREAM_"`
}

// WorkerConfig пул воркеров ввода-вывода
type WorkerConfig struct {
	Count int `yaml:"count" env:"COUNT"` // 0 = число CPU
	Queue int `yaml:"queue" env:"QUEUE"`
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		Server: server.DefaultConfig(),
		Storage: storage.Config{
			Backend: "region",
			Path:    "world",
			Mongo: storage.MongoConfig{
				URI:        "mongodb://localhost:27017",
				Database:   "blockcore",
				Collection: "chunks",
			},
			Redis: storage.DefaultRedisConfig(),
		},
		Players: storage.PositionConfig{
			Backend: "sqlite",
			Path:    "world",
			Redis:   storage.DefaultRedisConfig(),
		},
		World: WorldConfig{
			Generator: "flat",
			IOTimeout: 30 * time.Second,
		},
		Movement: MovementConfig{
			MaxDistance:  100,
			BorderRadius: 29_999_984,
		},
		EventBus: EventBusConfig{
			Backend: "memory",
			Buffer:  1024,
			JetStream: eventbus.JetStreamConfig{
				URL: "nats://127.0.0.1:4222",
			},
		},
		Admin:     api.DefaultConfig(),
		Telemetry: observability.DefaultConfig(),
		Logging:   logging.Config{Level: "info", Format: "console"},
	}
}

// Load читает YAML файл и применяет переменные окружения.
// Если path == "", путь берётся из BLOCKCORE_CONFIG; без него используются
// значения по умолчанию.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("чтение конфигурации: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("разбор %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("переменные окружения: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений
func (c Config) Validate() error {
	var errs []error

	switch c.Server.Transport {
	case "", network.TransportTCP, network.TransportKCP, network.TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("server.transport: неизвестный транспорт %q", c.Server.Transport))
	}
	if c.Server.TPS < 0 {
		errs = append(errs, errors.New("server.tps: должно быть положительным"))
	}
	if c.Server.ViewDistance < 0 || c.Server.ViewDistance > 32 {
		errs = append(errs, fmt.Errorf("server.view_distance: %d вне [0, 32]", c.Server.ViewDistance))
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "", "memory":
	case "badger", "region", "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path: обязателен для %s", c.Storage.Backend))
		}
	case "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn: обязателен для mysql"))
		}
	case "mongo":
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, errors.New("storage.mongo.uri: обязателен для mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: неизвестное хранилище %q", c.Storage.Backend))
	}

	switch strings.ToLower(c.Players.Backend) {
	case "", "none", "memory", "redis":
	case "sqlite":
		if c.Players.Path == "" {
			errs = append(errs, errors.New("players.path: обязателен для sqlite"))
		}
	case "mysql":
		if c.Players.DSN == "" {
			errs = append(errs, errors.New("players.dsn: обязателен для mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("players.backend: неизвестное хранилище %q", c.Players.Backend))
	}

	switch strings.ToLower(c.EventBus.Backend) {
	case "", "none", "memory":
	case "nats":
		if c.EventBus.JetStream.URL == "" {
			errs = append(errs, errors.New("eventbus.jetstream.url: обязателен для nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("eventbus.backend: неизвестная шина %q", c.EventBus.Backend))
	}

	switch strings.ToLower(c.World.Generator) {
	case "", "flat", "noise":
	default:
		errs = append(errs, fmt.Errorf("world.generator: неизвестный генератор %q", c.World.Generator))
	}

	if c.Movement.MaxDistance < 0 || c.Movement.BorderRadius < 0 {
		errs = append(errs, errors.New("movement: значения не могут быть отрицательными"))
	}

	return errors.Join(errs...)
}
