package server

import (
	"time"

	"github.com/annel0/blockcore/internal/network"
	"github.com/annel0/blockcore/internal/protocol"
)

// Config параметры игрового сервера
type Config struct {
	Addr                 string             `yaml:"addr" env:"ADDR"`
	Transport            network.Transport  `yaml:"transport" env:"TRANSPORT"`
	CompressionThreshold int                `yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
	TPS                  int                `yaml:"tps" env:"TPS"`
	ViewDistance         int32              `yaml:"view_distance" env:"VIEW_DISTANCE"`
	MaxPlayers           int                `yaml:"max_players" env:"MAX_PLAYERS"`
	LevelType            protocol.LevelType `yaml:"level_type" env:"LEVEL_TYPE"`
	Hardcore             bool               `yaml:"hardcore" env:"HARDCORE"`
	GameMode             protocol.GameMode  `yaml:"game_mode" env:"GAME_MODE"`
	SpawnX               float64            `yaml:"spawn_x" env:"SPAWN_X"`
	SpawnZ               float64            `yaml:"spawn_z" env:"SPAWN_Z"`

	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" env:"KEEP_ALIVE_INTERVAL"`
	KeepAliveTimeout  time.Duration `yaml:"keep_alive_timeout" env:"KEEP_ALIVE_TIMEOUT"`
	AutosaveInterval  time.Duration `yaml:"autosave_interval" env:"AUTOSAVE_INTERVAL"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// SendBuffer очередь исходящих кадров на соединение; переполнение
	// разрывает соединение с клиентом, который не читает данные
	SendBuffer int `yaml:"send_buffer" env:"SEND_BUFFER"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Addr:                 ":25565",
		Transport:            network.TransportTCP,
		CompressionThreshold: 256,
		TPS:                  20,
		ViewDistance:         4,
		MaxPlayers:           20,
		LevelType:            protocol.LevelTypeDefault,
		GameMode:             protocol.GameModeSurvival,
		SpawnX:               8.5,
		SpawnZ:               8.5,
		KeepAliveInterval:    15 * time.Second,
		KeepAliveTimeout:     30 * time.Second,
		AutosaveInterval:     5 * time.Minute,
		ShutdownTimeout:      30 * time.Second,
		ReadTimeout:          45 * time.Second,
		SendBuffer:           network.DefaultSendBuffer,
	}
}

// ConnConfig параметры соединений для сетевого слоя
func (c Config) ConnConfig() network.ConnConfig {
	cc := network.DefaultConnConfig()
	cc.CompressionThreshold = c.CompressionThreshold
	if c.ReadTimeout > 0 {
		cc.ReadTimeout = c.ReadTimeout
	}
	if c.SendBuffer > 0 {
		cc.SendBuffer = c.SendBuffer
	}
	return cc
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.TPS <= 0 {
		c.TPS = def.TPS
	}
	if c.ViewDistance < 0 {
		c.ViewDistance = 0
	}
	if c.LevelType == "" {
		c.LevelType = def.LevelType
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = def.KeepAliveTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}
