package logging

import (
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel определяет уровни логирования
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

// String возвращает строковое представление уровня логирования
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel разбирает уровень из конфигурации, по умолчанию INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// zapLevel сопоставляет уровни с zap. TRACE пишется как debug с полем trace.
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case TRACE, DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config настройки логгера
type Config struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // console или json
	Output string `yaml:"output" env:"OUTPUT"` // stdout, stderr или путь к файлу
}

// Logger логгер компонента. Передаётся явно в конструкторы.
type Logger struct {
	component string
	level     LogLevel
	sugar     *zap.SugaredLogger
	base      *zap.Logger
}

// New создаёт корневой логгер по конфигурации
func New(cfg Config) (*Logger, error) {
	level := ParseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "json") {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.Development = false
	}
	zcfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.DisableStacktrace = true

	output := cfg.Output
	if output == "" {
		output = "stdout"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	base, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("ошибка создания логгера: %w", err)
	}

	return &Logger{level: level, sugar: base.Sugar(), base: base}, nil
}

// FromZap оборачивает готовый zap.Logger
func FromZap(base *zap.Logger, level LogLevel) *Logger {
	return &Logger{level: level, sugar: base.Sugar(), base: base}
}

// NewNop возвращает логгер, отбрасывающий все сообщения
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{level: ERROR + 1, sugar: base.Sugar(), base: base}
}

// Component возвращает дочерний логгер с именем компонента
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return NewNop()
	}
	child := l.base.Named(name)
	return &Logger{component: name, level: l.level, sugar: child.Sugar(), base: child}
}

// With возвращает логгер с дополнительными полями ключ-значение
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l == nil {
		return NewNop()
	}
	sugar := l.sugar.With(keysAndValues...)
	return &Logger{component: l.component, level: l.level, sugar: sugar, base: sugar.Desugar()}
}

// Zap возвращает нижележащий zap.Logger
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// Name возвращает имя компонента
func (l *Logger) Name() string {
	return l.component
}

// Enabled сообщает, пишется ли указанный уровень
func (l *Logger) Enabled(level LogLevel) bool {
	return l != nil && level >= l.level
}

// Trace логирует сообщение уровня TRACE
func (l *Logger) Trace(format string, args ...interface{}) {
	if !l.Enabled(TRACE) {
		return
	}
	l.sugar.Debugw(fmt.Sprintf(format, args...), "trace", true)
}

// Debug логирует сообщение уровня DEBUG
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.Enabled(DEBUG) {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info логирует сообщение уровня INFO
func (l *Logger) Info(format string, args ...interface{}) {
	if !l.Enabled(INFO) {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn логирует сообщение уровня WARN
func (l *Logger) Warn(format string, args ...interface{}) {
	if !l.Enabled(WARN) {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error логирует сообщение уровня ERROR
func (l *Logger) Error(format string, args ...interface{}) {
	if !l.Enabled(ERROR) {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Sync сбрасывает буферы логгера
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.base.Sync()
}

// ProtocolError логирует ошибку разбора входящего кадра с hex дампом
func (l *Logger) ProtocolError(connID string, err error, data []byte) {
	l.Error("Protocol error from %s: %v", connID, err)
	if len(data) > 0 && l.Enabled(DEBUG) {
		l.Debug("Raw data (%d bytes):\n%s", len(data), HexDump(data))
	}
}

// HexDump создает hex дамп данных
func HexDump(data []byte) string {
	if len(data) == 0 {
		return "No data"
	}

	// Ограничиваем размер дампа до 256 байт
	size := len(data)
	if size > 256 {
		size = 256
	}

	return hex.Dump(data[:size])
}
