package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel(" warning "))
	assert.Equal(t, TRACE, ParseLevel("TRACE"))
	assert.Equal(t, INFO, ParseLevel(""))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}

func TestLoggerRespectsLevel(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := FromZap(zap.New(core), WARN)

	logger.Info("не должно попасть")
	logger.Warn("чанк %d,%d не сохранён", 1, 2)
	logger.Error("ошибка")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "чанк 1,2 не сохранён", entries[0].Message)
	}
}

func TestManagerCachesComponents(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := NewManager(FromZap(zap.New(core), DEBUG))

	a := m.Get("registry")
	b := m.Get("registry")
	assert.Same(t, a, b)

	m.Get("network").Info("hello")
	assert.Equal(t, []string{"network", "registry"}, m.ListComponents())
	assert.Equal(t, "network", logs.All()[0].LoggerName)
}

func TestNopLoggerIsSilent(t *testing.T) {
	l := NewNop()
	assert.False(t, l.Enabled(ERROR))
	l.Error("ничего")

	var nilLogger *Logger
	assert.False(t, nilLogger.Enabled(INFO))
	assert.NotNil(t, nilLogger.Component("x"))
}

func TestHexDumpLimits(t *testing.T) {
	assert.Equal(t, "No data", HexDump(nil))
	dump := HexDump(make([]byte, 1024))
	assert.Contains(t, dump, "000000f0")
	assert.NotContains(t, dump, "00000100")
}
