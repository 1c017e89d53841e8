package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockcore/internal/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Players.Backend = "memory"
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Admin.GRPCAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

func TestNewInstallsObservers(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"rotation", "speed", "border"}, a.Server().Pipeline().Observers())
	assert.NotNil(t, a.publisher)

	families, err := a.Metrics().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["blockcore_players_online"])
}

func TestNewWithoutEventBus(t *testing.T) {
	cfg := testConfig()
	cfg.EventBus.Backend = "none"

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.bus)
	assert.Nil(t, a.publisher)
}

func TestNewFailsOnBadStorage(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "floppy"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run не завершился")
	}
	assert.True(t, a.chunks.Closed())
}
