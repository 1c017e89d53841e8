package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTelemetryDisabled(t *testing.T) {
	shutdown, err := InitTelemetry(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTelemetryWithExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "127.0.0.1:4318"

	// экспортер подключается лениво, коллектор не нужен
	shutdown, err := InitTelemetry(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown(context.Background())
}

func TestInitTelemetryRejectsBadSentryDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SentryDSN = "не-dsn"

	_, err := InitTelemetry(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestCaptureErrorWithoutClient(t *testing.T) {
	assert.NotPanics(t, func() {
		CaptureError(nil)
		CaptureError(errors.New("boom"))
	})
}
