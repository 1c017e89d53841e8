// Package app собирает компоненты сервера по конфигурации.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/annel0/blockcore/internal/api"
	"github.com/annel0/blockcore/internal/config"
	"github.com/annel0/blockcore/internal/eventbus"
	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/movement"
	"github.com/annel0/blockcore/internal/network"
	"github.com/annel0/blockcore/internal/observability"
	"github.com/annel0/blockcore/internal/server"
	"github.com/annel0/blockcore/internal/storage"
	"github.com/annel0/blockcore/internal/tick"
	"github.com/annel0/blockcore/internal/worker"
	"github.com/annel0/blockcore/internal/world"
)

// EventSource источник событий сервера в шине
const EventSource = "blockcore"

const busMetricsInterval = 15 * time.Second

// App собранный сервер со всеми вспомогательными службами
type App struct {
	cfg    config.Config
	logger *logging.Logger
	logs   *logging.Manager

	metrics    *prometheus.Registry
	netMetrics *network.Metrics

	backend   storage.Backend
	pool      *worker.Pool
	chunks    *world.Registry
	server    *server.Server
	bus       eventbus.EventBus
	publisher *eventbus.Publisher
	exporter  *eventbus.MetricsExporter
	rest      *api.RestServer
	health    *api.HealthServer

	closers []func() error
}

// New создаёт компоненты, но не открывает сетевые порты
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (_ *App, err error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		logs:    logging.NewManager(logger),
		metrics: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.netMetrics = network.NewMetrics(a.metrics)

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry, a.logs.Get("telemetry"))
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { return shutdownTelemetry(context.Background()) })

	a.backend, err = storage.Open(ctx, cfg.Storage, a.logs.Get("storage"))
	if err != nil {
		return nil, err
	}
	a.onClose(a.backend.Close)
	logger.Info("💾 Хранилище чанков: %s", backendName(cfg.Storage.Backend))

	a.pool = worker.NewPool(cfg.Workers.Count, cfg.Workers.Queue, a.logs.Get("worker"))
	a.onClose(func() error { a.pool.Stop(); return nil })

	queue := tick.NewQueue()
	a.chunks, err = world.NewRegistry(world.RegistryConfig{
		Loader:    a.backend,
		Generator: newGenerator(cfg.World),
		Pool:      a.pool,
		Executor:  queue,
		Logger:    a.logs.Get("world"),
		Metrics:   a.metrics,
		IOTimeout: cfg.World.IOTimeout,
	})
	if err != nil {
		return nil, err
	}

	a.server = server.New(cfg.Server, a.chunks, queue, a.logs.Get("server"))

	positions, err := storage.OpenPositions(ctx, cfg.Players, a.logs.Get("players"))
	if err != nil {
		return nil, err
	}
	if positions != nil {
		a.onClose(positions.Close)
		a.server.SetPositionStore(positions)
		logger.Info("🧭 Позиции игроков: %s", cfg.Players.Backend)
	}

	if err := a.server.Register(a.metrics); err != nil {
		return nil, fmt.Errorf("метрики сервера: %w", err)
	}
	if err := a.installObservers(); err != nil {
		return nil, err
	}

	if err := a.setupEvents(); err != nil {
		return nil, err
	}

	a.rest, err = api.NewRestServer(cfg.Admin, a.server, a.metrics, a.metrics, a.logs.Get("api"))
	if err != nil {
		return nil, err
	}
	a.health = api.NewHealthServer(a.logs.Get("health"))

	return a, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func newGenerator(cfg config.WorldConfig) world.Generator {
	if strings.EqualFold(cfg.Generator, "noise") {
		return world.NewNoiseGenerator(cfg.Seed)
	}
	return world.NewFlatGenerator()
}

func backendName(name string) string {
	if name == "" {
		return "memory"
	}
	return name
}

// installObservers подключает стандартные проверки перемещений
func (a *App) installObservers() error {
	p := a.server.Pipeline()
	mv := a.cfg.Movement
	observers := []struct {
		name string
		obs  movement.Observer
	}{
		{"rotation", movement.NormalizeRotation{}},
		{"speed", movement.SpeedLimit{MaxDistance: mv.MaxDistance}},
		{"border", movement.WorldBorder{Radius: mv.BorderRadius}},
	}
	for _, o := range observers {
		if err := p.AddObserver(o.name, o.obs); err != nil {
			return fmt.Errorf("наблюдатель %s: %w", o.name, err)
		}
	}
	return nil
}

// setupEvents создаёт шину событий и подписывает на неё конвейер и реестр
func (a *App) setupEvents() error {
	cfg := a.cfg.EventBus
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		a.chunks.SetErrorHandler(observability.CaptureError)
		return nil
	case "memory":
		a.bus = eventbus.NewMemoryBus(cfg.Buffer)
	case "nats":
		bus, err := eventbus.NewJetStreamBus(cfg.JetStream)
		if err != nil {
			return fmt.Errorf("шина событий: %w", err)
		}
		a.bus = bus
	default:
		return fmt.Errorf("неизвестная шина событий %q", cfg.Backend)
	}
	a.onClose(a.bus.Close)

	exporter, err := eventbus.NewMetricsExporter(a.bus, a.metrics)
	if err != nil {
		return fmt.Errorf("метрики шины: %w", err)
	}
	a.exporter = exporter

	a.publisher = eventbus.NewPublisher(a.bus, EventSource, cfg.Buffer, a.logs.Get("events"))
	a.onClose(func() error { a.publisher.Close(); return nil })

	if err := a.server.Pipeline().AddListener("events", a.publisher.MoveListener()); err != nil {
		return err
	}
	publishErr := a.publisher.ChunkErrorHandler()
	a.chunks.SetErrorHandler(func(err error) {
		publishErr(err)
		observability.CaptureError(err)
	})

	if a.logger.Enabled(logging.DEBUG) {
		sub, err := eventbus.StartLoggingListener(a.bus, a.logs.Get("events"))
		if err != nil {
			return err
		}
		a.onClose(func() error { sub.Unsubscribe(); return nil })
	}

	a.logger.Info("📣 Шина событий: %s", strings.ToLower(cfg.Backend))
	return nil
}

// Server игровой сервер
func (a *App) Server() *server.Server { return a.server }

// Metrics реестр метрик приложения
func (a *App) Metrics() *prometheus.Registry { return a.metrics }

// Run открывает порты и работает до отмены ctx. При завершении мир
// сохраняется.
func (a *App) Run(ctx context.Context) error {
	listener, err := network.Listen(a.cfg.Server.Transport, a.cfg.Server.Addr, a.logs.Get("network"))
	if err != nil {
		return err
	}

	if a.exporter != nil {
		a.exporter.Start(busMetricsInterval)
		defer a.exporter.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx, listener, a.netMetrics)
	})
	if a.cfg.Admin.Addr != "" {
		g.Go(func() error { return a.rest.Run(gctx) })
	}
	if a.cfg.Admin.GRPCAddr != "" {
		g.Go(func() error { return a.health.Run(gctx, a.cfg.Admin.GRPCAddr) })
	}

	a.health.SetServing(true)
	a.logger.Info("🚀 Сервер запущен на %s (%s)", listener.Addr(), listener.Transport())
	a.logger.Debug("Компоненты: %s", strings.Join(a.logs.ListComponents(), ", "))
	stop := context.AfterFunc(gctx, func() { a.health.SetServing(false) })
	defer stop()

	return g.Wait()
}

// Close освобождает ресурсы в обратном порядке создания
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
