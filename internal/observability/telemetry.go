// Package observability настраивает трассировку OpenTelemetry и отчёты Sentry.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/annel0/blockcore/internal/logging"
)

// Config настройки телеметрии
type Config struct {
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// Endpoint адрес OTLP/HTTP коллектора (host:port). Пустой отключает трассировку.
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	// SentryDSN пустой DSN отключает Sentry
	SentryDSN   string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// DefaultConfig настройки по умолчанию: всё отключено
func DefaultConfig() Config {
	return Config{
		ServiceName: "blockcore",
		Insecure:    true,
		SampleRatio: 1,
		Environment: "development",
	}
}

// ShutdownFunc завершает экспорт телеметрии
type ShutdownFunc func(context.Context) error

// InitTelemetry настраивает OTLP экспортер и устанавливает глобальный TracerProvider.
// Возвращает функцию shutdown, которую нужно вызвать при завершении приложения.
func InitTelemetry(ctx context.Context, cfg Config, logger *logging.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultConfig().ServiceName
	}

	var shutdowns []ShutdownFunc

	if cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("OTLP экспортер: %w", err)
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.DeploymentEnvironment(cfg.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("ресурс OpenTelemetry: %w", err)
		}

		tp := trace.NewTracerProvider(
			trace.WithBatcher(exp),
			trace.WithResource(res),
			trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRatio))),
		)
		otel.SetTracerProvider(tp)
		logger.Info("📡 OpenTelemetry инициализирован (OTLP → %s, service=%s)", cfg.Endpoint, cfg.ServiceName)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			ServerName:  cfg.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
		logger.Info("🛰️ Sentry инициализирован (env=%s)", cfg.Environment)
		shutdowns = append(shutdowns, func(ctx context.Context) error {
			timeout := 2 * time.Second
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
			if !sentry.Flush(timeout) {
				return errors.New("sentry: не все события отправлены")
			}
			return nil
		})
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}
	return shutdown, nil
}

// CaptureError отправляет ошибку в Sentry, если он инициализирован
func CaptureError(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}
