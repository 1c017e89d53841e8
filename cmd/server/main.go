package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/annel0/blockcore/internal/app"
	"github.com/annel0/blockcore/internal/config"
	"github.com/annel0/blockcore/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или "+config.PathEnv+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка конфигурации: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("❌ %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("👋 Сервер успешно остановлен")
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("🎮 Запуск сервера: %s (%s), хранилище %s", cfg.Server.Addr, cfg.Server.Transport, cfg.Storage.Backend)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("инициализация: %w", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("работа сервера: %w", err)
	}
	return nil
}
