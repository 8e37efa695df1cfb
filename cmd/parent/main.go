package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/cellgrid/internal/api"
	"github.com/annel0/cellgrid/internal/app"
	"github.com/annel0/cellgrid/internal/config"
	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/observability"
	"github.com/annel0/cellgrid/internal/parent"
	"github.com/annel0/cellgrid/internal/topology"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию ENV CELLGRID_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if cfg.EventBus.URL == "" {
		log.Fatalf("❌ Родителю нужен eventbus.url: дочерние серверы подключаются через NATS")
	}

	closeLogs, err := app.SetupLogging(cfg.Logging, "parent")
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer closeLogs()

	logging.Info("🛰️ Запуск родительского сервера %s", cfg.Server.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Init(ctx, cfg.Telemetry, cfg.Server.ID)
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации трассировки: %v", err)
	}

	bus, _, err := app.OpenBus(cfg.EventBus)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	exporter := eventbus.NewMetricsExporter(bus, time.Second)
	exporter.Start()

	grid, err := topology.NewGrid(cfg.Grid.CellSize)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	coord := parent.NewCoordinator(grid, bus)
	svc := parent.NewService(coord, bus)
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("❌ Ошибка запуска сервиса регистрации: %v", err)
	}

	restPort := fmt.Sprintf(":%d", cfg.Server.GetRESTPort())
	restServer := api.NewRestServer(api.Config{
		Port:    restPort,
		Service: cfg.Telemetry.ServiceName,
		Parent:  coord,
		Bus:     bus,
	})
	go func() {
		if err := restServer.Start(); err != nil {
			logging.Error("❌ Ошибка REST API: %v", err)
		}
	}()

	logging.Info("✅ Родитель готов: NATS %s, REST http://localhost%s", cfg.EventBus.URL, restPort)

	<-ctx.Done()
	logging.Info("📡 Получен сигнал, завершение работы...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := restServer.Stop(shutdownCtx); err != nil {
		logging.Warn("⚠️ Ошибка остановки REST API: %v", err)
	}
	svc.Stop()
	exporter.Stop()
	if err := bus.Close(); err != nil {
		logging.Warn("⚠️ Ошибка закрытия шины: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logging.Warn("⚠️ Ошибка остановки трассировки: %v", err)
	}
	logging.Info("👋 Родитель остановлен (серверов было %d)", len(coord.Servers()))
}
