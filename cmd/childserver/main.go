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
	"github.com/annel0/cellgrid/internal/childserver"
	"github.com/annel0/cellgrid/internal/config"
	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/observability"
	"github.com/annel0/cellgrid/internal/parent"
	"github.com/annel0/cellgrid/internal/player"
	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/annel0/cellgrid/internal/session"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/annel0/cellgrid/internal/world"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию ENV CELLGRID_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	closeLogs, err := app.SetupLogging(cfg.Logging, "childserver")
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer closeLogs()

	logging.Info("🎮 Запуск дочернего сервера %s в ячейке %s", cfg.Server.ID, cfg.Server.Coordinate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Init(ctx, cfg.Telemetry, cfg.Server.ID)
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации трассировки: %v", err)
	}

	// === ШИНА И РОДИТЕЛЬ ===
	bus, embedded, err := app.OpenBus(cfg.EventBus)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	exporter := eventbus.NewMetricsExporter(bus, time.Second)
	exporter.Start()

	if logging.ParseLevel(cfg.Logging.Level) <= logging.DEBUG {
		if _, err := eventbus.StartLoggingListener(ctx, bus, protocol.SubjectAll); err != nil {
			logging.Warn("⚠️ Не удалось подписать логгер шины: %v", err)
		}
	}

	grid, err := topology.NewGrid(cfg.Grid.CellSize)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	var parentSvc *parent.Service
	if embedded {
		coord := parent.NewCoordinator(grid, bus)
		parentSvc = parent.NewService(coord, bus)
		if err := parentSvc.Start(ctx); err != nil {
			log.Fatalf("❌ Ошибка запуска встроенного родителя: %v", err)
		}
		logging.Info("🛰️ Родитель запущен в этом процессе")
	}

	// === МИР И ХРАНИЛИЩА ===
	store := world.NewStore(cfg.Grid.RegionLayout())
	closeWorld, err := app.OpenWorld(cfg.Storage, store)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки мира: %v", err)
	}

	positions, closePositions, err := app.OpenPositions(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("❌ Ошибка подключения хранилища позиций: %v", err)
	}

	// === ДОЧЕРНИЙ СЕРВЕР ===
	address := cfg.Server.Address
	if address == "" {
		address = fmt.Sprintf("localhost:%d", cfg.Server.GetKCPPort())
	}
	manager, err := childserver.NewManager(childserver.Config{
		ServerID:       cfg.Server.ID,
		Coordinate:     cfg.Server.Coordinate,
		Address:        address,
		MaxAttempts:    cfg.Registration.MaxAttempts,
		InitialBackoff: cfg.Registration.InitialBackoff,
		MaxBackoff:     cfg.Registration.MaxBackoff,
		ForwardTimeout: cfg.Propagation.ForwardTimeout,
		ForwardWorkers: cfg.Propagation.ForwardWorkers,
		ForwardQueue:   cfg.Propagation.ForwardQueue,
		MaxMisses:      cfg.Propagation.MaxMisses,
	}, bus)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	srv, err := childserver.NewServer(childserver.ServerConfig{
		Manager:      manager,
		Bus:          bus,
		Grid:         grid,
		Registry:     player.NewRegistry(player.Options{}),
		World:        store,
		Positions:    positions,
		MaxHops:      cfg.Propagation.MaxHops,
		PingInterval: cfg.Propagation.PingInterval,
	})
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("❌ Ошибка запуска сервера: %v", err)
	}

	reply, err := manager.Register(ctx)
	if err != nil {
		logging.Error("❌ Регистрация не удалась: %v", err)
		srv.Stop(context.Background())
		os.Exit(1)
	}
	logging.Info("✅ Зарегистрирован в ячейке %s, соседей %d", reply.Coordinate, len(reply.Neighbors))

	// === СЕССИИ ИГРОКОВ ===
	codec, err := session.NewCodec()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer codec.Close()

	kcpAddr := fmt.Sprintf(":%d", cfg.Server.GetKCPPort())
	ln, err := session.ListenKCP(kcpAddr, codec)
	if err != nil {
		log.Fatalf("❌ Ошибка запуска KCP на %s: %v", kcpAddr, err)
	}
	go func() {
		if err := session.NewHandler(srv).ServeListener(ctx, ln); err != nil {
			logging.Error("❌ KCP слушатель остановлен: %v", err)
		}
	}()

	// === REST API ===
	restPort := fmt.Sprintf(":%d", cfg.Server.GetRESTPort())
	restServer := api.NewRestServer(api.Config{
		Port:    restPort,
		Service: cfg.Telemetry.ServiceName,
		Child:   srv,
		Bus:     bus,
	})
	go func() {
		if err := restServer.Start(); err != nil {
			logging.Error("❌ Ошибка REST API: %v", err)
		}
	}()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🎮 Игровой трафик: KCP %s", kcpAddr)
	logging.Info("   🌐 REST API: http://localhost%s", restPort)
	logging.Info("   ❤️  Health check: http://localhost%s/health", restPort)

	<-ctx.Done()
	logging.Info("📡 Получен сигнал, завершение работы...")

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := restServer.Stop(shutdownCtx); err != nil {
		logging.Warn("⚠️ Ошибка остановки REST API: %v", err)
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		logging.Warn("⚠️ Ошибка остановки сервера: %v", err)
	}
	if parentSvc != nil {
		parentSvc.Stop()
	}
	if err := closeWorld(); err != nil {
		logging.Warn("⚠️ Ошибка сохранения мира: %v", err)
	}
	if err := closePositions(); err != nil {
		logging.Warn("⚠️ Ошибка закрытия хранилища позиций: %v", err)
	}
	exporter.Stop()
	if err := bus.Close(); err != nil {
		logging.Warn("⚠️ Ошибка закрытия шины: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logging.Warn("⚠️ Ошибка остановки трассировки: %v", err)
	}

	logging.Info("👋 Сервер остановлен")
}
