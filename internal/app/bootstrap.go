package app

import (
	"context"
	"fmt"

	"github.com/annel0/cellgrid/internal/config"
	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/storage"
	"github.com/annel0/cellgrid/internal/world"
)

// Closer - функция освобождения ресурса
type Closer func() error

func nopCloser() error { return nil }

// SetupLogging применяет секцию logging конфигурации
func SetupLogging(cfg config.LoggingConfig, component string) (Closer, error) {
	logging.SetDefaultLevel(logging.ParseLevel(cfg.Level))
	if !cfg.Files {
		return nopCloser, nil
	}
	if err := logging.InitDefaultLogger(component); err != nil {
		return nil, err
	}
	logging.GetLoggerManager().EnableFiles(true)
	return func() error {
		logging.CloseDefaultLogger()
		return logging.GetLoggerManager().CloseAll()
	}, nil
}

// OpenBus подключается к NATS или, при пустом URL, создаёт in-memory шину.
// embedded=true означает, что родитель нужно запустить в этом же процессе.
func OpenBus(cfg config.EventBusConfig) (bus eventbus.Bus, embedded bool, err error) {
	if cfg.URL == "" {
		logging.Info("🚌 EventBus: in-memory (URL не задан)")
		return eventbus.NewMemoryBus(4096), true, nil
	}
	nb, err := eventbus.NewNATSBus(cfg.URL, cfg.Name)
	if err != nil {
		return nil, false, fmt.Errorf("подключение к NATS %s: %w", cfg.URL, err)
	}
	return nb, false, nil
}

// OpenPositions выбирает хранилище позиций игроков: MariaDB, MongoDB, Redis или память
func OpenPositions(ctx context.Context, cfg config.StorageConfig) (storage.PositionRepo, Closer, error) {
	switch {
	case cfg.MySQLDSN != "":
		repo, err := storage.NewMariaPositionRepo(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		logging.Info("💾 Позиции игроков: MariaDB")
		return repo, repo.Close, nil
	case cfg.Mongo.URI != "":
		repo, err := storage.NewMongoPositionRepo(ctx, storage.MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			return nil, nil, err
		}
		logging.Info("💾 Позиции игроков: MongoDB %s", cfg.Mongo.Database)
		return repo, repo.Close, nil
	case cfg.Redis.Addr != "":
		rc := storage.DefaultRedisConfig()
		rc.Addr = cfg.Redis.Addr
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.KeyPrefix = cfg.Redis.KeyPrefix
		repo, err := storage.NewRedisPositionRepo(ctx, rc)
		if err != nil {
			return nil, nil, err
		}
		logging.Info("💾 Позиции игроков: Redis %s", cfg.Redis.Addr)
		return repo, repo.Close, nil
	default:
		logging.Info("💾 Позиции игроков: в памяти")
		return storage.NewMemoryPositionRepo(), nopCloser, nil
	}
}

// OpenWorld восстанавливает сохранённые регионы в store.
// Возвращает функцию, которая сохраняет загруженные регионы и закрывает базу.
func OpenWorld(cfg config.StorageConfig, store *world.Store) (Closer, error) {
	if cfg.WorldPath == "" {
		return nopCloser, nil
	}

	ws, err := storage.NewWorldStorage(cfg.WorldPath)
	if err != nil {
		return nil, err
	}
	loaded, rejected, err := ws.RestoreInto(store)
	if err != nil {
		ws.Close()
		return nil, err
	}
	for _, loc := range rejected {
		logging.Warn("⚠️ Регион %v повреждён и не загружен", loc)
	}
	logging.Info("🌍 Загружено регионов: %d", loaded)

	return func() error {
		saved := 0
		for _, loc := range store.LoadedRegions() {
			r, ok := store.Region(loc)
			if !ok {
				continue
			}
			if err := ws.SaveRegion(r, store.ActorsInRegion(loc)); err != nil {
				logging.Error("❌ Не удалось сохранить регион %v: %v", loc, err)
				continue
			}
			saved++
		}
		logging.Info("🌍 Сохранено регионов: %d", saved)
		return ws.Close()
	}, nil
}
