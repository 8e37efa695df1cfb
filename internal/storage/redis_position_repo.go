package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/cellgrid/internal/logging"
	"github.com/go-redis/redis/v8"
)

// RedisPositionRepo хранит позиции игроков в Redis для быстрого доступа.
// Save буферизует запись, буфер сбрасывается пайплайном по таймеру или при заполнении.
type RedisPositionRepo struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	batchSize int
	logger    *logging.Logger

	batchMu     sync.Mutex
	batchBuffer map[string]PlayerPosition
	batchTicker *time.Ticker
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr         string        // Адрес Redis сервера
	Password     string        // Пароль (пустой если не требуется)
	DB           int           // Номер базы данных
	KeyPrefix    string        // Префикс для ключей
	TTL          time.Duration // Время жизни записей
	BatchSize    int           // Размер батча для записи
	BatchFlushMs int           // Интервал сброса батча в миллисекундах
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "cellgrid:pos:",
		TTL:          30 * time.Minute,
		BatchSize:    100,
		BatchFlushMs: 100,
	}
}

// NewRedisPositionRepo создаёт репозиторий и проверяет подключение
func NewRedisPositionRepo(ctx context.Context, config *RedisConfig) (*RedisPositionRepo, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.BatchFlushMs <= 0 {
		config.BatchFlushMs = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	repo := &RedisPositionRepo{
		client:      client,
		keyPrefix:   config.KeyPrefix,
		ttl:         config.TTL,
		batchSize:   config.BatchSize,
		logger:      logging.GetComponentLogger("redis"),
		batchBuffer: make(map[string]PlayerPosition),
		batchTicker: time.NewTicker(time.Duration(config.BatchFlushMs) * time.Millisecond),
		shutdown:    make(chan struct{}),
	}

	repo.wg.Add(1)
	go repo.batchFlusher()

	repo.logger.Info("🔴 Connected to Redis at %s", config.Addr)
	return repo, nil
}

func (r *RedisPositionRepo) key(playerID string) string {
	return r.keyPrefix + playerID
}

// Save добавляет позицию в батч-буфер
func (r *RedisPositionRepo) Save(ctx context.Context, playerID string, pos PlayerPosition) error {
	if err := validatePosition(playerID, pos); err != nil {
		return err
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now()
	}

	r.batchMu.Lock()
	r.batchBuffer[playerID] = pos
	if len(r.batchBuffer) >= r.batchSize {
		batch := r.batchBuffer
		r.batchBuffer = make(map[string]PlayerPosition)
		r.batchMu.Unlock()
		return r.flushBatch(ctx, batch)
	}
	r.batchMu.Unlock()
	return nil
}

// Load возвращает позицию из буфера или из Redis
func (r *RedisPositionRepo) Load(ctx context.Context, playerID string) (PlayerPosition, bool, error) {
	if playerID == "" {
		return PlayerPosition{}, false, ErrInvalidPlayerID
	}

	r.batchMu.Lock()
	pos, buffered := r.batchBuffer[playerID]
	r.batchMu.Unlock()
	if buffered {
		return pos, true, nil
	}

	data, err := r.client.Get(ctx, r.key(playerID)).Bytes()
	if err == redis.Nil {
		return PlayerPosition{}, false, nil
	} else if err != nil {
		return PlayerPosition{}, false, fmt.Errorf("failed to get position: %w", err)
	}

	if err := json.Unmarshal(data, &pos); err != nil {
		return PlayerPosition{}, false, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return pos, true, nil
}

// Delete удаляет позицию из буфера и из Redis
func (r *RedisPositionRepo) Delete(ctx context.Context, playerID string) error {
	if playerID == "" {
		return ErrInvalidPlayerID
	}

	r.batchMu.Lock()
	_, buffered := r.batchBuffer[playerID]
	delete(r.batchBuffer, playerID)
	r.batchMu.Unlock()

	n, err := r.client.Del(ctx, r.key(playerID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	if n == 0 && !buffered {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, playerID)
	}
	return nil
}

// BatchSave пишет позиции одним пайплайном, минуя буфер
func (r *RedisPositionRepo) BatchSave(ctx context.Context, positions map[string]PlayerPosition) error {
	if len(positions) == 0 {
		return nil
	}
	for id, pos := range positions {
		if err := validatePosition(id, pos); err != nil {
			return err
		}
	}
	return r.flushBatch(ctx, positions)
}

// Count возвращает количество сохранённых позиций (SCAN по префиксу)
func (r *RedisPositionRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count players: %w", err)
	}
	return count, nil
}

// Close сбрасывает буфер и закрывает соединение
func (r *RedisPositionRepo) Close() error {
	close(r.shutdown)
	r.wg.Wait()
	r.batchTicker.Stop()

	r.batchMu.Lock()
	batch := r.batchBuffer
	r.batchBuffer = make(map[string]PlayerPosition)
	r.batchMu.Unlock()

	if err := r.flushBatch(context.Background(), batch); err != nil {
		r.logger.Error("❌ Failed to flush batch on close: %v", err)
	}
	return r.client.Close()
}

func (r *RedisPositionRepo) batchFlusher() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			return
		case <-r.batchTicker.C:
			r.batchMu.Lock()
			if len(r.batchBuffer) == 0 {
				r.batchMu.Unlock()
				continue
			}
			batch := r.batchBuffer
			r.batchBuffer = make(map[string]PlayerPosition)
			r.batchMu.Unlock()

			if err := r.flushBatch(context.Background(), batch); err != nil {
				r.logger.Error("❌ Failed to flush batch: %v", err)
			}
		}
	}
}

func (r *RedisPositionRepo) flushBatch(ctx context.Context, batch map[string]PlayerPosition) error {
	if len(batch) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for playerID, pos := range batch {
		data, err := json.Marshal(pos)
		if err != nil {
			r.logger.Warn("⚠️ Failed to marshal position for %s: %v", playerID, err)
			continue
		}
		pipe.Set(ctx, r.key(playerID), data, r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}
