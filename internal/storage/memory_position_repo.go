package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryPositionRepo реализует PositionRepo в памяти.
// Используется как fallback, когда внешние хранилища недоступны,
// или для CI/локальной разработки без БД.
// ВНИМАНИЕ: Данные теряются при перезапуске сервера!
type MemoryPositionRepo struct {
	mu   sync.RWMutex
	data map[string]PlayerPosition
}

// NewMemoryPositionRepo создает новый репозиторий позиций в памяти
func NewMemoryPositionRepo() *MemoryPositionRepo {
	return &MemoryPositionRepo{
		data: make(map[string]PlayerPosition),
	}
}

// Save сохраняет позицию игрока в памяти
func (r *MemoryPositionRepo) Save(ctx context.Context, playerID string, pos PlayerPosition) error {
	if err := validatePosition(playerID, pos); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now()
	}

	r.mu.Lock()
	r.data[playerID] = pos
	r.mu.Unlock()
	return nil
}

// Load загружает позицию игрока из памяти
func (r *MemoryPositionRepo) Load(ctx context.Context, playerID string) (PlayerPosition, bool, error) {
	if playerID == "" {
		return PlayerPosition{}, false, ErrInvalidPlayerID
	}
	if err := ctx.Err(); err != nil {
		return PlayerPosition{}, false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, exists := r.data[playerID]
	return pos, exists, nil
}

// Delete удаляет сохраненную позицию игрока из памяти
func (r *MemoryPositionRepo) Delete(ctx context.Context, playerID string) error {
	if playerID == "" {
		return ErrInvalidPlayerID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[playerID]; !exists {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, playerID)
	}
	delete(r.data, playerID)
	return nil
}

// BatchSave сохраняет позиции нескольких игроков. Все записи проверяются до записи.
func (r *MemoryPositionRepo) BatchSave(ctx context.Context, positions map[string]PlayerPosition) error {
	if len(positions) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, pos := range positions {
		if err := validatePosition(id, pos); err != nil {
			return err
		}
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pos := range positions {
		if pos.UpdatedAt.IsZero() {
			pos.UpdatedAt = now
		}
		r.data[id] = pos
	}
	return nil
}

// Count возвращает количество сохраненных позиций
func (r *MemoryPositionRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}
