package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/cellgrid/internal/geom"
)

var (
	// ErrInvalidPlayerID - пустой идентификатор игрока
	ErrInvalidPlayerID = errors.New("invalid player id")
	// ErrInvalidPosition - координаты не конечны
	ErrInvalidPosition = errors.New("invalid position")
	// ErrPositionNotFound - для игрока нет сохранённой позиции
	ErrPositionNotFound = errors.New("position not found")
)

// PlayerPosition - последнее известное абсолютное положение игрока
type PlayerPosition struct {
	Location  geom.Location `json:"location"`
	Facing    geom.Rotation `json:"facing"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Transform восстанавливает трансформ для входа игрока
func (p PlayerPosition) Transform() geom.Transform {
	return geom.Transform{
		Position: geom.AbsoluteLocation(p.Location),
		Rotation: p.Facing.Normalized(),
		Scale:    geom.UnitScale,
	}
}

// PositionRepo определяет интерфейс для сохранения и загрузки позиций игроков.
// Позиции привязаны к ID игрока, что позволяет восстановить их между сессиями.
type PositionRepo interface {
	// Save сохраняет позицию игрока
	Save(ctx context.Context, playerID string, pos PlayerPosition) error

	// Load загружает позицию игрока. false - позиция не найдена (первый вход).
	Load(ctx context.Context, playerID string) (PlayerPosition, bool, error)

	// Delete удаляет сохранённую позицию (ErrPositionNotFound, если её нет)
	Delete(ctx context.Context, playerID string) error

	// BatchSave сохраняет позиции нескольких игроков (автосохранение)
	BatchSave(ctx context.Context, positions map[string]PlayerPosition) error
}

func validatePosition(playerID string, pos PlayerPosition) error {
	if playerID == "" {
		return ErrInvalidPlayerID
	}
	if !pos.Location.Vec().IsFinite() {
		return fmt.Errorf("%w: player %s at %v", ErrInvalidPosition, playerID, pos.Location)
	}
	return nil
}
