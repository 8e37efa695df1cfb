package geom

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidScale возвращается для нулевого, отрицательного или нечислового масштаба
var ErrInvalidScale = errors.New("invalid scale")

// Scale3D - масштаб по трём осям, все компоненты строго положительны
type Scale3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// UnitScale - единичный масштаб
var UnitScale = Scale3D{X: 1, Y: 1, Z: 1}

// NewScale3D создаёт масштаб с проверкой компонент
func NewScale3D(x, y, z float64) (Scale3D, error) {
	s := Scale3D{X: x, Y: y, Z: z}
	if err := s.Validate(); err != nil {
		return Scale3D{}, err
	}
	return s, nil
}

// Validate проверяет, что все компоненты > 0
func (s Scale3D) Validate() error {
	for _, c := range [3]float64{s.X, s.Y, s.Z} {
		if !(c > 0) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: (%g, %g, %g)", ErrInvalidScale, s.X, s.Y, s.Z)
		}
	}
	return nil
}

// PositionKind - активный вариант позиции
type PositionKind uint8

const (
	// PositionAbsolute - абсолютная позиция (нулевое значение)
	PositionAbsolute PositionKind = iota
	// PositionRelative - смещение от предыдущей абсолютной позиции
	PositionRelative
)

// Position - позиция трансформа: ровно один из вариантов Location или Translation.
// Нулевое значение - абсолютная позиция в начале координат.
type Position struct {
	kind        PositionKind
	location    Location
	translation Translation
}

// AbsoluteLocation создаёт абсолютную позицию
func AbsoluteLocation(l Location) Position {
	return Position{kind: PositionAbsolute, location: l}
}

// RelativeTranslation создаёт относительную позицию
func RelativeTranslation(t Translation) Position {
	return Position{kind: PositionRelative, translation: t}
}

// At - сокращение для AbsoluteLocation по координатам
func At(x, y, z float64) Position {
	return AbsoluteLocation(Location{X: x, Y: y, Z: z})
}

// Kind возвращает активный вариант
func (p Position) Kind() PositionKind { return p.kind }

// Location возвращает абсолютную позицию, если она активна
func (p Position) Location() (Location, bool) {
	return p.location, p.kind == PositionAbsolute
}

// Translation возвращает смещение, если оно активно
func (p Position) Translation() (Translation, bool) {
	return p.translation, p.kind == PositionRelative
}

// Resolve приводит позицию к абсолютной, относительная считается от base
func (p Position) Resolve(base Location) Location {
	if p.kind == PositionRelative {
		return p.translation.Apply(base)
	}
	return p.location
}

type positionJSON struct {
	Location    *Location    `json:"location,omitempty"`
	Translation *Translation `json:"translation,omitempty"`
}

// MarshalJSON кодирует только активный вариант
func (p Position) MarshalJSON() ([]byte, error) {
	if p.kind == PositionRelative {
		t := p.translation
		return json.Marshal(positionJSON{Translation: &t})
	}
	l := p.location
	return json.Marshal(positionJSON{Location: &l})
}

// UnmarshalJSON отвергает одновременно заданные location и translation
func (p *Position) UnmarshalJSON(data []byte) error {
	var raw positionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Location != nil && raw.Translation != nil:
		return errors.New("position: both location and translation are set")
	case raw.Translation != nil:
		*p = RelativeTranslation(*raw.Translation)
	case raw.Location != nil:
		*p = AbsoluteLocation(*raw.Location)
	default:
		*p = Position{}
	}
	return nil
}

// Transform - позиция, поворот и масштаб объекта
type Transform struct {
	Position Position `json:"position"`
	Rotation Rotation `json:"rotation"`
	Scale    Scale3D  `json:"scale"`
}

// NewTransform создаёт трансформ с проверкой масштаба
func NewTransform(pos Position, rot Rotation, scale Scale3D) (Transform, error) {
	if err := scale.Validate(); err != nil {
		return Transform{}, err
	}
	return Transform{Position: pos, Rotation: rot, Scale: scale}, nil
}

// DefaultTransform - начало координат, без поворота, единичный масштаб
func DefaultTransform() Transform {
	return Transform{Rotation: IdentityRotation, Scale: UnitScale}
}

// TransformAt - трансформ по умолчанию в заданной точке
func TransformAt(x, y, z float64) Transform {
	t := DefaultTransform()
	t.Position = At(x, y, z)
	return t
}

// Validate проверяет инварианты трансформа
func (t Transform) Validate() error {
	if err := t.Scale.Validate(); err != nil {
		return err
	}
	if loc, ok := t.Position.Location(); ok && !loc.Vec().IsFinite() {
		return errors.New("transform: non-finite location")
	}
	if tr, ok := t.Position.Translation(); ok && !tr.Vec().IsFinite() {
		return errors.New("transform: non-finite translation")
	}
	return nil
}

// Resolve возвращает трансформ с абсолютной позицией и нормализованным поворотом
func (t Transform) Resolve(base Location) Transform {
	return Transform{
		Position: AbsoluteLocation(t.Position.Resolve(base)),
		Rotation: t.Rotation.Normalized(),
		Scale:    t.Scale,
	}
}

// WorldPosition - каноническая точка для расчёта расстояний
func (t Transform) WorldPosition(base Location) Vec3 {
	return t.Position.Resolve(base).Vec()
}
