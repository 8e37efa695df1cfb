package propagation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/google/uuid"
)

// ErrInvalidEvent - отрицательная или неконечная дистанция, неконечный источник
var ErrInvalidEvent = errors.New("invalid event")

// Event - игровое событие с точкой возникновения и дистанцией распространения.
// Значение неизменяемо: методы возвращают копии.
type Event struct {
	ID                  uuid.UUID `json:"id"`
	Type                string    `json:"type"`
	Origin              geom.Vec3 `json:"origin"`
	Data                []byte    `json:"data,omitempty"`
	PropagationDistance float64   `json:"propagation_distance"`
	Source              string    `json:"source,omitempty"` // сервер, принявший событие
	Hops                int       `json:"hops"`
	CreatedAt           time.Time `json:"created_at"`

	// Ingress - ячейка, принявшая событие от игрока и передавшая его ячейке источника.
	// Её игроки уже получили событие.
	Ingress *topology.Coordinate `json:"ingress,omitempty"`
}

// NewEvent создаёт событие с новым ID. Дистанция 0 означает только локальную доставку.
func NewEvent(typ string, origin geom.Vec3, distance float64, data []byte) (Event, error) {
	ev := Event{
		ID:                  uuid.New(),
		Type:                typ,
		Origin:              origin,
		PropagationDistance: distance,
		CreatedAt:           time.Now().UTC(),
	}
	if len(data) > 0 {
		ev.Data = append([]byte(nil), data...)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate проверяет инварианты события
func (e Event) Validate() error {
	d := e.PropagationDistance
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return fmt.Errorf("%w: propagation distance %v", ErrInvalidEvent, d)
	}
	if !e.Origin.IsFinite() {
		return fmt.Errorf("%w: origin %v", ErrInvalidEvent, e.Origin)
	}
	if e.Hops < 0 {
		return fmt.Errorf("%w: hops %d", ErrInvalidEvent, e.Hops)
	}
	return nil
}

// WithDistance возвращает копию с другой дистанцией
func (e Event) WithDistance(d float64) Event {
	e.PropagationDistance = d
	return e
}

// WithSource возвращает копию с другим источником
func (e Event) WithSource(source string) Event {
	e.Source = source
	return e
}

// forwarded - копия для соседа: оставшаяся дистанция и следующий хоп
func (e Event) forwarded(remaining float64) Event {
	e.PropagationDistance = remaining
	e.Hops++
	return e
}

// rerouted - копия для ячейки источника с отметкой ячейки входа
func (e Event) rerouted(ingress topology.Coordinate) Event {
	e.Hops++
	e.Ingress = &ingress
	return e
}
