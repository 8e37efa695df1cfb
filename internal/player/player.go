package player

import (
	"sync"

	"github.com/annel0/cellgrid/internal/geom"
)

// Conn - соединение игрока. Реестр им не владеет и не закрывает его.
type Conn interface {
	Send(payload []byte) error
	Close() error
	RemoteAddr() string
}

// AnimationState - текущая анимация игрока
type AnimationState struct {
	Name string  `json:"name"`
	Time float64 `json:"time"`
}

// DefaultTrajectoryCapacity - сколько точек траектории хранится на игрока
const DefaultTrajectoryCapacity = 32

// State - изменяемое состояние игрока, доступное внутри Update
type State struct {
	Transform  geom.Transform
	Animation  AnimationState
	Trajectory *geom.Trajectory

	// Location - разрешённая абсолютная позиция; используется для расстояний
	Location geom.Location
}

// Player - запись реестра
type Player struct {
	ID     string
	Conn   Conn
	Notify *Notify

	mu    sync.Mutex
	state State
}

// View - снимок игрока на момент чтения
type View struct {
	ID        string         `json:"id"`
	Location  geom.Location  `json:"location"`
	Rotation  geom.Rotation  `json:"rotation"`
	Scale     geom.Scale3D   `json:"scale"`
	Animation AnimationState `json:"animation"`
	Notify    *Notify        `json:"-"`
	Conn      Conn           `json:"-"`
}

// Position возвращает каноническую точку для расчёта расстояний
func (v View) Position() geom.Vec3 { return v.Location.Vec() }

func (p *Player) view() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return View{
		ID:        p.ID,
		Location:  p.state.Location,
		Rotation:  p.state.Transform.Rotation,
		Scale:     p.state.Transform.Scale,
		Animation: p.state.Animation,
		Notify:    p.Notify,
		Conn:      p.Conn,
	}
}
