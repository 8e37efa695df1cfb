package geom

import "sort"

// TrajectoryPoint - одна точка истории движения
type TrajectoryPoint struct {
	Time     float64  `json:"time"`
	Facing   Rotation `json:"facing"`
	Position Vec3     `json:"position"`
}

// Trajectory хранит последние точки движения, упорядоченные по времени.
// Не потокобезопасна: владелец (игрок) синхронизирует доступ сам.
type Trajectory struct {
	points   []TrajectoryPoint
	capacity int
}

// NewTrajectory создаёт историю на capacity точек
func NewTrajectory(capacity int) *Trajectory {
	if capacity < 2 {
		capacity = 2
	}
	return &Trajectory{
		points:   make([]TrajectoryPoint, 0, capacity),
		capacity: capacity,
	}
}

// Add вставляет точку с сохранением порядка; при переполнении вытесняется самая старая.
// Точка с уже существующим временем заменяет прежнюю.
func (tr *Trajectory) Add(p TrajectoryPoint) {
	i := sort.Search(len(tr.points), func(i int) bool { return tr.points[i].Time >= p.Time })
	if i < len(tr.points) && tr.points[i].Time == p.Time {
		tr.points[i] = p
		return
	}

	tr.points = append(tr.points, TrajectoryPoint{})
	copy(tr.points[i+1:], tr.points[i:])
	tr.points[i] = p

	if len(tr.points) > tr.capacity {
		tr.points = append(tr.points[:0], tr.points[1:]...)
	}
}

// Len возвращает количество точек
func (tr *Trajectory) Len() int { return len(tr.points) }

// Points возвращает копию точек
func (tr *Trajectory) Points() []TrajectoryPoint {
	out := make([]TrajectoryPoint, len(tr.points))
	copy(out, tr.points)
	return out
}

// Latest возвращает последнюю точку
func (tr *Trajectory) Latest() (TrajectoryPoint, bool) {
	if len(tr.points) == 0 {
		return TrajectoryPoint{}, false
	}
	return tr.points[len(tr.points)-1], true
}

// Sample интерполирует положение на момент t.
// До первой точки возвращается первая; после последней - линейная экстраполяция
// по двум последним точкам.
func (tr *Trajectory) Sample(t float64) (TrajectoryPoint, bool) {
	n := len(tr.points)
	if n == 0 {
		return TrajectoryPoint{}, false
	}
	if n == 1 || t <= tr.points[0].Time {
		p := tr.points[0]
		p.Time = t
		return p, true
	}

	if t >= tr.points[n-1].Time {
		a, b := tr.points[n-2], tr.points[n-1]
		dt := b.Time - a.Time
		velocity := b.Position.Sub(a.Position).Mul(1 / dt)
		return TrajectoryPoint{
			Time:     t,
			Facing:   b.Facing.Normalized(),
			Position: b.Position.Add(velocity.Mul(t - b.Time)),
		}, true
	}

	i := sort.Search(n, func(i int) bool { return tr.points[i].Time >= t })
	a, b := tr.points[i-1], tr.points[i]
	k := (t - a.Time) / (b.Time - a.Time)
	return TrajectoryPoint{
		Time:     t,
		Facing:   a.Facing.Slerp(b.Facing, k),
		Position: a.Position.Lerp(b.Position, k),
	}, true
}
