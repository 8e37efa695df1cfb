package player

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/logging"
)

var (
	// ErrDuplicateID - игрок с таким ID уже в реестре
	ErrDuplicateID = errors.New("duplicate player id")
	// ErrNotFound - игрока нет в реестре
	ErrNotFound = errors.New("player not found")
	// ErrInvalidID - пустой ID
	ErrInvalidID = errors.New("invalid player id")
)

// DefaultShards - количество шардов реестра по умолчанию
const DefaultShards = 32

// Options настраивает реестр
type Options struct {
	Shards             int
	NotifyBuffer       int
	TrajectoryCapacity int
}

type shard struct {
	mu      sync.RWMutex
	players map[string]*Player
}

// Registry - реестр игроков дочернего сервера.
// Карта разбита на шарды, состояние каждого игрока защищено собственным мьютексом,
// поэтому обновления разных игроков не конкурируют за одну блокировку.
type Registry struct {
	shards []*shard
	opts   Options
	logger *logging.Logger
}

// NewRegistry создаёт реестр
func NewRegistry(opts Options) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = DefaultNotifyBuffer
	}
	if opts.TrajectoryCapacity <= 0 {
		opts.TrajectoryCapacity = DefaultTrajectoryCapacity
	}

	registerMetrics()

	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{players: make(map[string]*Player)}
	}
	return &Registry{shards: shards, opts: opts, logger: logging.GetPlayerLogger()}
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Add регистрирует игрока и возвращает его очередь уведомлений.
// Относительная позиция разрешается от начала координат.
func (r *Registry) Add(id string, conn Conn, transform geom.Transform) (*Notify, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := transform.Validate(); err != nil {
		return nil, fmt.Errorf("player %s: %w", id, err)
	}

	resolved := transform.Resolve(geom.Location{})
	loc, _ := resolved.Position.Location()

	p := &Player{
		ID:     id,
		Conn:   conn,
		Notify: NewNotify(r.opts.NotifyBuffer),
		state: State{
			Transform:  resolved,
			Location:   loc,
			Trajectory: geom.NewTrajectory(r.opts.TrajectoryCapacity),
		},
	}

	s := r.shardFor(id)
	s.mu.Lock()
	if _, exists := s.players[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	s.players[id] = p
	s.mu.Unlock()

	playersOnline.Inc()
	r.logger.Debug("👤 Игрок %s добавлен в %v", id, loc)
	return p.Notify, nil
}

// Remove удаляет игрока и закрывает его очередь. Повторный вызов ничего не делает.
func (r *Registry) Remove(id string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	p, exists := s.players[id]
	if exists {
		delete(s.players, id)
	}
	s.mu.Unlock()

	if !exists {
		return false
	}
	p.Notify.Close()
	playersOnline.Dec()
	r.logger.Debug("👋 Игрок %s удалён", id)
	return true
}

// Get возвращает снимок одного игрока
func (r *Registry) Get(id string) (View, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	p, exists := s.players[id]
	s.mu.RUnlock()
	if !exists {
		return View{}, false
	}
	return p.view(), true
}

// Len возвращает количество игроков
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.players)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot возвращает согласованный снимок всех игроков, отсортированный по ID.
// Все шарды удерживаются на чтение на время копирования.
func (r *Registry) Snapshot() []View {
	for _, s := range r.shards {
		s.mu.RLock()
	}

	var out []View
	for _, s := range r.shards {
		for _, p := range s.players {
			out = append(out, p.view())
		}
	}

	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update выполняет fn над состоянием игрока под его мьютексом.
// После fn позиция трансформа разрешается в абсолютную относительно прежней.
func (r *Registry) Update(id string, fn func(*State)) error {
	return r.apply(id, fn, nil)
}

// Move применяет новый трансформ и записывает точку траектории на момент at.
// Возвращает разрешённую позицию.
func (r *Registry) Move(id string, transform geom.Transform, at float64) (geom.Location, error) {
	var loc geom.Location
	err := r.apply(id,
		func(st *State) { st.Transform = transform },
		func(st *State) {
			loc = st.Location
			st.Trajectory.Add(geom.TrajectoryPoint{
				Time:     at,
				Facing:   st.Transform.Rotation,
				Position: loc.Vec(),
			})
		})
	return loc, err
}

func (r *Registry) apply(id string, fn, after func(*State)) error {
	s := r.shardFor(id)
	s.mu.RLock()
	p, exists := s.players[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.state.Location
	next := p.state
	fn(&next)

	if err := next.Transform.Validate(); err != nil {
		return fmt.Errorf("player %s: %w", id, err)
	}
	next.Transform = next.Transform.Resolve(prev)
	next.Location, _ = next.Transform.Position.Location()
	if next.Trajectory == nil {
		next.Trajectory = p.state.Trajectory
	}
	if after != nil {
		after(&next)
	}

	p.state = next
	playerUpdates.Inc()
	return nil
}

// Trajectory возвращает копию истории перемещений игрока
func (r *Registry) Trajectory(id string) ([]geom.TrajectoryPoint, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	p, exists := s.players[id]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Trajectory.Points(), nil
}
