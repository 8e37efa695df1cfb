package world

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/topology"
)

// Store - авторитетное пространственное содержимое дочернего сервера.
// Чтение преобладает; загрузка региона берёт эксклюзивную блокировку только этого региона.
type Store struct {
	layout topology.RegionLayout
	logger *logging.Logger

	mu      sync.RWMutex // защищает карту слотов и планет
	slots   map[geom.Vec2]*regionSlot
	planets map[string]*Planet
}

// regionSlot хранит регион и акторов, чьи позиции попадают в него
type regionSlot struct {
	mu     sync.RWMutex
	region *Region
	actors []Actor
}

// NewStore создаёт пустое хранилище
func NewStore(layout topology.RegionLayout) *Store {
	if layout.ChunkSize <= 0 || layout.RegionChunks <= 0 {
		layout = topology.DefaultRegionLayout
	}
	return &Store{
		layout:  layout,
		logger:  logging.GetWorldLogger(),
		slots:   make(map[geom.Vec2]*regionSlot),
		planets: make(map[string]*Planet),
	}
}

// Layout возвращает разбиение на регионы
func (s *Store) Layout() topology.RegionLayout { return s.layout }

func (s *Store) slot(loc geom.Vec2, create bool) *regionSlot {
	s.mu.RLock()
	sl, ok := s.slots[loc]
	s.mu.RUnlock()
	if ok || !create {
		return sl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok = s.slots[loc]; ok {
		return sl
	}
	sl = &regionSlot{}
	s.slots[loc] = sl
	return sl
}

// LoadRegion проверяет регион и атомарно делает его видимым.
// Некорректный регион не попадает в хранилище (ErrMalformedWorldData).
func (s *Store) LoadRegion(r *Region) error {
	if err := r.validate(); err != nil {
		s.logger.Warn("⛔ Регион отклонён: %v", err)
		return err
	}

	sl := s.slot(r.Location, true)
	sl.mu.Lock()
	sl.region = r
	sl.mu.Unlock()

	s.logger.Debug("🗺️ Регион %v загружен (%dx%d чанков)", r.Location, r.Width, r.Height)
	return nil
}

// MaterializeRegion собирает регион из чанков и загружает его
func (s *Store) MaterializeRegion(loc geom.Vec2, width, height int, chunks []*Chunk) error {
	r, err := NewRegion(loc, width, height, chunks)
	if err != nil {
		s.logger.Warn("⛔ Регион %v отклонён: %v", loc, err)
		return err
	}
	return s.LoadRegion(r)
}

// UnloadRegion выгружает регион; акторы остаются
func (s *Store) UnloadRegion(loc geom.Vec2) {
	sl := s.slot(loc, false)
	if sl == nil {
		return
	}
	sl.mu.Lock()
	sl.region = nil
	sl.mu.Unlock()
}

// Region возвращает загруженный регион
func (s *Store) Region(loc geom.Vec2) (*Region, bool) {
	sl := s.slot(loc, false)
	if sl == nil {
		return nil, false
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.region, sl.region != nil
}

// LoadedRegions возвращает координаты загруженных регионов в порядке (X, Y)
func (s *Store) LoadedRegions() []geom.Vec2 {
	s.mu.RLock()
	slots := make(map[geom.Vec2]*regionSlot, len(s.slots))
	for k, v := range s.slots {
		slots[k] = v
	}
	s.mu.RUnlock()

	var out []geom.Vec2
	for loc, sl := range slots {
		sl.mu.RLock()
		if sl.region != nil {
			out = append(out, loc)
		}
		sl.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}

// ChunkAt возвращает чанк региона по локальным координатам
func (s *Store) ChunkAt(region, local geom.Vec2) (*Chunk, error) {
	r, ok := s.Region(region)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrRegionNotLoaded, region)
	}
	return r.ChunkAt(local)
}

// BlockAt возвращает блок по мировой точке
func (s *Store) BlockAt(p geom.Vec3) (BlockID, error) {
	chunk, err := s.ChunkAt(s.layout.RegionOf(p), s.layout.ChunkInRegion(p))
	if err != nil {
		return AirBlockID, err
	}
	cs := s.layout.ChunkSize
	bx := int(math.Floor(p.X)) % cs
	bz := int(math.Floor(p.Z)) % cs
	if bx < 0 {
		bx += cs
	}
	if bz < 0 {
		bz += cs
	}
	return chunk.GetBlock(geom.Vec2{X: bx, Y: bz}), nil
}

// AddActor помещает актора в регион по его позиции
func (s *Store) AddActor(a Actor) {
	loc := s.layout.RegionOf(a.Location.Vec())
	sl := s.slot(loc, true)
	sl.mu.Lock()
	sl.actors = append(sl.actors, a.clone())
	sl.mu.Unlock()
}

// RemoveActor удаляет актора по ID; возвращает false, если не найден
func (s *Store) RemoveActor(id string) bool {
	s.mu.RLock()
	slots := make([]*regionSlot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	for _, sl := range slots {
		sl.mu.Lock()
		for i, a := range sl.actors {
			if a.ID == id {
				sl.actors = append(sl.actors[:i], sl.actors[i+1:]...)
				sl.mu.Unlock()
				return true
			}
		}
		sl.mu.Unlock()
	}
	return false
}

// ActorsInRegion возвращает копии акторов региона
func (s *Store) ActorsInRegion(region geom.Vec2) []Actor {
	sl := s.slot(region, false)
	if sl == nil {
		return nil
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	out := make([]Actor, 0, len(sl.actors))
	for _, a := range sl.actors {
		out = append(out, a.clone())
	}
	return out
}

// ActorsWithin возвращает акторов на расстоянии <= radius от center
func (s *Store) ActorsWithin(center geom.Vec3, radius float64) []Actor {
	if radius < 0 {
		return nil
	}
	lo := s.layout.RegionOf(geom.Vec3{X: center.X - radius, Z: center.Z - radius})
	hi := s.layout.RegionOf(geom.Vec3{X: center.X + radius, Z: center.Z + radius})

	var out []Actor
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for _, a := range s.ActorsInRegion(geom.Vec2{X: x, Y: y}) {
				if a.Location.Vec().DistanceTo(center) <= radius {
					out = append(out, a)
				}
			}
		}
	}
	return out
}

// LoadPlanet загружает все регионы планеты или ни одного
func (s *Store) LoadPlanet(p *Planet) error {
	if p == nil {
		return fmt.Errorf("%w: nil planet", ErrMalformedWorldData)
	}
	for _, r := range p.Regions {
		if err := r.validate(); err != nil {
			s.logger.Warn("⛔ Планета %s отклонена: %v", p.Actor.ID, err)
			return err
		}
	}

	for _, r := range p.Regions {
		if err := s.LoadRegion(r); err != nil {
			return err
		}
	}
	s.AddActor(p.Actor)

	s.mu.Lock()
	s.planets[p.Actor.ID] = p
	s.mu.Unlock()

	s.logger.Info("🪐 Планета %s загружена: %d регионов", p.Actor.ID, len(p.Regions))
	return nil
}

// Planet возвращает загруженную планету
func (s *Store) Planet(id string) (*Planet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.planets[id]
	return p, ok
}
