package parent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrCoordinateTaken - ячейку уже занимает другой сервер
	ErrCoordinateTaken = errors.New("coordinate already taken")
	// ErrCoordinateImmutable - сервер пытается сменить выданную ему ячейку
	ErrCoordinateImmutable = errors.New("coordinate is immutable once granted")
	// ErrInvalidRequest - пустой ID сервера
	ErrInvalidRequest = errors.New("invalid registration request")
)

var (
	registrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellgrid_parent_registrations_total",
		Help: "Запросы регистрации дочерних серверов по результату",
	}, []string{"result"})
	serversGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellgrid_parent_servers",
		Help: "Количество зарегистрированных дочерних серверов",
	})
	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		for _, c := range []prometheus.Collector{registrationsTotal, serversGauge} {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					logging.Warn("Не удалось зарегистрировать метрику: %v", err)
				}
			}
		}
	})
}

// Server - запись о зарегистрированном дочернем сервере
type Server struct {
	protocol.NeighborInfo
	RegisteredAt time.Time `json:"registered_at"`
}

// Coordinator - родительский сервер: выдаёт ячейки, хранит топологию
// и рассылает изменения дочерним серверам.
type Coordinator struct {
	grid   topology.Grid
	bus    eventbus.Bus
	logger *logging.Logger

	mu      sync.RWMutex
	byCoord map[topology.Coordinate]*Server
	byID    map[string]topology.Coordinate
	version uint64
}

// NewCoordinator создаёт координатор. bus может быть nil: тогда изменения не рассылаются.
func NewCoordinator(grid topology.Grid, bus eventbus.Bus) *Coordinator {
	registerMetrics()
	return &Coordinator{
		grid:    grid,
		bus:     bus,
		logger:  logging.GetParentLogger(),
		byCoord: make(map[topology.Coordinate]*Server),
		byID:    make(map[string]topology.Coordinate),
	}
}

// Register выдаёт ячейку серверу. Повторная регистрация с тем же ID и ячейкой
// идемпотентна (обновляет адрес), смена ячейки запрещена.
func (c *Coordinator) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterReply, error) {
	if req.ServerID == "" {
		registrationsTotal.WithLabelValues("invalid").Inc()
		return protocol.RegisterReply{}, ErrInvalidRequest
	}

	c.mu.Lock()
	if granted, ok := c.byID[req.ServerID]; ok {
		if granted != req.Coordinate {
			c.mu.Unlock()
			registrationsTotal.WithLabelValues("immutable").Inc()
			return protocol.RegisterReply{}, fmt.Errorf("%w: %s holds %s, requested %s",
				ErrCoordinateImmutable, req.ServerID, granted, req.Coordinate)
		}
		srv := c.byCoord[granted]
		srv.Address = req.Address
		reply := c.handshakeLocked(granted)
		c.mu.Unlock()

		registrationsTotal.WithLabelValues("reconnect").Inc()
		c.logger.Info("🔁 Сервер %s переподключился к ячейке %s", req.ServerID, granted)
		return reply, nil
	}

	if holder, taken := c.byCoord[req.Coordinate]; taken {
		c.mu.Unlock()
		registrationsTotal.WithLabelValues("taken").Inc()
		return protocol.RegisterReply{}, fmt.Errorf("%w: %s held by %s", ErrCoordinateTaken, req.Coordinate, holder.ServerID)
	}

	info := protocol.NeighborInfo{ServerID: req.ServerID, Coordinate: req.Coordinate, Address: req.Address}
	c.byCoord[req.Coordinate] = &Server{NeighborInfo: info, RegisteredAt: time.Now()}
	c.byID[req.ServerID] = req.Coordinate
	c.version++
	version := c.version
	reply := c.handshakeLocked(req.Coordinate)
	count := len(c.byID)
	c.mu.Unlock()

	serversGauge.Set(float64(count))
	registrationsTotal.WithLabelValues("granted").Inc()
	c.logger.Info("✅ Сервер %s получил ячейку %s (соседей: %d)", req.ServerID, req.Coordinate, len(reply.Neighbors))

	c.broadcast(ctx, protocol.TopologyUpdate{Kind: protocol.NeighborJoined, Server: info, Version: version})
	return reply, nil
}

// Deregister освобождает ячейку. Неизвестный сервер - не ошибка.
func (c *Coordinator) Deregister(ctx context.Context, serverID string) bool {
	c.mu.Lock()
	coord, ok := c.byID[serverID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	srv := c.byCoord[coord]
	delete(c.byID, serverID)
	delete(c.byCoord, coord)
	c.version++
	version := c.version
	count := len(c.byID)
	c.mu.Unlock()

	serversGauge.Set(float64(count))
	c.logger.Info("👋 Сервер %s освободил ячейку %s", serverID, coord)
	c.broadcast(ctx, protocol.TopologyUpdate{Kind: protocol.NeighborLeft, Server: srv.NeighborInfo, Version: version})
	return true
}

func (c *Coordinator) handshakeLocked(coord topology.Coordinate) protocol.RegisterReply {
	return protocol.RegisterReply{Coordinate: coord, Neighbors: c.neighborsLocked(coord)}
}

func (c *Coordinator) neighborsLocked(coord topology.Coordinate) []protocol.NeighborInfo {
	out := []protocol.NeighborInfo{}
	for _, n := range topology.Adjacent(coord) {
		if srv, ok := c.byCoord[n]; ok {
			out = append(out, srv.NeighborInfo)
		}
	}
	return out
}

// NeighborsOf возвращает зарегистрированные серверы, соседние с ячейкой
func (c *Coordinator) NeighborsOf(coord topology.Coordinate) []protocol.NeighborInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.neighborsLocked(coord)
}

// Servers возвращает все серверы в порядке координат
func (c *Coordinator) Servers() []Server {
	c.mu.RLock()
	out := make([]Server, 0, len(c.byCoord))
	for _, srv := range c.byCoord {
		out = append(out, *srv)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return lessCoord(out[i].Coordinate, out[j].Coordinate) })
	return out
}

// Version - номер текущей версии топологии
func (c *Coordinator) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Affected возвращает серверы, чьи ячейки пересекает сфера события,
// включая ячейку источника. overflow=true, если сфера выходит за ячейку источника.
func (c *Coordinator) Affected(origin geom.Vec3, distance float64) (servers []protocol.NeighborInfo, overflow bool) {
	home := c.grid.CellOf(origin)

	c.mu.RLock()
	for cell, srv := range c.byCoord {
		if cell == home || c.grid.BoundaryDistance(origin, cell) < distance {
			servers = append(servers, srv.NeighborInfo)
		}
	}
	c.mu.RUnlock()

	sort.Slice(servers, func(i, j int) bool { return lessCoord(servers[i].Coordinate, servers[j].Coordinate) })
	return servers, c.grid.Overflows(origin, distance, home)
}

func (c *Coordinator) broadcast(ctx context.Context, upd protocol.TopologyUpdate) {
	if c.bus == nil {
		return
	}
	payload, err := protocol.Encode(upd)
	if err != nil {
		c.logger.Error("❌ Ошибка сериализации обновления топологии: %v", err)
		return
	}
	if err := c.bus.Publish(ctx, eventbus.NewEnvelope("parent", protocol.SubjectUpdates, payload)); err != nil {
		c.logger.Warn("⚠️ Не удалось разослать обновление топологии v%d: %v", upd.Version, err)
	}
}

func lessCoord(a, b topology.Coordinate) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}
