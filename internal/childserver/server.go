package childserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/player"
	"github.com/annel0/cellgrid/internal/propagation"
	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/annel0/cellgrid/internal/storage"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/annel0/cellgrid/internal/world"
)

// ServerConfig - зависимости дочернего сервера
type ServerConfig struct {
	Manager  *Manager
	Bus      eventbus.Bus
	Grid     topology.Grid
	Registry *player.Registry
	World    *world.Store

	// Positions - хранилище последних позиций игроков, может быть nil
	Positions storage.PositionRepo

	MaxHops      int
	PingInterval time.Duration
	// RefreshEvery - раз во сколько пингов перезапрашивать соседей у родителя
	RefreshEvery int
}

// Server - дочерний сервер одной ячейки: игроки, мир, распространение событий
type Server struct {
	cfg     ServerConfig
	manager *Manager
	engine  *propagation.Engine
	logger  *logging.Logger

	mu   sync.Mutex
	subs []eventbus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer собирает сервер
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("manager обязателен")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event_bus обязателен")
	}
	if cfg.Registry == nil {
		cfg.Registry = player.NewRegistry(player.Options{})
	}
	if cfg.World == nil {
		cfg.World = world.NewStore(topology.DefaultRegionLayout)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 2 * time.Second
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 5
	}

	return &Server{
		cfg:     cfg,
		manager: cfg.Manager,
		engine:  propagation.NewEngine(cfg.Grid, cfg.Registry, cfg.Manager, propagation.Options{MaxHops: cfg.MaxHops}),
		logger:  logging.GetComponentLogger("childserver"),
	}, nil
}

func (s *Server) Manager() *Manager { return s.manager }
func (s *Server) Registry() *player.Registry { return s.cfg.Registry }
func (s *Server) World() *world.Store { return s.cfg.World }
func (s *Server) Engine() *propagation.Engine { return s.engine }
func (s *Server) Coordinate() topology.Coordinate { return s.manager.Coordinate() }

// Start подписывается на входящие события и пинги ячейки и запускает
// фоновую проверку соседей. Регистрация у родителя выполняется отдельно.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	coord := s.manager.Coordinate()
	handlers := []struct {
		subject string
		h       eventbus.Handler
	}{
		{protocol.CellEventsSubject(coord), s.HandleRemote},
		{protocol.CellPingSubject(coord), s.handlePing},
	}
	for _, hd := range handlers {
		sub, err := s.cfg.Bus.Subscribe(s.ctx, hd.subject, hd.h)
		if err != nil {
			s.unsubscribeLocked()
			s.cancel()
			return fmt.Errorf("subscribe %s: %w", hd.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go s.housekeeping()

	s.logger.Info("🚀 Сервер %s слушает ячейку %s", s.manager.ID(), coord)
	return nil
}

// Stop выводит сервер из работы: дожидается пересылок, освобождает ячейку,
// сохраняет позиции игроков и останавливает фоновые задачи.
func (s *Server) Stop(ctx context.Context) error {
	drainErr := s.manager.Drain(ctx)

	s.mu.Lock()
	s.unsubscribeLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if err := s.persistAll(ctx); err != nil {
		s.logger.Warn("⚠️ Не удалось сохранить позиции игроков: %v", err)
	}
	for _, v := range s.cfg.Registry.Snapshot() {
		s.cfg.Registry.Remove(v.ID)
	}

	s.manager.Terminate()
	return drainErr
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) accepting() error {
	switch s.manager.State() {
	case Draining, Terminated:
		return ErrDraining
	}
	return nil
}

// Join добавляет игрока. Если для него сохранена позиция, она заменяет переданную.
func (s *Server) Join(ctx context.Context, id string, conn player.Conn, transform geom.Transform) (*player.Notify, error) {
	if err := s.accepting(); err != nil {
		return nil, err
	}

	if s.cfg.Positions != nil {
		saved, ok, err := s.cfg.Positions.Load(ctx, id)
		if err != nil {
			s.logger.Warn("⚠️ Не удалось загрузить позицию игрока %s: %v", id, err)
		} else if ok {
			transform = saved.Transform()
		}
	}

	n, err := s.cfg.Registry.Add(id, conn, transform)
	if err != nil {
		return nil, err
	}
	s.logger.Info("🟢 Игрок %s вошёл в ячейку %s", id, s.manager.Coordinate())
	return n, nil
}

// Leave сохраняет позицию игрока и удаляет его. Неизвестный игрок - не ошибка.
func (s *Server) Leave(ctx context.Context, id string) error {
	v, ok := s.cfg.Registry.Get(id)
	if !ok {
		return nil
	}

	var saveErr error
	if s.cfg.Positions != nil {
		saveErr = s.cfg.Positions.Save(ctx, id, positionOf(v))
	}
	s.cfg.Registry.Remove(id)
	s.logger.Info("🔴 Игрок %s покинул ячейку %s", id, s.manager.Coordinate())
	return saveErr
}

// Move применяет новый transform игрока в момент времени at
func (s *Server) Move(id string, transform geom.Transform, at float64) (geom.Location, error) {
	return s.cfg.Registry.Move(id, transform, at)
}

// Ingest распространяет событие, возникшее на этом сервере
func (s *Server) Ingest(ctx context.Context, ev propagation.Event) (propagation.Result, error) {
	if err := s.accepting(); err != nil {
		return propagation.Result{}, err
	}
	ev = ev.WithSource(s.manager.ID())
	ev.Hops = 0
	ev.Ingress = nil
	return s.engine.Propagate(ctx, ev, s.manager.Coordinate())
}

// Emit создаёт событие в текущей позиции игрока и распространяет его
func (s *Server) Emit(ctx context.Context, playerID, typ string, distance float64, data []byte) (propagation.Event, propagation.Result, error) {
	v, ok := s.cfg.Registry.Get(playerID)
	if !ok {
		return propagation.Event{}, propagation.Result{}, fmt.Errorf("%w: %s", player.ErrNotFound, playerID)
	}
	ev, err := propagation.NewEvent(typ, v.Position(), distance, data)
	if err != nil {
		return propagation.Event{}, propagation.Result{}, err
	}
	res, err := s.Ingest(ctx, ev)
	return ev, res, err
}

// HandleRemote принимает событие, пересланное соседом, и отвечает EventAck
func (s *Server) HandleRemote(ctx context.Context, env *eventbus.Envelope) ([]byte, error) {
	if err := s.accepting(); err != nil {
		inboundTotal.WithLabelValues("draining").Inc()
		return protocol.Encode(protocol.EventAck{Reason: err.Error()})
	}

	var ev propagation.Event
	if err := protocol.Decode(env.Payload, &ev); err != nil {
		inboundTotal.WithLabelValues("malformed").Inc()
		return protocol.Encode(protocol.EventAck{Reason: err.Error()})
	}

	res, err := s.engine.Propagate(ctx, ev, s.manager.Coordinate())
	if err != nil {
		inboundTotal.WithLabelValues("invalid").Inc()
		return protocol.Encode(protocol.EventAck{Reason: err.Error()})
	}

	inboundTotal.WithLabelValues("accepted").Inc()
	return protocol.Encode(protocol.EventAck{
		Accepted:  true,
		Delivered: len(res.Delivered),
		Forwarded: len(res.Forwarded),
	})
}

func (s *Server) handlePing(ctx context.Context, env *eventbus.Envelope) ([]byte, error) {
	state := s.manager.State()
	return protocol.Encode(protocol.Pong{
		ServerID:   s.manager.ID(),
		Coordinate: s.manager.Coordinate(),
		Players:    s.cfg.Registry.Len(),
		Draining:   state == Draining || state == Terminated,
	})
}

func (s *Server) housekeeping() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.manager.State() != Active {
				continue
			}
			ticks++
			if ticks%s.cfg.RefreshEvery == 0 {
				if err := s.manager.RefreshNeighbors(s.ctx); err != nil {
					s.logger.Warn("⚠️ Не удалось обновить список соседей: %v", err)
				}
			}
			s.manager.PingNeighbors(s.ctx)
		}
	}
}

func (s *Server) persistAll(ctx context.Context) error {
	if s.cfg.Positions == nil {
		return nil
	}
	views := s.cfg.Registry.Snapshot()
	if len(views) == 0 {
		return nil
	}
	batch := make(map[string]storage.PlayerPosition, len(views))
	for _, v := range views {
		batch[v.ID] = positionOf(v)
	}
	return s.cfg.Positions.BatchSave(ctx, batch)
}

func positionOf(v player.View) storage.PlayerPosition {
	return storage.PlayerPosition{
		Location:  v.Location,
		Facing:    v.Rotation,
		UpdatedAt: time.Now().UTC(),
	}
}
