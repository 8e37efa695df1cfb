package childserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/parent"
	"github.com/annel0/cellgrid/internal/propagation"
	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrUnreachableNeighbor - сосед неизвестен, мёртв или не принял событие
	ErrUnreachableNeighbor = errors.New("unreachable neighbor")
	// ErrRegistrationFailure - родитель отказал или недоступен после всех попыток
	ErrRegistrationFailure = errors.New("registration failure")
	// ErrDraining - сервер выводится из работы и не принимает новые события
	ErrDraining = errors.New("server is draining")
	// ErrNotRegistered - сервер ещё не получил ячейку
	ErrNotRegistered = errors.New("server is not registered")
)

// Config - параметры менеджера топологии
type Config struct {
	ServerID   string
	Coordinate topology.Coordinate
	Address    string

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	ForwardTimeout time.Duration
	ForwardWorkers int
	ForwardQueue   int

	// MaxMisses - сколько пингов подряд сосед может пропустить, прежде чем считаться мёртвым
	MaxMisses int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 500 * time.Millisecond
	}
	if c.ForwardWorkers <= 0 {
		c.ForwardWorkers = 4
	}
	if c.ForwardQueue <= 0 {
		c.ForwardQueue = 1024
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = 3
	}
}

// Link - связь с соседним сервером. Subject событий вычисляется при первом обращении.
type Link struct {
	Info protocol.NeighborInfo

	subjectOnce sync.Once
	subject     string
	misses      atomic.Int32
	dead        atomic.Bool
	lastSeen    atomic.Int64
}

func newLink(info protocol.NeighborInfo) *Link {
	l := &Link{Info: info}
	l.lastSeen.Store(time.Now().UnixNano())
	return l
}

func (l *Link) eventsSubject() string {
	l.subjectOnce.Do(func() { l.subject = protocol.CellEventsSubject(l.Info.Coordinate) })
	return l.subject
}

// Alive - сосед отвечает на пинги
func (l *Link) Alive() bool { return !l.dead.Load() }

// LastSeen - время последнего успешного ответа
func (l *Link) LastSeen() time.Time { return time.Unix(0, l.lastSeen.Load()) }

type forwardJob struct {
	link    *Link
	eventID string
	payload []byte
}

// Manager ведёт регистрацию у родителя, карту соседей и пересылку им событий
type Manager struct {
	cfg    Config
	bus    eventbus.Bus
	logger *logging.Logger

	state atomic.Int32

	mu        sync.RWMutex
	neighbors map[topology.Coordinate]*Link

	regMu sync.Mutex

	queue    chan forwardJob
	inflight sync.WaitGroup
	workers  sync.WaitGroup
	start    sync.Once

	updates eventbus.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager создаёт менеджер в состоянии Unregistered
func NewManager(cfg Config, bus eventbus.Bus) (*Manager, error) {
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("server_id не может быть пустым")
	}
	if bus == nil {
		return nil, fmt.Errorf("event_bus обязателен")
	}
	cfg.applyDefaults()
	registerMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		bus:       bus,
		logger:    logging.GetTopologyLogger(),
		neighbors: make(map[topology.Coordinate]*Link),
		queue:     make(chan forwardJob, cfg.ForwardQueue),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// ID сервера
func (m *Manager) ID() string { return m.cfg.ServerID }

// Coordinate - ячейка сервера
func (m *Manager) Coordinate() topology.Coordinate { return m.cfg.Coordinate }

// State - текущее состояние
func (m *Manager) State() State { return State(m.state.Load()) }

// Register получает ячейку у родителя и заполняет карту соседей.
// Отказ родителя (ячейка занята или неизменяема) не повторяется,
// сетевые ошибки повторяются с экспоненциальной задержкой до MaxAttempts.
func (m *Manager) Register(ctx context.Context) (protocol.RegisterReply, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	prev := m.State()
	switch prev {
	case Draining, Terminated:
		return protocol.RegisterReply{}, ErrDraining
	case Unregistered:
		m.state.Store(int32(Registering))
	}

	m.mu.Lock()
	if m.updates == nil {
		sub, err := m.bus.Subscribe(m.ctx, protocol.SubjectUpdates, m.handleUpdate)
		if err != nil {
			m.mu.Unlock()
			m.state.CompareAndSwap(int32(Registering), int32(prev))
			return protocol.RegisterReply{}, fmt.Errorf("%w: subscribe to updates: %w", ErrRegistrationFailure, err)
		}
		m.updates = sub
	}
	m.mu.Unlock()

	payload, err := protocol.Encode(protocol.RegisterRequest{
		ServerID:   m.cfg.ServerID,
		Coordinate: m.cfg.Coordinate,
		Address:    m.cfg.Address,
	})
	if err != nil {
		m.state.CompareAndSwap(int32(Registering), int32(prev))
		return protocol.RegisterReply{}, fmt.Errorf("%w: %w", ErrRegistrationFailure, err)
	}

	var reply protocol.RegisterReply
	attempt := 0
	op := func() error {
		attempt++
		registrationAttempts.Inc()
		env, err := m.bus.Request(ctx, eventbus.NewEnvelope(m.cfg.ServerID, protocol.SubjectRegister, payload))
		if err != nil {
			return err
		}
		var r protocol.RegisterReply
		if err := protocol.Decode(env.Payload, &r); err != nil {
			return backoff.Permanent(err)
		}
		switch r.Code {
		case protocol.CodeOK:
			reply = r
			return nil
		case protocol.CodeCoordinateTaken:
			return backoff.Permanent(fmt.Errorf("%w: %s", parent.ErrCoordinateTaken, r.Message))
		case protocol.CodeCoordinateImmutable:
			return backoff.Permanent(fmt.Errorf("%w: %s", parent.ErrCoordinateImmutable, r.Message))
		default:
			return backoff.Permanent(fmt.Errorf("parent rejected registration: %s %s", r.Code, r.Message))
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.InitialBackoff
	eb.MaxInterval = m.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.cfg.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		m.logger.Warn("🔁 Регистрация %s в %s: попытка %d не удалась (%v), повтор через %v",
			m.cfg.ServerID, m.cfg.Coordinate, attempt, err, wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		m.state.CompareAndSwap(int32(Registering), int32(prev))
		return protocol.RegisterReply{}, fmt.Errorf("%w: %s at %s after %d attempts: %w",
			ErrRegistrationFailure, m.cfg.ServerID, m.cfg.Coordinate, attempt, err)
	}

	m.resetNeighbors(reply.Neighbors)
	m.start.Do(m.startWorkers)
	m.mu.Lock()
	if m.State() == Registering || m.State() == Active {
		m.state.Store(int32(Active))
	}
	m.mu.Unlock()

	m.logger.Info("✅ Сервер %s зарегистрирован в %s, соседей: %d", m.cfg.ServerID, m.cfg.Coordinate, len(reply.Neighbors))
	return reply, nil
}

// resetNeighbors заменяет карту соседей списком от родителя, сохраняя состояние уже известных связей
func (m *Manager) resetNeighbors(list []protocol.NeighborInfo) {
	m.mu.Lock()
	next := make(map[topology.Coordinate]*Link, len(list))
	for _, info := range list {
		if !m.cfg.Coordinate.IsAdjacent(info.Coordinate) {
			continue
		}
		if old, ok := m.neighbors[info.Coordinate]; ok && old.Info == info {
			next[info.Coordinate] = old
			continue
		}
		next[info.Coordinate] = newLink(info)
	}
	m.neighbors = next
	m.mu.Unlock()
	m.updateNeighborGauge()
}

// RefreshNeighbors запрашивает у родителя актуальный список соседей
func (m *Manager) RefreshNeighbors(ctx context.Context) error {
	payload, err := protocol.Encode(protocol.NeighborsRequest{Coordinate: m.cfg.Coordinate})
	if err != nil {
		return err
	}
	env, err := m.bus.Request(ctx, eventbus.NewEnvelope(m.cfg.ServerID, protocol.SubjectNeighbors, payload))
	if err != nil {
		return fmt.Errorf("neighbors request: %w", err)
	}
	var reply protocol.NeighborsReply
	if err := protocol.Decode(env.Payload, &reply); err != nil {
		return err
	}
	m.resetNeighbors(reply.Neighbors)
	return nil
}

// ApplyUpdate применяет изменение топологии от родителя
func (m *Manager) ApplyUpdate(upd protocol.TopologyUpdate) {
	info := upd.Server
	if info.ServerID == m.cfg.ServerID || !m.cfg.Coordinate.IsAdjacent(info.Coordinate) {
		return
	}

	m.mu.Lock()
	switch upd.Kind {
	case protocol.NeighborJoined:
		m.neighbors[info.Coordinate] = newLink(info)
		m.logger.Info("➕ Сосед %s появился в %s (v%d)", info.ServerID, info.Coordinate, upd.Version)
	case protocol.NeighborLeft:
		if l, ok := m.neighbors[info.Coordinate]; ok && l.Info.ServerID == info.ServerID {
			delete(m.neighbors, info.Coordinate)
			m.logger.Info("➖ Сосед %s покинул %s (v%d)", info.ServerID, info.Coordinate, upd.Version)
		}
	}
	m.mu.Unlock()
	m.updateNeighborGauge()
}

func (m *Manager) handleUpdate(ctx context.Context, ev *eventbus.Envelope) ([]byte, error) {
	var upd protocol.TopologyUpdate
	if err := protocol.Decode(ev.Payload, &upd); err != nil {
		m.logger.Warn("⚠️ Некорректное обновление топологии: %v", err)
		return nil, err
	}
	m.ApplyUpdate(upd)
	return nil, nil
}

// NeighborsOf возвращает живых соседей сервера, смежных с ячейкой c
func (m *Manager) NeighborsOf(c topology.Coordinate) []topology.Coordinate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]topology.Coordinate, 0, len(m.neighbors))
	for coord, l := range m.neighbors {
		if l.Alive() && c.IsAdjacent(coord) {
			out = append(out, coord)
		}
	}
	return out
}

// Neighbors возвращает все известные связи в порядке координат
func (m *Manager) Neighbors() []*Link {
	m.mu.RLock()
	out := make([]*Link, 0, len(m.neighbors))
	for _, l := range m.neighbors {
		out = append(out, l)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Info.Coordinate.Key() < out[j].Info.Coordinate.Key() })
	return out
}

func (m *Manager) link(c topology.Coordinate) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.neighbors[c]
	return l, ok
}

func (m *Manager) updateNeighborGauge() {
	alive := 0
	m.mu.RLock()
	for _, l := range m.neighbors {
		if l.Alive() {
			alive++
		}
	}
	m.mu.RUnlock()
	neighborsGauge.Set(float64(alive))
}

// Forward ставит событие в очередь отправки соседу и сразу возвращает управление.
// Результат отправки (таймаут, отказ) учитывается метриками и логом как промах.
func (m *Manager) Forward(ctx context.Context, to topology.Coordinate, ev propagation.Event) error {
	// mu держится до inflight.Add, чтобы Drain не пропустил запоздавшую отправку
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.State() {
	case Draining, Terminated:
		forwardsTotal.WithLabelValues("rejected").Inc()
		return ErrDraining
	case Active:
	default:
		return ErrNotRegistered
	}

	l, ok := m.neighbors[to]
	if !ok || !l.Alive() {
		forwardsTotal.WithLabelValues("unreachable").Inc()
		return fmt.Errorf("%w: %s", ErrUnreachableNeighbor, to)
	}

	payload, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	m.inflight.Add(1)
	select {
	case m.queue <- forwardJob{link: l, eventID: ev.ID.String(), payload: payload}:
		forwardQueueDepth.Set(float64(len(m.queue)))
		return nil
	default:
		m.inflight.Done()
		forwardsTotal.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("%w: %s: forward queue full", ErrUnreachableNeighbor, to)
	}
}

func (m *Manager) startWorkers() {
	for i := 0; i < m.cfg.ForwardWorkers; i++ {
		m.workers.Add(1)
		go m.forwardWorker()
	}
}

func (m *Manager) forwardWorker() {
	defer m.workers.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case job := <-m.queue:
			forwardQueueDepth.Set(float64(len(m.queue)))
			m.send(job)
			m.inflight.Done()
		}
	}
}

func (m *Manager) send(job forwardJob) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ForwardTimeout)
	defer cancel()

	env := eventbus.NewEnvelope(m.cfg.ServerID, job.link.eventsSubject(), job.payload)
	reply, err := m.bus.Request(ctx, env)
	if err != nil {
		forwardsTotal.WithLabelValues("failed").Inc()
		m.logger.Warn("⚠️ Событие %s: %s не ответил: %v", job.eventID, job.link.Info.Coordinate, err)
		return
	}

	var ack protocol.EventAck
	if err := protocol.Decode(reply.Payload, &ack); err != nil || !ack.Accepted {
		forwardsTotal.WithLabelValues("refused").Inc()
		m.logger.Warn("⚠️ Событие %s отклонено соседом %s: %s", job.eventID, job.link.Info.Coordinate, ack.Reason)
		return
	}
	job.link.lastSeen.Store(time.Now().UnixNano())
	forwardsTotal.WithLabelValues("sent").Inc()
}

// PingNeighbors проверяет живость соседей. Сосед, пропустивший MaxMisses пингов подряд,
// исключается из пересылки, пока снова не ответит.
func (m *Manager) PingNeighbors(ctx context.Context) {
	payload, err := protocol.Encode(protocol.Ping{ServerID: m.cfg.ServerID, SentAt: time.Now().UTC()})
	if err != nil {
		return
	}

	var wg sync.WaitGroup
	for _, l := range m.Neighbors() {
		wg.Add(1)
		go func(l *Link) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ForwardTimeout)
			defer cancel()

			subject := protocol.CellPingSubject(l.Info.Coordinate)
			if _, err := m.bus.Request(pctx, eventbus.NewEnvelope(m.cfg.ServerID, subject, payload)); err != nil {
				if int(l.misses.Add(1)) >= m.cfg.MaxMisses && !l.dead.Swap(true) {
					m.logger.Warn("💀 Сосед %s в %s не отвечает, пересылка остановлена", l.Info.ServerID, l.Info.Coordinate)
				}
				return
			}
			l.misses.Store(0)
			l.lastSeen.Store(time.Now().UnixNano())
			if l.dead.Swap(false) {
				m.logger.Info("💚 Сосед %s в %s снова доступен", l.Info.ServerID, l.Info.Coordinate)
			}
		}(l)
	}
	wg.Wait()
	m.updateNeighborGauge()
}

// Drain переводит сервер в Draining, дожидается отправки поставленных в очередь
// событий и освобождает ячейку у родителя.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	prev := m.State()
	if prev == Draining || prev == Terminated {
		m.mu.Unlock()
		return nil
	}
	m.state.Store(int32(Draining))
	m.mu.Unlock()

	m.logger.Info("🚰 Сервер %s выводится из работы", m.cfg.ServerID)

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("⚠️ Не все пересылки завершены до выхода: %v", ctx.Err())
	}

	m.mu.Lock()
	if m.updates != nil {
		m.updates.Unsubscribe()
		m.updates = nil
	}
	m.mu.Unlock()
	if prev != Active {
		return nil
	}

	payload, err := protocol.Encode(protocol.DeregisterRequest{ServerID: m.cfg.ServerID, Coordinate: m.cfg.Coordinate})
	if err != nil {
		return err
	}
	if _, err := m.bus.Request(ctx, eventbus.NewEnvelope(m.cfg.ServerID, protocol.SubjectDeregister, payload)); err != nil {
		return fmt.Errorf("deregister %s: %w", m.cfg.ServerID, err)
	}
	return nil
}

// Terminate останавливает воркеры и закрывает связи. Вызывается после Drain.
func (m *Manager) Terminate() {
	m.mu.Lock()
	prev := State(m.state.Swap(int32(Terminated)))
	m.mu.Unlock()
	if prev == Terminated {
		return
	}
	m.cancel()
	m.workers.Wait()

	// Воркеры остановлены, оставшиеся в очереди пересылки уже не уйдут
	dropped := 0
	for empty := false; !empty; {
		select {
		case <-m.queue:
			m.inflight.Done()
			dropped++
		default:
			empty = true
		}
	}
	if dropped > 0 {
		forwardsTotal.WithLabelValues("dropped").Add(float64(dropped))
		forwardQueueDepth.Set(0)
		m.logger.Warn("⚠️ Сервер %s: %d пересылок отброшено при остановке", m.cfg.ServerID, dropped)
	}

	m.mu.Lock()
	m.neighbors = make(map[topology.Coordinate]*Link)
	m.mu.Unlock()
	neighborsGauge.Set(0)

	m.logger.Info("🛑 Сервер %s остановлен", m.cfg.ServerID)
}
