package childserver

import (
	"context"
	"testing"
	"time"

	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/parent"
	"github.com/annel0/cellgrid/internal/player"
	"github.com/annel0/cellgrid/internal/propagation"
	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/annel0/cellgrid/internal/storage"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{}

func (fakeConn) Send([]byte) error   { return nil }
func (fakeConn) Close() error        { return nil }
func (fakeConn) RemoteAddr() string { return "test" }

type cluster struct {
	bus   eventbus.Bus
	grid  topology.Grid
	coord *parent.Coordinator
}

func newCluster(t *testing.T, withParent bool) *cluster {
	t.Helper()
	bus := eventbus.NewMemoryBus(256)
	t.Cleanup(func() { bus.Close() })

	grid, err := topology.NewGrid(64)
	require.NoError(t, err)

	c := &cluster{bus: bus, grid: grid}
	if withParent {
		c.startParent(t)
	}
	return c
}

func (c *cluster) startParent(t *testing.T) {
	t.Helper()
	c.coord = parent.NewCoordinator(c.grid, c.bus)
	svc := parent.NewService(c.coord, c.bus)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
}

func testConfig(id string, x, y, z int) Config {
	return Config{
		ServerID:       id,
		Coordinate:     topology.Coordinate{X: x, Y: y, Z: z},
		Address:        id + ":7000",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		ForwardTimeout: time.Second,
	}
}

func (c *cluster) newManager(t *testing.T, id string, x, y, z int) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(id, x, y, z), c.bus)
	require.NoError(t, err)
	t.Cleanup(m.Terminate)
	return m
}

func (c *cluster) newServer(t *testing.T, id string, x, y, z int, positions storage.PositionRepo) *Server {
	t.Helper()
	m := c.newManager(t, id, x, y, z)
	srv, err := NewServer(ServerConfig{
		Manager:      m,
		Bus:          c.bus,
		Grid:         c.grid,
		Positions:    positions,
		PingInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop(context.Background()) })

	_, err = m.Register(context.Background())
	require.NoError(t, err)
	return srv
}

func hasNeighbor(m *Manager, c topology.Coordinate) bool {
	for _, n := range m.NeighborsOf(m.Coordinate()) {
		if n == c {
			return true
		}
	}
	return false
}

func TestRegisterHandshakeAndUpdates(t *testing.T) {
	c := newCluster(t, true)
	ctx := context.Background()

	a := c.newManager(t, "a", 0, 0, 0)
	reply, err := a.Register(ctx)
	require.NoError(t, err)
	assert.Empty(t, reply.Neighbors)
	assert.Equal(t, Active, a.State())

	b := c.newManager(t, "b", 1, 0, 0)
	reply, err = b.Register(ctx)
	require.NoError(t, err)
	require.Len(t, reply.Neighbors, 1)
	assert.True(t, hasNeighbor(b, topology.Coordinate{}), "Соседи из handshake попадают в карту")

	require.Eventually(t, func() bool { return hasNeighbor(a, topology.Coordinate{X: 1}) },
		2*time.Second, 10*time.Millisecond, "Сервер a должен узнать о b из обновления топологии")

	// Повторная регистрация с той же ячейкой идемпотентна
	_, err = b.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, Active, b.State())
}

func TestRegisterConflictIsPermanent(t *testing.T) {
	c := newCluster(t, true)
	ctx := context.Background()

	_, err := c.newManager(t, "a", 0, 0, 0).Register(ctx)
	require.NoError(t, err)

	b := c.newManager(t, "b", 0, 0, 0)
	_, err = b.Register(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistrationFailure)
	assert.ErrorIs(t, err, parent.ErrCoordinateTaken)
	assert.Equal(t, Unregistered, b.State())
}

func TestRegisterRetriesUntilParentAppears(t *testing.T) {
	c := newCluster(t, false)
	ctx := context.Background()

	m := c.newManager(t, "a", 0, 0, 0)
	_, err := m.Register(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistrationFailure)
	assert.ErrorIs(t, err, eventbus.ErrNoResponders, "Причина отказа сохраняется в цепочке ошибок")
	assert.Equal(t, Unregistered, m.State())

	c.startParent(t)
	_, err = m.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, Active, m.State())
}

func TestForwardRequiresKnownNeighbor(t *testing.T) {
	c := newCluster(t, true)
	ctx := context.Background()

	m := c.newManager(t, "a", 0, 0, 0)
	ev, err := propagation.NewEvent("noise", geom.Vec3{X: 1, Y: 1, Z: 1}, 10, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Forward(ctx, topology.Coordinate{X: 1}, ev), ErrNotRegistered)

	_, err = m.Register(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Forward(ctx, topology.Coordinate{X: 1}, ev), ErrUnreachableNeighbor)

	require.NoError(t, m.Drain(ctx))
	assert.ErrorIs(t, m.Forward(ctx, topology.Coordinate{X: 1}, ev), ErrDraining)
	assert.Empty(t, c.coord.Servers(), "Drain освобождает ячейку у родителя")
}

func TestPropagationAcrossServers(t *testing.T) {
	c := newCluster(t, true)
	ctx := context.Background()

	s0 := c.newServer(t, "s0", 0, 0, 0, nil)
	s1 := c.newServer(t, "s1", 1, 0, 0, nil)
	s2 := c.newServer(t, "s2", 2, 0, 0, nil)

	require.Eventually(t, func() bool {
		return hasNeighbor(s0.Manager(), topology.Coordinate{X: 1}) && hasNeighbor(s1.Manager(), topology.Coordinate{X: 2})
	}, 2*time.Second, 10*time.Millisecond)

	near, err := s1.Join(ctx, "near", fakeConn{}, geom.TransformAt(70, 32, 32))
	require.NoError(t, err)
	far, err := s2.Join(ctx, "far", fakeConn{}, geom.TransformAt(130, 32, 32))
	require.NoError(t, err)
	out, err := s2.Join(ctx, "out", fakeConn{}, geom.TransformAt(150, 32, 32))
	require.NoError(t, err)

	ev, err := propagation.NewEvent("explosion", geom.Vec3{X: 60, Y: 32, Z: 32}, 80, []byte("boom"))
	require.NoError(t, err)
	res, err := s0.Ingest(ctx, ev)
	require.NoError(t, err)
	require.Len(t, res.Forwarded, 1)
	assert.Equal(t, topology.Coordinate{X: 1}, res.Forwarded[0].To)
	assert.InDelta(t, 76.0, res.Forwarded[0].Distance, 1e-9)

	for name, n := range map[string]*player.Notify{"near": near, "far": far} {
		select {
		case d := <-n.C():
			assert.Equal(t, ev.ID.String(), d.EventID, name)
			assert.Equal(t, []byte("boom"), d.Data, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("Игрок %s не получил событие", name)
		}
	}

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, out.Pending(), "Игрок за пределами радиуса не получает событие")
	assert.Zero(t, near.Pending(), "Событие доставляется ровно один раз")
}

func TestStopRejectsEvents(t *testing.T) {
	c := newCluster(t, true)
	ctx := context.Background()

	srv := c.newServer(t, "a", 0, 0, 0, nil)
	_, err := srv.Join(ctx, "p1", fakeConn{}, geom.TransformAt(1, 1, 1))
	require.NoError(t, err)

	require.NoError(t, srv.Stop(ctx))
	assert.Equal(t, Terminated, srv.Manager().State())
	assert.Zero(t, srv.Registry().Len())

	ev, err := propagation.NewEvent("noise", geom.Vec3{}, 5, nil)
	require.NoError(t, err)
	_, err = srv.Ingest(ctx, ev)
	assert.ErrorIs(t, err, ErrDraining)

	_, err = srv.Join(ctx, "p2", fakeConn{}, geom.DefaultTransform())
	assert.ErrorIs(t, err, ErrDraining)

	payload, err := protocol.Encode(ev)
	require.NoError(t, err)
	raw, err := srv.HandleRemote(ctx, eventbus.NewEnvelope("x", "", payload))
	require.NoError(t, err)
	var ack protocol.EventAck
	require.NoError(t, protocol.Decode(raw, &ack))
	assert.False(t, ack.Accepted)
}

func TestJoinRestoresSavedPosition(t *testing.T) {
	c := newCluster(t, true)
	ctx := context.Background()
	repo := storage.NewMemoryPositionRepo()

	require.NoError(t, repo.Save(ctx, "p1", storage.PlayerPosition{
		Location: geom.Location{X: 10, Y: 20, Z: 30},
		Facing:   geom.Rotation{W: 1},
	}))

	srv := c.newServer(t, "a", 0, 0, 0, repo)
	_, err := srv.Join(ctx, "p1", fakeConn{}, geom.TransformAt(1, 1, 1))
	require.NoError(t, err)

	v, ok := srv.Registry().Get("p1")
	require.True(t, ok)
	assert.Equal(t, geom.Location{X: 10, Y: 20, Z: 30}, v.Location, "Сохранённая позиция имеет приоритет")

	_, err = srv.Move("p1", geom.TransformAt(40, 41, 42), 1)
	require.NoError(t, err)
	require.NoError(t, srv.Leave(ctx, "p1"))
	require.NoError(t, srv.Leave(ctx, "p1"), "Повторный выход не ошибка")

	saved, ok, err := repo.Load(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, geom.Location{X: 40, Y: 41, Z: 42}, saved.Location)
}

func TestPingMarksDeadNeighbors(t *testing.T) {
	c := newCluster(t, true)
	ctx := context.Background()

	a := c.newServer(t, "a", 0, 0, 0, nil)

	// b зарегистрирован, но не отвечает на пинги
	mb := c.newManager(t, "b", 1, 0, 0)
	_, err := mb.Register(ctx)
	require.NoError(t, err)

	bc := topology.Coordinate{X: 1}
	require.Eventually(t, func() bool { return hasNeighbor(a.Manager(), bc) }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		a.Manager().PingNeighbors(ctx)
	}
	assert.False(t, hasNeighbor(a.Manager(), bc), "Сосед без ответа исключается из пересылки")

	sb, err := NewServer(ServerConfig{Manager: mb, Bus: c.bus, Grid: c.grid, PingInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, sb.Start(ctx))
	t.Cleanup(func() { sb.Stop(context.Background()) })

	a.Manager().PingNeighbors(ctx)
	assert.True(t, hasNeighbor(a.Manager(), bc), "Ответивший сосед возвращается")
}
