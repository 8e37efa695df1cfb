package parent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGrid(t *testing.T) topology.Grid {
	grid, err := topology.NewGrid(64)
	require.NoError(t, err)
	return grid
}

func reg(id string, x, y, z int) protocol.RegisterRequest {
	return protocol.RegisterRequest{ServerID: id, Coordinate: topology.Coordinate{X: x, Y: y, Z: z}, Address: id + ":7000"}
}

func TestRegisterGrantsAndReturnsNeighbors(t *testing.T) {
	c := NewCoordinator(newTestGrid(t), nil)
	ctx := context.Background()

	reply, err := c.Register(ctx, reg("a", 0, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, reply.Neighbors, "Первый сервер не должен иметь соседей")

	reply, err = c.Register(ctx, reg("b", 1, 0, 0))
	require.NoError(t, err)
	require.Len(t, reply.Neighbors, 1)
	assert.Equal(t, "a", reply.Neighbors[0].ServerID)

	// Не сосед: (3,0,0) далеко от обоих
	reply, err = c.Register(ctx, reg("c", 3, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, reply.Neighbors)

	assert.Equal(t, uint64(3), c.Version())
	assert.Len(t, c.Servers(), 3)
}

func TestRegisterConflicts(t *testing.T) {
	c := NewCoordinator(newTestGrid(t), nil)
	ctx := context.Background()

	_, err := c.Register(ctx, reg("a", 0, 0, 0))
	require.NoError(t, err)

	_, err = c.Register(ctx, reg("b", 0, 0, 0))
	assert.ErrorIs(t, err, ErrCoordinateTaken, "Занятая ячейка не должна выдаваться повторно")

	_, err = c.Register(ctx, reg("a", 1, 0, 0))
	assert.ErrorIs(t, err, ErrCoordinateImmutable, "Сервер не может сменить ячейку")

	_, err = c.Register(ctx, protocol.RegisterRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, uint64(1), c.Version(), "Отказы не меняют топологию")
}

func TestRegisterIsIdempotent(t *testing.T) {
	c := NewCoordinator(newTestGrid(t), nil)
	ctx := context.Background()

	_, err := c.Register(ctx, reg("a", 0, 0, 0))
	require.NoError(t, err)

	again := reg("a", 0, 0, 0)
	again.Address = "a:7001"
	_, err = c.Register(ctx, again)
	require.NoError(t, err)

	servers := c.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, "a:7001", servers[0].Address, "Повторная регистрация обновляет адрес")
	assert.Equal(t, uint64(1), c.Version())
}

func TestDeregisterReleasesCoordinate(t *testing.T) {
	c := NewCoordinator(newTestGrid(t), nil)
	ctx := context.Background()

	_, err := c.Register(ctx, reg("a", 0, 0, 0))
	require.NoError(t, err)
	assert.True(t, c.Deregister(ctx, "a"))
	assert.False(t, c.Deregister(ctx, "a"), "Повторное освобождение ничего не делает")

	_, err = c.Register(ctx, reg("b", 0, 0, 0))
	assert.NoError(t, err, "Освобождённая ячейка доступна другому серверу")
}

func TestConcurrentRegistrationSingleWinner(t *testing.T) {
	c := NewCoordinator(newTestGrid(t), nil)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if _, err := c.Register(ctx, reg(id, 2, 2, 2)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "Ячейку должен получить ровно один сервер")
}

func TestAffected(t *testing.T) {
	c := NewCoordinator(newTestGrid(t), nil)
	ctx := context.Background()
	for i, x := range []int{0, 1, -1, 5} {
		_, err := c.Register(ctx, reg(string(rune('a'+i)), x, 0, 0))
		require.NoError(t, err)
	}

	servers, overflow := c.Affected(geom.Vec3{X: 60, Y: 32, Z: 32}, 10)
	assert.True(t, overflow)
	ids := []string{}
	for _, s := range servers {
		ids = append(ids, s.ServerID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	servers, overflow = c.Affected(geom.Vec3{X: 32, Y: 32, Z: 32}, 5)
	assert.False(t, overflow)
	assert.Len(t, servers, 1)
}

// Стоимость зависит от числа серверов, а не от объёма сферы
func TestAffectedHugeRadius(t *testing.T) {
	c := NewCoordinator(newTestGrid(t), nil)
	ctx := context.Background()
	for i, x := range []int{-1, 5, 0} {
		_, err := c.Register(ctx, reg(string(rune('a'+i)), x, 0, 0))
		require.NoError(t, err)
	}

	start := time.Now()
	servers, overflow := c.Affected(geom.Vec3{X: 32, Y: 32, Z: 32}, 1e9)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, overflow)

	coords := []topology.Coordinate{}
	for _, s := range servers {
		coords = append(coords, s.Coordinate)
	}
	assert.Equal(t, []topology.Coordinate{{X: -1}, {X: 0}, {X: 5}}, coords, "Серверы упорядочены по координате")
}

func TestServiceOverBus(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewCoordinator(newTestGrid(t), bus)
	svc := NewService(c, bus)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	updates := make(chan protocol.TopologyUpdate, 8)
	_, err := bus.Subscribe(ctx, protocol.SubjectUpdates, func(ctx context.Context, ev *eventbus.Envelope) ([]byte, error) {
		var upd protocol.TopologyUpdate
		if err := protocol.Decode(ev.Payload, &upd); err != nil {
			return nil, err
		}
		updates <- upd
		return nil, nil
	})
	require.NoError(t, err)

	request := func(subject string, body interface{}, out interface{}) {
		payload, err := protocol.Encode(body)
		require.NoError(t, err)
		reply, err := bus.Request(ctx, eventbus.NewEnvelope("test", subject, payload))
		require.NoError(t, err)
		require.NoError(t, protocol.Decode(reply.Payload, out))
	}

	var rr protocol.RegisterReply
	request(protocol.SubjectRegister, reg("a", 0, 0, 0), &rr)
	assert.Equal(t, protocol.CodeOK, rr.Code)

	request(protocol.SubjectRegister, reg("b", 0, 0, 0), &rr)
	assert.Equal(t, protocol.CodeCoordinateTaken, rr.Code)

	request(protocol.SubjectRegister, reg("a", 0, 1, 0), &rr)
	assert.Equal(t, protocol.CodeCoordinateImmutable, rr.Code)

	request(protocol.SubjectRegister, reg("b", 0, 1, 0), &rr)
	require.Equal(t, protocol.CodeOK, rr.Code)
	require.Len(t, rr.Neighbors, 1)

	var nr protocol.NeighborsReply
	request(protocol.SubjectNeighbors, protocol.NeighborsRequest{Coordinate: topology.Coordinate{}}, &nr)
	require.Len(t, nr.Neighbors, 1)
	assert.Equal(t, "b", nr.Neighbors[0].ServerID)

	var dr protocol.DeregisterReply
	request(protocol.SubjectDeregister, protocol.DeregisterRequest{ServerID: "b"}, &dr)
	assert.Equal(t, protocol.CodeOK, dr.Code)
	request(protocol.SubjectDeregister, protocol.DeregisterRequest{ServerID: "b"}, &dr)
	assert.Equal(t, protocol.CodeUnknownServer, dr.Code)

	want := []protocol.UpdateKind{protocol.NeighborJoined, protocol.NeighborJoined, protocol.NeighborLeft}
	for i, kind := range want {
		select {
		case upd := <-updates:
			assert.Equal(t, kind, upd.Kind)
			assert.Equal(t, uint64(i+1), upd.Version, "Версии идут по порядку")
		case <-time.After(2 * time.Second):
			t.Fatalf("Не получено обновление топологии #%d", i+1)
		}
	}
}
