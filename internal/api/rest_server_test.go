package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annel0/cellgrid/internal/childserver"
	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/parent"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	bus    eventbus.Bus
	coord  *parent.Coordinator
	child  *childserver.Server
	childR *RestServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() { bus.Close() })

	grid, err := topology.NewGrid(64)
	require.NoError(t, err)

	coord := parent.NewCoordinator(grid, bus)
	svc := parent.NewService(coord, bus)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	m, err := childserver.NewManager(childserver.Config{ServerID: "child-0", ForwardTimeout: time.Second}, bus)
	require.NoError(t, err)
	srv, err := childserver.NewServer(childserver.ServerConfig{Manager: m, Bus: bus, Grid: grid, PingInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop(context.Background()) })
	_, err = m.Register(context.Background())
	require.NoError(t, err)

	return &fixture{
		bus:    bus,
		coord:  coord,
		child:  srv,
		childR: NewRestServer(Config{Child: srv, Bus: bus, Service: "api_test"}),
	}
}

func do(t *testing.T, rs *RestServer, method, path string, body interface{}) (int, GenericResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	rs.Router().ServeHTTP(w, req)

	var resp GenericResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)

	code, resp := do(t, f.childR, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "active", data["state"])

	code, resp = do(t, f.childR, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
}

func TestIngestEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.child.Join(ctx, "near", nil, geom.TransformAt(10, 10, 10))
	require.NoError(t, err)
	_, err = f.child.Join(ctx, "far", nil, geom.TransformAt(60, 60, 60))
	require.NoError(t, err)

	code, resp := do(t, f.childR, http.MethodPost, "/api/events", EventRequest{
		Type:     "explosion",
		Origin:   geom.Vec3{X: 12, Y: 10, Z: 10},
		Distance: 5,
	})
	require.Equal(t, http.StatusAccepted, code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"near"}, data["delivered"])

	code, _ = do(t, f.childR, http.MethodPost, "/api/events", EventRequest{Type: "bad", Distance: -1})
	assert.Equal(t, http.StatusBadRequest, code, "Отрицательная дистанция отклоняется")

	code, _ = do(t, f.childR, http.MethodPost, "/api/players/ghost/events", PlayerEventRequest{Type: "shout", Distance: 3})
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = do(t, f.childR, http.MethodPost, "/api/players/far/events", PlayerEventRequest{Type: "shout", Distance: 1})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, []interface{}{"far"}, resp.Data.(map[string]interface{})["delivered"])
}

func TestPlayersAndTopology(t *testing.T) {
	f := newFixture(t)
	_, err := f.child.Join(context.Background(), "p1", nil, geom.TransformAt(1, 2, 3))
	require.NoError(t, err)

	code, resp := do(t, f.childR, http.MethodGet, "/api/players", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, resp.Data.(map[string]interface{})["total"])

	code, _ = do(t, f.childR, http.MethodGet, "/api/players/p1", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, f.childR, http.MethodGet, "/api/players/nobody", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = do(t, f.childR, http.MethodGet, "/api/topology", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "child-0", resp.Data.(map[string]interface{})["server_id"])
}

func TestParentEndpoints(t *testing.T) {
	f := newFixture(t)
	rs := NewRestServer(Config{Parent: f.coord, Bus: f.bus, Service: "api_test"})

	code, resp := do(t, rs, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, code)
	servers := resp.Data.(map[string]interface{})["servers"].([]interface{})
	assert.Len(t, servers, 1)

	code, resp = do(t, rs, http.MethodGet, "/api/affected?x=60&y=32&z=32&r=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["overflow"])

	code, _ = do(t, rs, http.MethodGet, "/api/affected?x=1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, rs, http.MethodGet, "/api/affected?x=0&y=0&z=0&r=1e12", nil)
	assert.Equal(t, http.StatusBadRequest, code, "Радиус больше MaxAffectedRadius отклоняется")

	code, resp = do(t, rs, http.MethodGet, "/api/affected?x=0&y=0&z=0&r=1e6", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Data.(map[string]interface{})["servers"].([]interface{}), 1)

	code, _ = do(t, rs, http.MethodGet, "/api/players", nil)
	assert.Equal(t, http.StatusNotFound, code, "Маршруты дочернего сервера отсутствуют у родителя")
}
