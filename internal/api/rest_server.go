package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/cellgrid/internal/childserver"
	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/middleware"
	"github.com/annel0/cellgrid/internal/parent"
	"github.com/annel0/cellgrid/internal/player"
	"github.com/annel0/cellgrid/internal/propagation"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer - административный REST API дочернего или родительского сервера
type RestServer struct {
	router  *gin.Engine
	child   *childserver.Server
	parent  *parent.Coordinator
	bus     eventbus.Bus
	port    string
	metrics *ServerMetrics
	logger  *logging.Logger
	http    *http.Server
}

// Config содержит конфигурацию для REST сервера. Child и Parent взаимоисключающие.
type Config struct {
	Port    string
	Service string
	Child   *childserver.Server
	Parent  *parent.Coordinator
	Bus     eventbus.Bus
}

// GenericResponse - общий формат ответа
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// EventRequest - событие, внесённое через API
type EventRequest struct {
	Type     string    `json:"type" binding:"required"`
	Origin   geom.Vec3 `json:"origin"`
	Distance float64   `json:"distance"`
	Data     []byte    `json:"data,omitempty"`
}

// PlayerEventRequest - событие от имени игрока в его текущей позиции
type PlayerEventRequest struct {
	Type     string  `json:"type" binding:"required"`
	Distance float64 `json:"distance"`
	Data     []byte  `json:"data,omitempty"`
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8088"
	}
	if config.Service == "" {
		config.Service = "cellgrid_api"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(otelgin.Middleware(config.Service))
	router.Use(middleware.NewRequestLogger().Handler())

	promMw := middleware.NewPrometheusMiddleware(config.Service)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	rs := &RestServer{
		router:  router,
		child:   config.Child,
		parent:  config.Parent,
		bus:     config.Bus,
		port:    config.Port,
		metrics: NewServerMetrics(),
		logger:  logging.GetComponentLogger("api"),
	}
	rs.http = &http.Server{Addr: config.Port, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	rs.setupRoutes()
	return rs
}

// Router - для тестов через httptest
func (rs *RestServer) Router() *gin.Engine { return rs.router }

func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	api.GET("/stats", rs.handleStats)

	if rs.child != nil {
		api.GET("/topology", rs.handleTopology)
		api.GET("/players", rs.handlePlayers)
		api.GET("/players/:id", rs.handlePlayer)
		api.POST("/players/:id/events", rs.handlePlayerEvent)
		api.POST("/events", rs.handleIngest)
		api.GET("/world/regions", rs.handleRegions)
	}
	if rs.parent != nil {
		api.GET("/servers", rs.handleServers)
		api.GET("/affected", rs.handleAffected)
	}
}

// handleHealth - живость процесса и состояние сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	data := gin.H{"uptime": rs.metrics.GetUptime()}
	status := http.StatusOK

	if rs.child != nil {
		state := rs.child.Manager().State()
		data["state"] = state.String()
		data["coordinate"] = rs.child.Coordinate()
		if state != childserver.Active {
			status = http.StatusServiceUnavailable
		}
	}
	if rs.parent != nil {
		data["topology_version"] = rs.parent.Version()
	}

	c.JSON(status, GenericResponse{Success: status == http.StatusOK, Message: "health", Data: data})
}

// handleStats возвращает статистику процесса, шины и игроков
func (rs *RestServer) handleStats(c *gin.Context) {
	stats := gin.H{"process": rs.metrics.Snapshot(), "server_time": time.Now().Unix()}
	if rs.bus != nil {
		stats["bus"] = rs.bus.Metrics()
	}
	if rs.child != nil {
		stats["players"] = rs.child.Registry().Len()
		stats["regions"] = len(rs.child.World().LoadedRegions())
	}
	if rs.parent != nil {
		stats["servers"] = len(rs.parent.Servers())
	}

	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Статистика получена", Data: stats})
}

type neighborView struct {
	ServerID   string    `json:"server_id"`
	Coordinate string    `json:"coordinate"`
	Address    string    `json:"address"`
	Alive      bool      `json:"alive"`
	LastSeen   time.Time `json:"last_seen"`
}

func (rs *RestServer) handleTopology(c *gin.Context) {
	m := rs.child.Manager()
	links := m.Neighbors()
	neighbors := make([]neighborView, 0, len(links))
	for _, l := range links {
		neighbors = append(neighbors, neighborView{
			ServerID:   l.Info.ServerID,
			Coordinate: l.Info.Coordinate.String(),
			Address:    l.Info.Address,
			Alive:      l.Alive(),
			LastSeen:   l.LastSeen(),
		})
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Топология ячейки",
		Data: gin.H{
			"server_id":  m.ID(),
			"coordinate": m.Coordinate(),
			"state":      m.State().String(),
			"bounds":     rs.child.Engine().Grid().Bounds(m.Coordinate()),
			"neighbors":  neighbors,
		},
	})
}

func (rs *RestServer) handlePlayers(c *gin.Context) {
	views := rs.child.Registry().Snapshot()
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Игроки ячейки",
		Data:    gin.H{"players": views, "total": len(views)},
	})
}

func (rs *RestServer) handlePlayer(c *gin.Context) {
	id := c.Param("id")
	v, ok := rs.child.Registry().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Игрок не найден"})
		return
	}
	trajectory, _ := rs.child.Registry().Trajectory(id)
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Игрок",
		Data:    gin.H{"player": v, "trajectory": trajectory, "pending": v.Notify.Pending(), "dropped": v.Notify.Dropped()},
	})
}

func (rs *RestServer) handleIngest(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: err.Error()})
		return
	}
	ev, err := propagation.NewEvent(req.Type, req.Origin, req.Distance, req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: err.Error()})
		return
	}

	res, err := rs.child.Ingest(c.Request.Context(), ev)
	rs.respondPropagation(c, ev, res, err)
}

func (rs *RestServer) handlePlayerEvent(c *gin.Context) {
	var req PlayerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: err.Error()})
		return
	}

	ev, res, err := rs.child.Emit(c.Request.Context(), c.Param("id"), req.Type, req.Distance, req.Data)
	rs.respondPropagation(c, ev, res, err)
}

func (rs *RestServer) respondPropagation(c *gin.Context, ev propagation.Event, res propagation.Result, err error) {
	switch {
	case err == nil:
	case errors.Is(err, player.ErrNotFound):
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: err.Error()})
		return
	case errors.Is(err, propagation.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: err.Error()})
		return
	case errors.Is(err, childserver.ErrDraining):
		c.JSON(http.StatusServiceUnavailable, GenericResponse{Success: false, Message: err.Error()})
		return
	default:
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: err.Error()})
		return
	}

	failed := make([]gin.H, 0, len(res.Failed))
	for _, f := range res.Failed {
		failed = append(failed, gin.H{"to": f.To, "distance": f.Distance, "error": f.Err.Error()})
	}
	c.JSON(http.StatusAccepted, GenericResponse{
		Success: true,
		Message: "Событие принято",
		Data: gin.H{
			"event_id":  ev.ID.String(),
			"delivered": res.Delivered,
			"missed":    res.Missed,
			"forwarded": res.Forwarded,
			"failed":    failed,
			"rerouted":  res.Rerouted,
		},
	})
}

func (rs *RestServer) handleRegions(c *gin.Context) {
	w := rs.child.World()
	locs := w.LoadedRegions()
	regions := make([]gin.H, 0, len(locs))
	for _, loc := range locs {
		regions = append(regions, gin.H{
			"location": loc,
			"actors":   len(w.ActorsInRegion(loc)),
		})
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Загруженные регионы", Data: regions})
}

func (rs *RestServer) handleServers(c *gin.Context) {
	servers := rs.parent.Servers()
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Дочерние серверы",
		Data:    gin.H{"servers": servers, "version": rs.parent.Version()},
	})
}

// MaxAffectedRadius - наибольший радиус, принимаемый /api/affected
const MaxAffectedRadius = 1e6

// handleAffected показывает, какие серверы затронет событие (x, y, z, r в query)
func (rs *RestServer) handleAffected(c *gin.Context) {
	var vals [4]float64
	for i, key := range []string{"x", "y", "z", "r"} {
		v, err := strconv.ParseFloat(c.Query(key), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "некорректный параметр " + key})
			return
		}
		vals[i] = v
	}
	if !(vals[3] >= 0) || vals[3] > MaxAffectedRadius {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: fmt.Sprintf("r должен быть в диапазоне [0, %g]", MaxAffectedRadius)})
		return
	}

	servers, overflow := rs.parent.Affected(geom.Vec3{X: vals[0], Y: vals[1], Z: vals[2]}, vals[3])
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Затронутые серверы",
		Data:    gin.H{"servers": servers, "overflow": overflow},
	})
}

// Start запускает HTTP сервер и блокируется до Stop
func (rs *RestServer) Start() error {
	rs.logger.Info("🌐 REST API слушает %s", rs.port)
	if err := rs.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop выполняет graceful shutdown
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.http.Shutdown(ctx)
}
