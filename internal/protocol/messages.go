package protocol

import (
	"fmt"
	"time"

	"github.com/annel0/cellgrid/internal/topology"
)

// Subjects кластерной шины
const (
	SubjectRegister   = "cellgrid.topology.register"
	SubjectDeregister = "cellgrid.topology.deregister"
	SubjectUpdates    = "cellgrid.topology.updates"
	SubjectNeighbors  = "cellgrid.topology.neighbors"
	SubjectAll        = "cellgrid.>"
)

// CellEventsSubject - входящие события ячейки
func CellEventsSubject(c topology.Coordinate) string {
	return fmt.Sprintf("cellgrid.cell.%d.%d.%d.events", c.X, c.Y, c.Z)
}

// CellPingSubject - проверка живости сервера ячейки
func CellPingSubject(c topology.Coordinate) string {
	return fmt.Sprintf("cellgrid.cell.%d.%d.%d.ping", c.X, c.Y, c.Z)
}

// Коды ошибок в ответах родителя
const (
	CodeOK                  = ""
	CodeCoordinateTaken     = "coordinate_taken"
	CodeCoordinateImmutable = "coordinate_immutable"
	CodeInvalidRequest      = "invalid_request"
	CodeUnknownServer       = "unknown_server"
)

// NeighborInfo - адресная информация о сервере ячейки
type NeighborInfo struct {
	ServerID   string              `json:"server_id"`
	Coordinate topology.Coordinate `json:"coordinate"`
	Address    string              `json:"address"`
}

// RegisterRequest - запрос дочернего сервера на ячейку
type RegisterRequest struct {
	ServerID   string              `json:"server_id"`
	Coordinate topology.Coordinate `json:"coordinate"`
	Address    string              `json:"address"`
}

// RegisterReply - ответ родителя (handshake)
type RegisterReply struct {
	Code       string              `json:"code,omitempty"`
	Message    string              `json:"message,omitempty"`
	Coordinate topology.Coordinate `json:"coordinate"`
	Neighbors  []NeighborInfo      `json:"neighbors"`
}

// DeregisterRequest - дочерний сервер освобождает ячейку
type DeregisterRequest struct {
	ServerID   string              `json:"server_id"`
	Coordinate topology.Coordinate `json:"coordinate"`
}

// DeregisterReply - подтверждение освобождения
type DeregisterReply struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NeighborsRequest - запрос актуального списка соседей
type NeighborsRequest struct {
	Coordinate topology.Coordinate `json:"coordinate"`
}

// NeighborsReply - соседи ячейки
type NeighborsReply struct {
	Neighbors []NeighborInfo `json:"neighbors"`
}

// UpdateKind - тип изменения топологии
type UpdateKind string

const (
	NeighborJoined UpdateKind = "joined"
	NeighborLeft   UpdateKind = "left"
)

// TopologyUpdate рассылается родителем при изменении топологии
type TopologyUpdate struct {
	Kind    UpdateKind   `json:"kind"`
	Server  NeighborInfo `json:"server"`
	Version uint64       `json:"version"`
}

// Ping - проверка живости соседа
type Ping struct {
	ServerID string    `json:"server_id"`
	SentAt   time.Time `json:"sent_at"`
}

// Pong - ответ на Ping
type Pong struct {
	ServerID   string              `json:"server_id"`
	Coordinate topology.Coordinate `json:"coordinate"`
	Players    int                 `json:"players"`
	Draining   bool                `json:"draining"`
}

// EventAck - подтверждение приёма пересланного события
type EventAck struct {
	Accepted  bool   `json:"accepted"`
	Delivered int    `json:"delivered"`
	Forwarded int    `json:"forwarded"`
	Reason    string `json:"reason,omitempty"`
}
