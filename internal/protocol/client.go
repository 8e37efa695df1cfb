package protocol

import (
	"github.com/annel0/cellgrid/internal/geom"
)

// ClientKind - тип сообщения между игроком и дочерним сервером
type ClientKind string

const (
	KindHello ClientKind = "hello"
	KindMove  ClientKind = "move"
	KindEmit  ClientKind = "emit"
	KindBye   ClientKind = "bye"

	KindWelcome ClientKind = "welcome"
	KindEvent   ClientKind = "event"
	KindError   ClientKind = "error"
)

// ClientMessage - сообщение от игрока
type ClientMessage struct {
	Kind      ClientKind      `json:"kind"`
	PlayerID  string          `json:"player_id,omitempty"`
	Transform *geom.Transform `json:"transform,omitempty"`
	At        float64         `json:"at,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Distance  float64         `json:"distance,omitempty"`
	Data      []byte          `json:"data,omitempty"`
}

// ServerMessage - сообщение игроку
type ServerMessage struct {
	Kind     ClientKind     `json:"kind"`
	Location *geom.Location `json:"location,omitempty"`
	EventID  string         `json:"event_id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Origin   *geom.Vec3     `json:"origin,omitempty"`
	Distance float64        `json:"distance,omitempty"`
	Data     []byte         `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
}
