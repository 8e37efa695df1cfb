package player

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/annel0/cellgrid/internal/geom"
)

var (
	// ErrClosed - игрок отключился, handle закрыт
	ErrClosed = errors.New("notify handle closed")
	// ErrBufferFull - очередь игрока переполнена, уведомление отброшено
	ErrBufferFull = errors.New("notify buffer full")
)

// DefaultNotifyBuffer - размер очереди уведомлений по умолчанию
const DefaultNotifyBuffer = 256

// Delivery - событие, доставленное игроку
type Delivery struct {
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Origin   geom.Vec3 `json:"origin"`
	Data     []byte    `json:"data,omitempty"`
	Distance float64   `json:"distance"` // расстояние от источника до игрока
}

// Notify - FIFO очередь уведомлений одного игрока.
// Push никогда не блокирует: при переполнении уведомление отбрасывается.
type Notify struct {
	mu      sync.RWMutex
	ch      chan Delivery
	closed  bool
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// NewNotify создаёт очередь заданного размера
func NewNotify(buffer int) *Notify {
	if buffer <= 0 {
		buffer = DefaultNotifyBuffer
	}
	return &Notify{ch: make(chan Delivery, buffer)}
}

// Push ставит уведомление в очередь
func (n *Notify) Push(d Delivery) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return ErrClosed
	}
	select {
	case n.ch <- d:
		n.pushed.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		notifyDropped.Inc()
		return ErrBufferFull
	}
}

// C возвращает канал чтения; закрывается при Close
func (n *Notify) C() <-chan Delivery { return n.ch }

// Close закрывает очередь. Повторный вызов безопасен.
func (n *Notify) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.ch)
}

// Closed сообщает, закрыта ли очередь
func (n *Notify) Closed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// Dropped - число отброшенных уведомлений
func (n *Notify) Dropped() uint64 { return n.dropped.Load() }

// Pushed - число принятых уведомлений
func (n *Notify) Pushed() uint64 { return n.pushed.Load() }

// Pending - число уведомлений в очереди
func (n *Notify) Pending() int { return len(n.ch) }
