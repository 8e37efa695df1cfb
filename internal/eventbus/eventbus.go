package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoResponders - на subject никто не подписан
	ErrNoResponders = errors.New("eventbus: no responders")
	// ErrBusClosed - шина закрыта
	ErrBusClosed = errors.New("eventbus: closed")
	// ErrRemote - обработчик на стороне получателя вернул ошибку
	ErrRemote = errors.New("eventbus: remote handler error")
)

// Envelope описывает универсальный контейнер сообщения кластерной шины.
type Envelope struct {
	ID        string            `json:"id"`        // Глобально уникальный идентификатор (UUID).
	Timestamp time.Time         `json:"timestamp"` // Время создания (UTC).
	Source    string            `json:"source"`    // ID сервера-источника.
	Subject   string            `json:"subject"`   // Адресат (cellgrid.cell.1.0.0.events …).
	Payload   []byte            `json:"payload"`   // Сериализованное тело.
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEnvelope создаёт конверт с новым ID
func NewEnvelope(source, subject string, payload []byte) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Subject:   subject,
		Payload:   payload,
	}
}

// Subscription возвращается при подписке; позволяет отписаться.
type Subscription interface {
	Unsubscribe()
}

// Handler обрабатывает сообщение. Для Request возвращённые байты становятся ответом,
// для Publish ответ игнорируется.
type Handler func(ctx context.Context, ev *Envelope) ([]byte, error)

// Stats агрегированные метрики шины.
type Stats struct {
	Published uint64
	Requests  uint64
	Consumed  uint64
	Dropped   uint64
	Failed    uint64
	InFlight  int
}

// Bus - транспорт между родителем и дочерними серверами.
// Реализации: in-memory (один процесс, тесты) и NATS.
type Bus interface {
	Publish(ctx context.Context, ev *Envelope) error
	Request(ctx context.Context, ev *Envelope) (*Envelope, error)
	Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error)
	Metrics() Stats
	Close() error
}

// MatchSubject сравнивает subject с шаблоном в стиле NATS:
// "*" - ровно один токен, ">" - один и более токенов в конце.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

//================ In-Memory implementation =================//

type memoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	buffer      chan *Envelope
	closed      bool
	closeOnce   sync.Once
	done        chan struct{}

	published, requests, consumed, dropped, failed atomic.Uint64
}

type subscriber struct {
	pattern string
	handler Handler
	queue   chan *Envelope
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMemoryBus создаёт in-memory Bus с указанным буфером.
// Каждый подписчик получает сообщения в порядке публикации.
func NewMemoryBus(capacity int) Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	mb := &memoryBus{
		subscribers: make(map[int]*subscriber),
		buffer:      make(chan *Envelope, capacity),
		done:        make(chan struct{}),
	}
	go mb.dispatchLoop()
	return mb
}

func (mb *memoryBus) Publish(ctx context.Context, ev *Envelope) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrBusClosed
	}

	select {
	case mb.buffer <- ev:
		mb.published.Add(1)
		return nil
	case <-ctx.Done():
		mb.dropped.Add(1)
		return ctx.Err()
	}
}

// Request вызывает обработчик первого подходящего подписчика и ждёт ответ.
func (mb *memoryBus) Request(ctx context.Context, ev *Envelope) (*Envelope, error) {
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return nil, ErrBusClosed
	}
	var target *subscriber
	for id := 0; id < mb.nextID; id++ {
		if sub, ok := mb.subscribers[id]; ok && MatchSubject(sub.pattern, ev.Subject) {
			target = sub
			break
		}
	}
	mb.mu.RUnlock()

	mb.requests.Add(1)
	if target == nil {
		mb.failed.Add(1)
		return nil, ErrNoResponders
	}

	type result struct {
		payload []byte
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		payload, err := target.handler(ctx, ev)
		resCh <- result{payload, err}
	}()

	select {
	case res := <-resCh:
		mb.consumed.Add(1)
		if res.err != nil {
			mb.failed.Add(1)
			return nil, NewRemoteError(res.err.Error())
		}
		reply := NewEnvelope(ev.Subject, "", res.payload)
		reply.Metadata = map[string]string{"in_reply_to": ev.ID}
		return reply, nil
	case <-ctx.Done():
		mb.failed.Add(1)
		return nil, ctx.Err()
	}
}

func (mb *memoryBus) Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil, ErrBusClosed
	}

	id := mb.nextID
	mb.nextID++
	cctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		pattern: subject,
		handler: h,
		queue:   make(chan *Envelope, cap(mb.buffer)),
		ctx:     cctx,
		cancel:  cancel,
	}
	mb.subscribers[id] = sub
	go mb.consume(sub)

	return &memSub{bus: mb, id: id}, nil
}

func (mb *memoryBus) Metrics() Stats {
	return Stats{
		Published: mb.published.Load(),
		Requests:  mb.requests.Load(),
		Consumed:  mb.consumed.Load(),
		Dropped:   mb.dropped.Load(),
		Failed:    mb.failed.Load(),
		InFlight:  len(mb.buffer),
	}
}

func (mb *memoryBus) Close() error {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		for id, sub := range mb.subscribers {
			sub.cancel()
			delete(mb.subscribers, id)
		}
		close(mb.buffer)
		mb.mu.Unlock()
		<-mb.done
	})
	return nil
}

// dispatchLoop раскладывает сообщения по очередям подписчиков.
func (mb *memoryBus) dispatchLoop() {
	defer close(mb.done)
	for ev := range mb.buffer {
		mb.mu.RLock()
		subs := make([]*subscriber, 0, len(mb.subscribers))
		for _, sub := range mb.subscribers {
			if MatchSubject(sub.pattern, ev.Subject) {
				subs = append(subs, sub)
			}
		}
		mb.mu.RUnlock()

		for _, sub := range subs {
			select {
			case sub.queue <- ev:
			case <-sub.ctx.Done():
			default:
				mb.dropped.Add(1)
			}
		}
	}
}

// consume последовательно вызывает обработчик подписчика
func (mb *memoryBus) consume(sub *subscriber) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case ev := <-sub.queue:
			if _, err := sub.handler(sub.ctx, ev); err != nil {
				mb.failed.Add(1)
			}
			mb.consumed.Add(1)
		}
	}
}

type memSub struct {
	bus *memoryBus
	id  int
}

func (s *memSub) Unsubscribe() {
	s.bus.mu.Lock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		sub.cancel()
		delete(s.bus.subscribers, s.id)
	}
	s.bus.mu.Unlock()
}

// RemoteError - ошибка обработчика получателя, переданная через шину
type RemoteError struct{ Msg string }

func (e *RemoteError) Error() string { return "eventbus: remote: " + e.Msg }
func (e *RemoteError) Unwrap() error { return ErrRemote }

// NewRemoteError оборачивает текст ошибки получателя
func NewRemoteError(msg string) error {
	return &RemoteError{Msg: msg}
}
