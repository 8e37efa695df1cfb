package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/cellgrid/internal/logging"
	nats "github.com/nats-io/nats.go"
)

const errorMetadataKey = "error"

// NATSBus реализует Bus поверх NATS core (publish/subscribe и request/reply).
// Доставка at-most-once: недоставленное событие считается промахом.
type NATSBus struct {
	nc     *nats.Conn
	logger *logging.Logger

	published uint64
	requests  uint64
	consumed  uint64
	dropped   uint64
	failed    uint64
}

// NewNATSBus подключается к NATS. url: nats://127.0.0.1:4222, name - имя клиента.
func NewNATSBus(url, name string) (*NATSBus, error) {
	logger := logging.GetComponentLogger("eventbus")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("🔌 NATS отключён: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("🔌 NATS переподключён к %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("📡 Подключено к NATS %s как %s", url, name)
	return &NATSBus{nc: nc, logger: logger}, nil
}

// Publish сериализует Envelope в JSON и публикует в ev.Subject.
func (nb *NATSBus) Publish(ctx context.Context, ev *Envelope) error {
	if err := ctx.Err(); err != nil {
		atomic.AddUint64(&nb.dropped, 1)
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := nb.nc.Publish(ev.Subject, data); err != nil {
		atomic.AddUint64(&nb.failed, 1)
		return nb.mapError(err)
	}
	atomic.AddUint64(&nb.published, 1)
	return nil
}

// Request отправляет запрос и ждёт ответ до отмены ctx.
func (nb *NATSBus) Request(ctx context.Context, ev *Envelope) (*Envelope, error) {
	atomic.AddUint64(&nb.requests, 1)

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	msg, err := nb.nc.RequestWithContext(ctx, ev.Subject, data)
	if err != nil {
		atomic.AddUint64(&nb.failed, 1)
		return nil, nb.mapError(err)
	}

	var reply Envelope
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		atomic.AddUint64(&nb.failed, 1)
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if remote, ok := reply.Metadata[errorMetadataKey]; ok {
		atomic.AddUint64(&nb.failed, 1)
		return nil, NewRemoteError(remote)
	}
	return &reply, nil
}

// Subscribe вызывает handler для каждого сообщения; если у сообщения есть reply-subject,
// результат handler отправляется обратно.
func (nb *NATSBus) Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error) {
	natSub, err := nb.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev Envelope
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			atomic.AddUint64(&nb.dropped, 1)
			nb.logger.Warn("⚠️ Некорректный конверт на %s: %v", msg.Subject, err)
			return
		}

		payload, herr := h(ctx, &ev)
		atomic.AddUint64(&nb.consumed, 1)
		if herr != nil {
			atomic.AddUint64(&nb.failed, 1)
		}
		if msg.Reply == "" {
			return
		}

		reply := NewEnvelope(ev.Subject, msg.Reply, payload)
		reply.Metadata = map[string]string{"in_reply_to": ev.ID}
		if herr != nil {
			reply.Metadata[errorMetadataKey] = herr.Error()
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := msg.Respond(data); err != nil {
			nb.logger.Warn("⚠️ Не удалось ответить на %s: %v", msg.Subject, err)
		}
	})
	if err != nil {
		return nil, nb.mapError(err)
	}

	return &natsSub{natSub}, nil
}

// natsSub обёртка вокруг *nats.Subscription чтобы удовлетворить наш интерфейс.
type natsSub struct {
	s *nats.Subscription
}

func (n *natsSub) Unsubscribe() {
	_ = n.s.Unsubscribe()
}

// Metrics возвращает текущие метрики.
func (nb *NATSBus) Metrics() Stats {
	return Stats{
		Published: atomic.LoadUint64(&nb.published),
		Requests:  atomic.LoadUint64(&nb.requests),
		Consumed:  atomic.LoadUint64(&nb.consumed),
		Dropped:   atomic.LoadUint64(&nb.dropped),
		Failed:    atomic.LoadUint64(&nb.failed),
	}
}

// Close дожидается отправки буферов и закрывает соединение.
func (nb *NATSBus) Close() error {
	if nb.nc.IsClosed() {
		return nil
	}
	return nb.nc.Drain()
}

func (nb *NATSBus) mapError(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return ErrNoResponders
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrBusClosed
	default:
		return err
	}
}
