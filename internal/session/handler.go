package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/logging"
	"github.com/annel0/cellgrid/internal/player"
	"github.com/annel0/cellgrid/internal/propagation"
	"github.com/annel0/cellgrid/internal/protocol"
)

// ErrHandshake - первое сообщение сессии не hello
var ErrHandshake = errors.New("session handshake failed")

// Backend - дочерний сервер с точки зрения сессии игрока
type Backend interface {
	Join(ctx context.Context, id string, conn player.Conn, transform geom.Transform) (*player.Notify, error)
	Leave(ctx context.Context, id string) error
	Move(id string, transform geom.Transform, at float64) (geom.Location, error)
	Emit(ctx context.Context, playerID, typ string, distance float64, data []byte) (propagation.Event, propagation.Result, error)
}

// Handler обслуживает сессии игроков
type Handler struct {
	backend Backend
	logger  *logging.Logger
}

// NewHandler создаёт обработчик сессий
func NewHandler(backend Backend) *Handler {
	registerMetrics()
	return &Handler{backend: backend, logger: logging.GetComponentLogger("session")}
}

// Serve ведёт одну сессию: hello, затем move/emit до bye или разрыва.
// Уведомления игрока отправляются отдельной горутиной через Pump.
func (h *Handler) Serve(ctx context.Context, conn *StreamConn) error {
	defer conn.Close()

	raw, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	hello, err := protocol.UnmarshalClient(raw)
	if err != nil {
		h.reply(conn, protocol.ServerMessage{Kind: protocol.KindError, Error: err.Error()})
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if hello.Kind != protocol.KindHello || hello.PlayerID == "" {
		h.reply(conn, protocol.ServerMessage{Kind: protocol.KindError, Error: "expected hello"})
		return fmt.Errorf("%w: got %q", ErrHandshake, hello.Kind)
	}

	transform := geom.DefaultTransform()
	if hello.Transform != nil {
		transform = *hello.Transform
	}
	id := hello.PlayerID
	notify, err := h.backend.Join(ctx, id, conn, transform)
	if err != nil {
		h.reply(conn, protocol.ServerMessage{Kind: protocol.KindError, Error: err.Error()})
		return err
	}
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	defer func() {
		if err := h.backend.Leave(context.Background(), id); err != nil {
			h.logger.Warn("⚠️ Не удалось сохранить позицию игрока %s: %v", id, err)
		}
	}()

	// welcome уходит до старта Pump, чтобы оказаться первым кадром
	if v, ok := playerLocation(h.backend, id, transform); ok {
		h.reply(conn, protocol.ServerMessage{Kind: protocol.KindWelcome, Location: &v})
	}

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := Pump(sctx, notify, conn); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Debug("Pump игрока %s завершён: %v", id, err)
			conn.Close()
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	h.logger.Info("🎮 Сессия игрока %s с %s открыта", id, conn.RemoteAddr())
	for {
		raw, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		msg, err := protocol.UnmarshalClient(raw)
		if err != nil {
			malformedFrames.Inc()
			h.logger.Debug("Некорректный кадр от %s: %v", id, err)
			h.reply(conn, protocol.ServerMessage{Kind: protocol.KindError, Error: err.Error()})
			continue
		}

		switch msg.Kind {
		case protocol.KindMove:
			if msg.Transform == nil {
				continue
			}
			if _, err := h.backend.Move(id, *msg.Transform, msg.At); err != nil {
				h.reply(conn, protocol.ServerMessage{Kind: protocol.KindError, Error: err.Error()})
			}
		case protocol.KindEmit:
			if _, _, err := h.backend.Emit(ctx, id, msg.EventType, msg.Distance, msg.Data); err != nil {
				h.reply(conn, protocol.ServerMessage{Kind: protocol.KindError, Error: err.Error()})
			}
		case protocol.KindBye:
			h.logger.Info("👋 Игрок %s завершил сессию", id)
			return nil
		default:
			h.logger.Debug("Неизвестное сообщение %q от %s", msg.Kind, id)
		}
	}
}

func (h *Handler) reply(conn *StreamConn, msg protocol.ServerMessage) {
	if err := conn.Send(protocol.MarshalServer(msg)); err != nil {
		h.logger.Debug("Не удалось отправить %s игроку: %v", msg.Kind, err)
	}
}

// ServeListener принимает соединения до отмены ctx или закрытия слушателя
func (h *Handler) ServeListener(ctx context.Context, ln *KCPListener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := h.Serve(ctx, conn); err != nil {
				h.logger.Warn("⚠️ Сессия %s завершилась с ошибкой: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// locator - backend, умеющий вернуть текущую позицию игрока
type locator interface {
	Registry() *player.Registry
}

func playerLocation(b Backend, id string, fallback geom.Transform) (geom.Location, bool) {
	if l, ok := b.(locator); ok {
		if v, found := l.Registry().Get(id); found {
			return v.Location, true
		}
	}
	return fallback.Resolve(geom.Location{}).Position.Location()
}
