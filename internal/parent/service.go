package parent

import (
	"context"
	"errors"

	"github.com/annel0/cellgrid/internal/eventbus"
	"github.com/annel0/cellgrid/internal/protocol"
)

// Service обслуживает запросы дочерних серверов через шину
type Service struct {
	coord *Coordinator
	bus   eventbus.Bus
	subs  []eventbus.Subscription
}

// NewService создаёт сервис поверх координатора
func NewService(coord *Coordinator, bus eventbus.Bus) *Service {
	return &Service{coord: coord, bus: bus}
}

// Start подписывается на subjects регистрации
func (s *Service) Start(ctx context.Context) error {
	handlers := map[string]eventbus.Handler{
		protocol.SubjectRegister:   s.handleRegister,
		protocol.SubjectDeregister: s.handleDeregister,
		protocol.SubjectNeighbors:  s.handleNeighbors,
	}
	for _, subject := range []string{protocol.SubjectRegister, protocol.SubjectDeregister, protocol.SubjectNeighbors} {
		sub, err := s.bus.Subscribe(ctx, subject, handlers[subject])
		if err != nil {
			s.Stop()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.coord.logger.Info("🛰️ Родительский сервис слушает %s", protocol.SubjectRegister)
	return nil
}

// Stop снимает подписки
func (s *Service) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) handleRegister(ctx context.Context, ev *eventbus.Envelope) ([]byte, error) {
	var req protocol.RegisterRequest
	if err := protocol.Decode(ev.Payload, &req); err != nil {
		return protocol.Encode(protocol.RegisterReply{Code: protocol.CodeInvalidRequest, Message: err.Error()})
	}

	reply, err := s.coord.Register(ctx, req)
	if err != nil {
		reply = protocol.RegisterReply{Code: errorCode(err), Message: err.Error(), Coordinate: req.Coordinate}
	}
	return protocol.Encode(reply)
}

func (s *Service) handleDeregister(ctx context.Context, ev *eventbus.Envelope) ([]byte, error) {
	var req protocol.DeregisterRequest
	if err := protocol.Decode(ev.Payload, &req); err != nil {
		return protocol.Encode(protocol.DeregisterReply{Code: protocol.CodeInvalidRequest, Message: err.Error()})
	}
	if !s.coord.Deregister(ctx, req.ServerID) {
		return protocol.Encode(protocol.DeregisterReply{Code: protocol.CodeUnknownServer})
	}
	return protocol.Encode(protocol.DeregisterReply{})
}

func (s *Service) handleNeighbors(ctx context.Context, ev *eventbus.Envelope) ([]byte, error) {
	var req protocol.NeighborsRequest
	if err := protocol.Decode(ev.Payload, &req); err != nil {
		return nil, err
	}
	return protocol.Encode(protocol.NeighborsReply{Neighbors: s.coord.NeighborsOf(req.Coordinate)})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrCoordinateTaken):
		return protocol.CodeCoordinateTaken
	case errors.Is(err, ErrCoordinateImmutable):
		return protocol.CodeCoordinateImmutable
	default:
		return protocol.CodeInvalidRequest
	}
}
