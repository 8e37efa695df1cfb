package session

import (
	"context"

	"github.com/annel0/cellgrid/internal/player"
	"github.com/annel0/cellgrid/internal/protocol"
)

// Pump пересылает уведомления игрока в его соединение в порядке поступления.
// Возвращает nil, когда очередь закрыта (игрок удалён), ошибку отправки
// или ctx.Err() при отмене.
func Pump(ctx context.Context, n *player.Notify, conn player.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-n.C():
			if !ok {
				return nil
			}
			origin := d.Origin
			payload := protocol.MarshalServer(protocol.ServerMessage{
				Kind:     protocol.KindEvent,
				EventID:  d.EventID,
				Type:     d.Type,
				Origin:   &origin,
				Distance: d.Distance,
				Data:     d.Data,
			})
			if err := conn.Send(payload); err != nil {
				return err
			}
		}
	}
}
