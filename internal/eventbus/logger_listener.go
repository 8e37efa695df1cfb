package eventbus

import (
	"context"

	"github.com/annel0/cellgrid/internal/logging"
)

// StartLoggingListener подписывается на subject (например "cellgrid.>") и пишет
// каждое сообщение в отладочный лог. Функция неблокирующая.
func StartLoggingListener(ctx context.Context, bus Bus, subject string) (Subscription, error) {
	sub, err := bus.Subscribe(ctx, subject, func(ctx context.Context, ev *Envelope) ([]byte, error) {
		logging.Debug("[EventBus] %s %s src=%s size=%dB", ev.ID, ev.Subject, ev.Source, len(ev.Payload))
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("🪵 LoggingListener: подписка на %s активирована", subject)
	return sub, nil
}
