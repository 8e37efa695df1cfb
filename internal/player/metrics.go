package player

import (
	"sync"

	"github.com/annel0/cellgrid/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	playersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellgrid_players_online",
		Help: "Количество игроков в реестре",
	})
	notifyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellgrid_player_notify_dropped_total",
		Help: "Уведомления, отброшенные из-за переполнения очереди",
	})
	playerUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellgrid_player_updates_total",
		Help: "Общее количество обновлений состояния игроков",
	})

	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		for _, c := range []prometheus.Collector{playersOnline, notifyDropped, playerUpdates} {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					logging.Warn("Не удалось зарегистрировать метрику: %v", err)
				}
			}
		}
	})
}
