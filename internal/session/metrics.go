package session

import (
	"sync"

	"github.com/annel0/cellgrid/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellgrid_sessions_active",
		Help: "Открытые сессии игроков",
	})
	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellgrid_session_bytes_total",
		Help: "Байты, переданные по сессиям игроков",
	}, []string{"direction"})
	malformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellgrid_session_malformed_frames_total",
		Help: "Кадры игроков, не разобранные как сообщение",
	})

	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		for _, c := range []prometheus.Collector{sessionsActive, bytesTotal, malformedFrames} {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					logging.Warn("Не удалось зарегистрировать метрику: %v", err)
				}
			}
		}
	})
}
