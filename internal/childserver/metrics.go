package childserver

import (
	"sync"

	"github.com/annel0/cellgrid/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	forwardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellgrid_child_forwards_total",
		Help: "Пересылки событий соседям по результату",
	}, []string{"result"})
	forwardQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellgrid_child_forward_queue",
		Help: "Пересылки, ожидающие отправки",
	})
	neighborsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellgrid_child_neighbors",
		Help: "Живые соседние серверы",
	})
	registrationAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellgrid_child_registration_attempts_total",
		Help: "Попытки регистрации у родителя",
	})
	inboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellgrid_child_inbound_events_total",
		Help: "Входящие события от соседей по результату",
	}, []string{"result"})

	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		collectors := []prometheus.Collector{
			forwardsTotal,
			forwardQueueDepth,
			neighborsGauge,
			registrationAttempts,
			inboundTotal,
		}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					logging.Warn("Не удалось зарегистрировать метрику: %v", err)
				}
			}
		}
	})
}
