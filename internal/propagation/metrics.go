package propagation

import (
	"sync"

	"github.com/annel0/cellgrid/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellgrid_propagation_deliveries_total",
		Help: "Исходы доставки событий игрокам и соседям",
	}, []string{"outcome"})
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellgrid_propagation_events_total",
		Help: "Обработанные события по результату",
	}, []string{"result"})
	propagateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cellgrid_propagation_duration_seconds",
		Help:    "Время обработки события сервером ячейки",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
	})
	overflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellgrid_propagation_overflow_total",
		Help: "События, сфера которых выходит за пределы ячейки-источника",
	})

	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		for _, c := range []prometheus.Collector{deliveriesTotal, eventsTotal, propagateDuration, overflowTotal} {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					logging.Warn("Не удалось зарегистрировать метрику: %v", err)
				}
			}
		}
	})
}
