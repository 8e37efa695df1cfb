package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/cellgrid/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsExporter периодически переносит Stats шины в Prometheus.
// Эндпоинт /metrics обслуживает REST API.
type MetricsExporter struct {
	bus      Bus
	interval time.Duration
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	published prometheus.Counter
	requests  prometheus.Counter
	consumed  prometheus.Counter
	dropped   prometheus.Counter
	failed    prometheus.Counter
	inflight  prometheus.Gauge
}

// NewMetricsExporter создаёт экспортер и регистрирует метрики.
func NewMetricsExporter(bus Bus, interval time.Duration) *MetricsExporter {
	if interval <= 0 {
		interval = time.Second
	}
	me := &MetricsExporter{
		bus:      bus,
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_published_total",
			Help:      "Общее число опубликованных сообщений.",
		}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "requests_total",
			Help:      "Общее число запросов request/reply.",
		}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_consumed_total",
			Help:      "Общее число доставленных сообщений подписчикам.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_dropped_total",
			Help:      "Сообщений, отброшенных из-за переполнения или отмены.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_failed_total",
			Help:      "Неудачные отправки и ошибки обработчиков.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventbus",
			Name:      "messages_inflight",
			Help:      "Количество сообщений, находящихся в очереди (не доставленных).",
		}),
	}

	for _, c := range []prometheus.Collector{me.published, me.requests, me.consumed, me.dropped, me.failed, me.inflight} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logging.Warn("Не удалось зарегистрировать метрику: %v", err)
			}
		}
	}
	return me
}

// Start запускает фоновое обновление метрик
func (m *MetricsExporter) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.loop()
	}
}

// Stop останавливает обновление метрик.
func (m *MetricsExporter) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		if m.started.Load() {
			<-m.done
		}
	})
}

func (m *MetricsExporter) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer close(m.done)

	// Counter растёт только на дельту от прошлого снимка.
	var prev Stats

	for {
		select {
		case <-ticker.C:
			prev = m.collect(prev)
		case <-m.quit:
			m.collect(prev)
			return
		}
	}
}

func (m *MetricsExporter) collect(prev Stats) Stats {
	stats := m.bus.Metrics()

	add := func(c prometheus.Counter, cur, old uint64) {
		if cur > old {
			c.Add(float64(cur - old))
		}
	}
	add(m.published, stats.Published, prev.Published)
	add(m.requests, stats.Requests, prev.Requests)
	add(m.consumed, stats.Consumed, prev.Consumed)
	add(m.dropped, stats.Dropped, prev.Dropped)
	add(m.failed, stats.Failed, prev.Failed)
	m.inflight.Set(float64(stats.InFlight))

	return stats
}
