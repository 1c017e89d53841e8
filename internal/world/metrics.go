package world

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registryMetrics Prometheus-метрики реестра чанков
type registryMetrics struct {
	loads     *prometheus.CounterVec
	saves     *prometheus.CounterVec
	coalesced prometheus.Counter
	resident  prometheus.Gauge
	pending   prometheus.Gauge
	loadTime  prometheus.Histogram
	saveTime  prometheus.Histogram
}

func newRegistryMetrics() *registryMetrics {
	return &registryMetrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "chunks",
			Name:      "loads_total",
			Help:      "Завершённые загрузки чанков по результату (stored, generated, error).",
		}, []string{"result"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "chunks",
			Name:      "saves_total",
			Help:      "Завершённые сохранения чанков по результату (ok, error).",
		}, []string{"result"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "chunks",
			Name:      "coalesced_requests_total",
			Help:      "Запросы, присоединённые к уже идущей загрузке.",
		}),
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockcore",
			Subsystem: "chunks",
			Name:      "resident",
			Help:      "Количество загруженных чанков.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockcore",
			Subsystem: "chunks",
			Name:      "pending_io",
			Help:      "Чанки в состоянии загрузки или выгрузки.",
		}),
		loadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockcore",
			Subsystem: "chunks",
			Name:      "load_duration_seconds",
			Help:      "Время от запроса до завершения загрузки.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		saveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockcore",
			Subsystem: "chunks",
			Name:      "save_duration_seconds",
			Help:      "Время сохранения чанка.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (m *registryMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.loads, m.saves, m.coalesced, m.resident, m.pending, m.loadTime, m.saveTime} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *registryMetrics) observeLoad(result string, started time.Time) {
	m.loads.WithLabelValues(result).Inc()
	m.loadTime.Observe(time.Since(started).Seconds())
}

func (m *registryMetrics) observeSave(err error, started time.Time) {
	if err != nil {
		m.saves.WithLabelValues("error").Inc()
	} else {
		m.saves.WithLabelValues("ok").Inc()
	}
	m.saveTime.Observe(time.Since(started).Seconds())
}
