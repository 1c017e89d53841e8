package network

import "github.com/prometheus/client_golang/prometheus"

// Metrics сетевые метрики. Нулевой указатель допустим и ничего не считает.
type Metrics struct {
	connections    *prometheus.CounterVec
	active         prometheus.Gauge
	packets        *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	protocolErrors prometheus.Counter
	sendOverflows  prometheus.Counter
}

// NewMetrics создаёт и регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "network",
			Name:      "connections_total",
			Help:      "Принятые соединения по транспорту",
		}, []string{"transport"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockcore",
			Subsystem: "network",
			Name:      "connections_active",
			Help:      "Открытые соединения",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "network",
			Name:      "packets_total",
			Help:      "Пакеты по направлению",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "network",
			Name:      "bytes_total",
			Help:      "Байты по направлению",
		}, []string{"direction"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "network",
			Name:      "protocol_errors_total",
			Help:      "Кадры, которые не удалось разобрать",
		}),
		sendOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "network",
			Name:      "send_overflows_total",
			Help:      "Соединения, закрытые из-за переполнения очереди отправки",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.active, m.packets, m.bytes, m.protocolErrors, m.sendOverflows)
	}
	return m
}

func (m *Metrics) connOpened(t Transport) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(string(t)).Inc()
	m.active.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues("out").Inc()
	m.bytes.WithLabelValues("out").Add(float64(n))
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues("in").Inc()
	m.bytes.WithLabelValues("in").Add(float64(n))
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) sendOverflow() {
	if m == nil {
		return
	}
	m.sendOverflows.Inc()
}
