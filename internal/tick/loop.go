package tick

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/blockcore/internal/logging"
)

// Handler вызывается на каждом тике после выполнения очереди
type Handler func(tickID uint64, dt time.Duration)

// Loop тиковый цикл с фиксированной частотой
type Loop struct {
	queue    *Queue
	interval time.Duration
	handlers []Handler
	logger   *logging.Logger

	current  uint64
	duration prometheus.Histogram
	overruns prometheus.Counter
}

// NewLoop создаёт цикл с частотой tps тиков в секунду
func NewLoop(queue *Queue, tps int, logger *logging.Logger) *Loop {
	if tps <= 0 {
		tps = 20
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Loop{
		queue:    queue,
		interval: time.Second / time.Duration(tps),
		logger:   logger,
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockcore_tick_duration_seconds",
			Help:    "Длительность обработки тика",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1},
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockcore_tick_overruns_total",
			Help: "Тики, не уложившиеся в интервал",
		}),
	}
}

// Register регистрирует метрики цикла
func (l *Loop) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{l.duration, l.overruns} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// OnTick добавляет обработчик тика. Вызывать до Run.
func (l *Loop) OnTick(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Interval возвращает длительность одного тика
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Run выполняет тики до отмены контекста. Перед выходом очередь
// выполняется ещё раз, чтобы не потерять завершения.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("⏱️ Тиковый цикл запущен: %v на тик", l.interval)
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			l.queue.Drain()
			l.logger.Info("⏱️ Тиковый цикл остановлен на тике %d", l.current)
			return
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			l.Step(dt)
		}
	}
}

// Step выполняет один тик синхронно
func (l *Loop) Step(dt time.Duration) {
	start := time.Now()
	l.current++

	l.queue.Drain()
	for _, h := range l.handlers {
		h(l.current, dt)
	}

	elapsed := time.Since(start)
	l.duration.Observe(elapsed.Seconds())
	if elapsed > l.interval {
		l.overruns.Inc()
		l.logger.Warn("Тик %d занял %v (лимит %v)", l.current, elapsed, l.interval)
	}
}

// Current возвращает номер последнего тика. Читать только на тиковом потоке.
func (l *Loop) Current() uint64 {
	return l.current
}
