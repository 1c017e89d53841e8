package movement

import (
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/world"
)

// Actor объект, чьё положение меняет конвейер
type Actor interface {
	EntityID() int32
	Position() world.Position
	SetPosition(p world.Position)
	SetOnGround(onGround bool)
	// Teleport принудительно возвращает клиента в позицию
	Teleport(p world.Position) error
}

// ChunkView отвечает, загружен ли чанк. Не должен запускать загрузку.
type ChunkView interface {
	IsLoaded(coord world.ChunkCoord) bool
}

// Outcome итог обработки перемещения
type Outcome int

const (
	Committed Outcome = iota
	RejectedUnloaded
	RejectedCancelled
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case RejectedUnloaded:
		return "rejected_unloaded"
	case RejectedCancelled:
		return "rejected_cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result итог и позиция актёра после обработки
type Result struct {
	Outcome  Outcome
	Position world.Position
}

// Committed сообщает, принято ли перемещение
func (r Result) Committed() bool {
	return r.Outcome == Committed
}

// MoveEvent событие перемещения. Proposed и Cancelled отражают решение
// предыдущего наблюдателя.
type MoveEvent struct {
	Actor     Actor
	Previous  world.Position
	Proposed  world.Position
	OnGround  bool
	Cancelled bool
}

// Pass оставляет решение без изменений
func (e MoveEvent) Pass() Decision {
	return Decision{Cancelled: e.Cancelled, Position: e.Proposed}
}

// Cancel отменяет перемещение
func (e MoveEvent) Cancel() Decision {
	return Decision{Cancelled: true, Position: e.Proposed}
}

// Replace подменяет итоговую позицию
func (e MoveEvent) Replace(p world.Position) Decision {
	return Decision{Cancelled: e.Cancelled, Position: p}
}

// Decision решение наблюдателя
type Decision struct {
	Cancelled bool
	Position  world.Position
}

// Observer наблюдатель, способный отменить или изменить перемещение
type Observer interface {
	ObserveMove(ev MoveEvent) Decision
}

// ObserverFunc адаптер функции к Observer
type ObserverFunc func(ev MoveEvent) Decision

// ObserveMove реализует Observer
func (f ObserverFunc) ObserveMove(ev MoveEvent) Decision {
	return f(ev)
}

// Listener вызывается после принятия перемещения
type Listener func(actor Actor, from, to world.Position, onGround bool)

// Pipeline проверяет и применяет перемещения. Вызывается на тиковом потоке.
type Pipeline struct {
	chunks ChunkView
	logger *logging.Logger

	mu        sync.RWMutex
	observers *orderedmap.OrderedMap[string, Observer]
	listeners *orderedmap.OrderedMap[string, Listener]

	outcomes *prometheus.CounterVec
}

// NewPipeline создаёт конвейер поверх представления чанков
func NewPipeline(chunks ChunkView, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		chunks:    chunks,
		logger:    logger,
		observers: orderedmap.NewOrderedMap[string, Observer](),
		listeners: orderedmap.NewOrderedMap[string, Listener](),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockcore",
			Subsystem: "movement",
			Name:      "updates_total",
			Help:      "Обработанные перемещения по итогу.",
		}, []string{"outcome"}),
	}
}

// Register регистрирует метрики конвейера
func (p *Pipeline) Register(reg prometheus.Registerer) error {
	return reg.Register(p.outcomes)
}

// AddObserver добавляет наблюдателя в конец очереди
func (p *Pipeline) AddObserver(name string, o Observer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.observers.Get(name); exists {
		return fmt.Errorf("наблюдатель %q уже зарегистрирован", name)
	}
	p.observers.Set(name, o)
	return nil
}

// RemoveObserver удаляет наблюдателя
func (p *Pipeline) RemoveObserver(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observers.Delete(name)
}

// Observers возвращает имена наблюдателей в порядке вызова
func (p *Pipeline) Observers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.observers.Keys()
}

// AddListener добавляет обработчик принятых перемещений
func (p *Pipeline) AddListener(name string, l Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.listeners.Get(name); exists {
		return fmt.Errorf("обработчик %q уже зарегистрирован", name)
	}
	p.listeners.Set(name, l)
	return nil
}

// RemoveListener удаляет обработчик
func (p *Pipeline) RemoveListener(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners.Delete(name)
}

// Handle обрабатывает перемещение актёра. NaN и бесконечности в
// координатах или повороте отменяют перемещение.
func (p *Pipeline) Handle(actor Actor, u Update) Result {
	current := actor.Position()
	if !u.Finite() {
		p.logger.Warn("⚠️ Перемещение %d с неконечными координатами отклонено", actor.EntityID())
		return p.reject(actor, current, RejectedCancelled)
	}
	candidate := u.Apply(current)

	if !p.chunks.IsLoaded(candidate.Chunk()) {
		p.logger.Debug("Перемещение %d в незагруженный чанк %s отклонено", actor.EntityID(), candidate.Chunk())
		return p.reject(actor, current, RejectedUnloaded)
	}

	decision := p.dispatch(MoveEvent{
		Actor:    actor,
		Previous: current,
		Proposed: candidate,
		OnGround: u.OnGround,
	})
	if decision.Cancelled {
		return p.reject(actor, current, RejectedCancelled)
	}

	final := decision.Position
	if !finitePosition(final) {
		p.logger.Warn("⚠️ Наблюдатель вернул неконечную позицию для %d", actor.EntityID())
		return p.reject(actor, current, RejectedCancelled)
	}
	if final.Chunk() != candidate.Chunk() && !p.chunks.IsLoaded(final.Chunk()) {
		p.logger.Warn("Наблюдатель перенёс %d в незагруженный чанк %s", actor.EntityID(), final.Chunk())
		return p.reject(actor, current, RejectedUnloaded)
	}

	actor.SetPosition(final)
	actor.SetOnGround(u.OnGround)
	p.outcomes.WithLabelValues(Committed.String()).Inc()

	p.mu.RLock()
	var listeners []Listener
	for el := p.listeners.Front(); el != nil; el = el.Next() {
		listeners = append(listeners, el.Value)
	}
	p.mu.RUnlock()

	for _, l := range listeners {
		p.safeListen(l, actor, current, final, u.OnGround)
	}

	return Result{Outcome: Committed, Position: final}
}

func (p *Pipeline) dispatch(ev MoveEvent) Decision {
	p.mu.RLock()
	type named struct {
		name string
		obs  Observer
	}
	observers := make([]named, 0, p.observers.Len())
	for el := p.observers.Front(); el != nil; el = el.Next() {
		observers = append(observers, named{el.Key, el.Value})
	}
	p.mu.RUnlock()

	decision := ev.Pass()
	for _, o := range observers {
		ev.Proposed = decision.Position
		ev.Cancelled = decision.Cancelled
		decision = p.safeObserve(o.name, o.obs, ev)
	}
	return decision
}

// safeObserve вызывает наблюдателя. Паника оставляет решение прежним.
func (p *Pipeline) safeObserve(name string, o Observer, ev MoveEvent) (d Decision) {
	d = ev.Pass()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Паника в наблюдателе %s: %v", name, r)
			d = ev.Pass()
		}
	}()
	return o.ObserveMove(ev)
}

func (p *Pipeline) safeListen(l Listener, actor Actor, from, to world.Position, onGround bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Паника в обработчике перемещения: %v", r)
		}
	}()
	l(actor, from, to, onGround)
}

// reject возвращает клиента в текущую позицию. Чанк текущей позиции
// повторно не проверяется.
func (p *Pipeline) reject(actor Actor, current world.Position, outcome Outcome) Result {
	p.outcomes.WithLabelValues(outcome.String()).Inc()
	if err := actor.Teleport(current); err != nil {
		p.logger.Warn("Не удалось отправить коррекцию позиции %d: %v", actor.EntityID(), err)
	}
	return Result{Outcome: outcome, Position: current}
}
