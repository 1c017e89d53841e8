package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/movement"
	"github.com/annel0/blockcore/internal/world"
)

// Типы событий игрового сервера
const (
	EventPlayerMoved   = "PlayerMoved"
	EventChunkIOFailed = "ChunkIOFailed"
)

// PlayerMoved полезная нагрузка EventPlayerMoved
type PlayerMoved struct {
	EntityID int32          `json:"entity_id"`
	From     world.Position `json:"from"`
	To       world.Position `json:"to"`
	OnGround bool           `json:"on_ground"`
}

// ChunkIOFailed полезная нагрузка EventChunkIOFailed
type ChunkIOFailed struct {
	X         int32  `json:"x"`
	Z         int32  `json:"z"`
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

// Publisher публикует события из тикового потока без блокировки: события
// складываются в буфер и отправляются отдельной горутиной. При
// переполнении буфера событие отбрасывается.
type Publisher struct {
	bus    EventBus
	source string
	logger *logging.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan *Envelope
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewPublisher запускает публикацию в bus
func NewPublisher(bus EventBus, source string, buffer int, logger *logging.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Publisher{
		bus:    bus,
		source: source,
		logger: logger,
		queue:  make(chan *Envelope, buffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.bus.Publish(ctx, ev); err != nil {
			p.dropped.Add(1)
			p.logger.Warn("Событие %s не опубликовано: %v", ev.EventType, err)
		}
		cancel()
	}
}

// Emit ставит событие в очередь публикации
func (p *Publisher) Emit(eventType string, priority int, payload any) {
	ev, err := NewEnvelope(p.source, eventType, priority, payload)
	if err != nil {
		p.logger.Error("Событие %s: %v", eventType, err)
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// MoveListener возвращает слушатель конвейера перемещений
func (p *Publisher) MoveListener() movement.Listener {
	return func(actor movement.Actor, from, to world.Position, onGround bool) {
		p.Emit(EventPlayerMoved, 1, PlayerMoved{
			EntityID: actor.EntityID(),
			From:     from,
			To:       to,
			OnGround: onGround,
		})
	}
}

// ChunkErrorHandler возвращает обработчик ошибок реестра чанков
func (p *Publisher) ChunkErrorHandler() func(error) {
	return func(err error) {
		ev := ChunkIOFailed{Error: err.Error()}
		var loadErr *world.ChunkLoadError
		var saveErr *world.ChunkSaveError
		switch {
		case errors.As(err, &loadErr):
			ev.X, ev.Z, ev.Operation = loadErr.Coord.X, loadErr.Coord.Z, "load"
		case errors.As(err, &saveErr):
			ev.X, ev.Z, ev.Operation = saveErr.Coord.X, saveErr.Coord.Z, "save"
		default:
			ev.Operation = "unknown"
		}
		p.Emit(EventChunkIOFailed, 8, ev)
	}
}

// Dropped число отброшенных событий
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close отправляет оставшиеся события и останавливает публикацию
func (p *Publisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
