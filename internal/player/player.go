// Package player описывает подключённого игрока: позицию, подтверждения
// телепортации и keep-alive.
package player

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/protocol"
	"github.com/annel0/blockcore/internal/tag"
	"github.com/annel0/blockcore/internal/world"
)

// ErrUnexpectedKeepAlive клиент ответил на keep-alive, которого не было
var ErrUnexpectedKeepAlive = errors.New("неожиданный ответ keep-alive")

// Sender доставляет пакеты клиенту
type Sender interface {
	Send(p protocol.Packet) error
}

// SenderFunc адаптер функции к Sender
type SenderFunc func(p protocol.Packet) error

func (f SenderFunc) Send(p protocol.Packet) error { return f(p) }

// Player подключённый игрок. Позиция читается из любых горутин,
// изменяется только в тике.
type Player struct {
	tag.Store

	id     int32
	uuid   uuid.UUID
	name   string
	sender Sender
	logger *logging.Logger

	pos      atomic.Pointer[world.Position]
	onGround atomic.Bool

	teleportSeq atomic.Int32
	mu          sync.Mutex
	pending     map[int32]world.Position

	keepAliveID   int64
	keepAliveSent time.Time
	latency       atomic.Int64
}

// New создаёт игрока в точке spawn
func New(id int32, name string, sender Sender, spawn world.Position, logger *logging.Logger) *Player {
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Player{
		id:      id,
		uuid:    OfflineUUID(name),
		name:    name,
		sender:  sender,
		logger:  logger.With("player", name),
		pending: make(map[int32]world.Position),
	}
	p.pos.Store(&spawn)
	return p
}

// OfflineUUID детерминированный UUID по имени для серверов без авторизации
func OfflineUUID(name string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("OfflinePlayer:"+name))
}

func (p *Player) EntityID() int32    { return p.id }
func (p *Player) UUID() uuid.UUID    { return p.uuid }
func (p *Player) Name() string       { return p.name }
func (p *Player) OnGround() bool     { return p.onGround.Load() }
func (p *Player) SetOnGround(v bool) { p.onGround.Store(v) }

// Position возвращает последнюю подтверждённую позицию
func (p *Player) Position() world.Position {
	return *p.pos.Load()
}

// SetPosition фиксирует новую позицию
func (p *Player) SetPosition(pos world.Position) {
	p.pos.Store(&pos)
}

// Send отправляет пакет клиенту
func (p *Player) Send(pkt protocol.Packet) error {
	if p.sender == nil {
		return fmt.Errorf("игрок %s не подключён", p.name)
	}
	return p.sender.Send(pkt)
}

// Teleport перемещает игрока и отправляет PlayerPositionAndLook.
// Позиция фиксируется сразу, подтверждение ожидается по teleport id.
func (p *Player) Teleport(pos world.Position) error {
	id := p.teleportSeq.Add(1)
	p.SetPosition(pos)

	p.mu.Lock()
	p.pending[id] = pos
	p.mu.Unlock()

	err := p.Send(&protocol.PlayerPositionAndLookPacket{
		X: pos.X, Y: pos.Y, Z: pos.Z,
		Yaw: pos.Yaw, Pitch: pos.Pitch,
		TeleportID: id,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return fmt.Errorf("телепорт %d: %w", id, err)
	}
	return nil
}

// ConfirmTeleport отмечает телепорт подтверждённым. Подтверждение
// закрывает и все более ранние ожидания.
func (p *Player) ConfirmTeleport(id int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; !ok {
		p.logger.Debug("Неизвестный teleport id %d", id)
		return false
	}
	for k := range p.pending {
		if k <= id {
			delete(p.pending, k)
		}
	}
	return true
}

// AwaitingTeleport сообщает, ждёт ли сервер подтверждения телепорта
func (p *Player) AwaitingTeleport() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0
}

// SendKeepAlive отправляет keep-alive с идентификатором now в миллисекундах.
// Возвращает ошибку, если предыдущий не подтверждён дольше timeout.
func (p *Player) SendKeepAlive(now time.Time, timeout time.Duration) error {
	p.mu.Lock()
	if p.keepAliveID != 0 && now.Sub(p.keepAliveSent) > timeout {
		p.mu.Unlock()
		return fmt.Errorf("игрок %s не отвечает %v", p.name, now.Sub(p.keepAliveSent))
	}
	if p.keepAliveID != 0 {
		p.mu.Unlock()
		return nil
	}
	id := now.UnixMilli()
	p.keepAliveID = id
	p.keepAliveSent = now
	p.mu.Unlock()

	return p.Send(&protocol.KeepAlivePacket{KeepAliveID: id})
}

// AcknowledgeKeepAlive обрабатывает ответ клиента и обновляет задержку
func (p *Player) AcknowledgeKeepAlive(id int64, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keepAliveID == 0 || p.keepAliveID != id {
		return fmt.Errorf("%w: %d", ErrUnexpectedKeepAlive, id)
	}
	p.latency.Store(int64(now.Sub(p.keepAliveSent)))
	p.keepAliveID = 0
	return nil
}

// Latency последняя измеренная задержка
func (p *Player) Latency() time.Duration {
	return time.Duration(p.latency.Load())
}
