// Package movement проверяет перемещения, присланные клиентами, и
// применяет принятые к актёрам.
package movement

import (
	"math"

	"github.com/annel0/blockcore/internal/protocol"
	"github.com/annel0/blockcore/internal/world"
)

// Update перемещение от клиента. Поля без флага Has* не меняются.
type Update struct {
	HasPosition bool
	X, Y, Z     float64

	HasRotation bool
	Yaw, Pitch  float32

	OnGround bool
}

// GroundUpdate только признак касания земли
func GroundUpdate(onGround bool) Update {
	return Update{OnGround: onGround}
}

// PositionUpdate только координаты
func PositionUpdate(x, y, z float64, onGround bool) Update {
	return Update{HasPosition: true, X: x, Y: y, Z: z, OnGround: onGround}
}

// RotationUpdate только поворот
func RotationUpdate(yaw, pitch float32, onGround bool) Update {
	return Update{HasRotation: true, Yaw: yaw, Pitch: pitch, OnGround: onGround}
}

// FullUpdate координаты и поворот
func FullUpdate(x, y, z float64, yaw, pitch float32, onGround bool) Update {
	return Update{
		HasPosition: true, X: x, Y: y, Z: z,
		HasRotation: true, Yaw: yaw, Pitch: pitch,
		OnGround: onGround,
	}
}

// Apply возвращает current с заменёнными присланными полями
func (u Update) Apply(current world.Position) world.Position {
	next := current
	if u.HasPosition {
		next.X, next.Y, next.Z = u.X, u.Y, u.Z
	}
	if u.HasRotation {
		next.Yaw, next.Pitch = u.Yaw, u.Pitch
	}
	return next
}

// Finite сообщает, что все присланные поля конечны
func (u Update) Finite() bool {
	if u.HasPosition && !(finite(u.X) && finite(u.Y) && finite(u.Z)) {
		return false
	}
	if u.HasRotation && !(finite(float64(u.Yaw)) && finite(float64(u.Pitch))) {
		return false
	}
	return true
}

func finitePosition(p world.Position) bool {
	return finite(p.X) && finite(p.Y) && finite(p.Z) &&
		finite(float64(p.Yaw)) && finite(float64(p.Pitch))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FromPacket переводит входящий пакет движения в Update.
// Для прочих пакетов ok = false.
func FromPacket(p protocol.ServerboundPacket) (u Update, ok bool) {
	switch pk := p.(type) {
	case *protocol.PlayerPacket:
		return GroundUpdate(pk.OnGround), true
	case *protocol.PlayerPositionPacket:
		return PositionUpdate(pk.X, pk.Y, pk.Z, pk.OnGround), true
	case *protocol.PlayerRotationPacket:
		return RotationUpdate(pk.Yaw, pk.Pitch, pk.OnGround), true
	case *protocol.PlayerPositionAndRotationPacket:
		return FullUpdate(pk.X, pk.Y, pk.Z, pk.Yaw, pk.Pitch, pk.OnGround), true
	default:
		return Update{}, false
	}
}
