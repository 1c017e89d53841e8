package movement

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/annel0/blockcore/internal/world"
)

func vec(p world.Position) mgl64.Vec3 {
	return mgl64.Vec3{p.X, p.Y, p.Z}
}

// SpeedLimit отменяет перемещения длиннее MaxDistance блоков за одно
// обновление. Рассчитывается от предыдущей подтверждённой позиции.
type SpeedLimit struct {
	MaxDistance float64
}

// ObserveMove реализует Observer
func (s SpeedLimit) ObserveMove(ev MoveEvent) Decision {
	if s.MaxDistance <= 0 || ev.Cancelled {
		return ev.Pass()
	}
	delta := vec(ev.Proposed).Sub(vec(ev.Previous))
	if delta.Len() > s.MaxDistance {
		return ev.Cancel()
	}
	return ev.Pass()
}

// WorldBorder удерживает X и Z внутри квадрата с центром (CenterX, CenterZ)
type WorldBorder struct {
	CenterX float64
	CenterZ float64
	Radius  float64
}

// Contains сообщает, лежит ли точка внутри границы
func (b WorldBorder) Contains(x, z float64) bool {
	return math.Abs(x-b.CenterX) <= b.Radius && math.Abs(z-b.CenterZ) <= b.Radius
}

// ObserveMove реализует Observer
func (b WorldBorder) ObserveMove(ev MoveEvent) Decision {
	if b.Radius <= 0 || ev.Cancelled {
		return ev.Pass()
	}
	p := ev.Proposed
	if b.Contains(p.X, p.Z) {
		return ev.Pass()
	}
	p.X = mgl64.Clamp(p.X, b.CenterX-b.Radius, b.CenterX+b.Radius)
	p.Z = mgl64.Clamp(p.Z, b.CenterZ-b.Radius, b.CenterZ+b.Radius)
	return ev.Replace(p)
}

// NormalizeRotation приводит yaw к [-180, 180) и ограничивает pitch [-90, 90]
type NormalizeRotation struct{}

// ObserveMove реализует Observer
func (NormalizeRotation) ObserveMove(ev MoveEvent) Decision {
	if ev.Cancelled {
		return ev.Pass()
	}
	p := ev.Proposed
	p.Yaw = NormalizeYaw(p.Yaw)
	p.Pitch = ClampPitch(p.Pitch)
	if p == ev.Proposed {
		return ev.Pass()
	}
	return ev.Replace(p)
}

// NormalizeYaw приводит угол к [-180, 180)
func NormalizeYaw(yaw float32) float32 {
	if math32.IsNaN(yaw) || math32.IsInf(yaw, 0) {
		return 0
	}
	yaw = math32.Mod(yaw+180, 360)
	if yaw < 0 {
		yaw += 360
	}
	return yaw - 180
}

// ClampPitch ограничивает наклон головы
func ClampPitch(pitch float32) float32 {
	if math32.IsNaN(pitch) {
		return 0
	}
	return math32.Max(-90, math32.Min(90, pitch))
}
