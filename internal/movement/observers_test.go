package movement

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/annel0/blockcore/internal/world"
)

func moveEvent(from, to world.Position) MoveEvent {
	return MoveEvent{Previous: from, Proposed: to}
}

func TestSpeedLimit(t *testing.T) {
	limit := SpeedLimit{MaxDistance: 10}
	from := world.Position{X: 0, Y: 64, Z: 0}

	d := limit.ObserveMove(moveEvent(from, world.Position{X: 3, Y: 64, Z: 4}))
	assert.False(t, d.Cancelled)

	d = limit.ObserveMove(moveEvent(from, world.Position{X: 8, Y: 70, Z: 8}))
	assert.True(t, d.Cancelled)

	// Нулевой лимит отключает проверку
	d = SpeedLimit{}.ObserveMove(moveEvent(from, world.Position{X: 1000}))
	assert.False(t, d.Cancelled)
}

func TestWorldBorderClamps(t *testing.T) {
	border := WorldBorder{CenterX: 0, CenterZ: 0, Radius: 100}
	assert.True(t, border.Contains(100, -100))
	assert.False(t, border.Contains(100.5, 0))

	inside := world.Position{X: 50, Y: 64, Z: -20}
	d := border.ObserveMove(moveEvent(world.Position{}, inside))
	assert.False(t, d.Cancelled)
	assert.Equal(t, inside, d.Position)

	d = border.ObserveMove(moveEvent(world.Position{}, world.Position{X: 150, Y: 64, Z: -300, Yaw: 45}))
	assert.False(t, d.Cancelled)
	assert.Equal(t, world.Position{X: 100, Y: 64, Z: -100, Yaw: 45}, d.Position)
}

func TestNormalizeYaw(t *testing.T) {
	cases := map[float32]float32{
		0:    0,
		90:   90,
		180:  -180,
		270:  -90,
		-190: 170,
		720:  0,
	}
	for in, want := range cases {
		assert.InDelta(t, want, NormalizeYaw(in), 1e-4, "yaw %v", in)
	}
	assert.Equal(t, float32(0), NormalizeYaw(float32(math.NaN())))
	assert.Equal(t, float32(0), NormalizeYaw(float32(math.Inf(1))))
}

func TestClampPitch(t *testing.T) {
	assert.Equal(t, float32(90), ClampPitch(120))
	assert.Equal(t, float32(-90), ClampPitch(-95))
	assert.Equal(t, float32(12.5), ClampPitch(12.5))
	assert.Equal(t, float32(0), ClampPitch(float32(math.NaN())))
}

func TestNormalizeRotationObserver(t *testing.T) {
	p := world.Position{X: 1, Yaw: 370, Pitch: 100}
	d := NormalizeRotation{}.ObserveMove(moveEvent(world.Position{}, p))
	assert.False(t, d.Cancelled)
	assert.InDelta(t, 10, d.Position.Yaw, 1e-4)
	assert.Equal(t, float32(90), d.Position.Pitch)
	assert.Equal(t, 1.0, d.Position.X)
}
