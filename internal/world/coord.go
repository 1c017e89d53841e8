package world

import (
	"fmt"
	"math"
)

// ChunkSize ширина чанка в блоках по X и Z
const ChunkSize = 16

// ChunkCoord координаты чанка. Используется как ключ карты.
type ChunkCoord struct {
	X int32
	Z int32
}

// ChunkCoordAt возвращает координаты чанка, содержащего мировую точку (x, z).
// Деление с округлением вниз: x = -0.5 попадает в чанк -1.
func ChunkCoordAt(x, z float64) ChunkCoord {
	return ChunkCoord{
		X: int32(math.Floor(x / ChunkSize)),
		Z: int32(math.Floor(z / ChunkSize)),
	}
}

// ChunkCoordOfBlock возвращает чанк целочисленного блока
func ChunkCoordOfBlock(x, z int32) ChunkCoord {
	return ChunkCoord{X: x >> 4, Z: z >> 4}
}

// Offset возвращает соседние координаты
func (c ChunkCoord) Offset(dx, dz int32) ChunkCoord {
	return ChunkCoord{X: c.X + dx, Z: c.Z + dz}
}

// Region возвращает координаты региона 32x32 чанка
func (c ChunkCoord) Region() (int32, int32) {
	return c.X >> 5, c.Z >> 5
}

// Within сообщает, лежит ли чанк в квадрате радиуса r вокруг center
func (c ChunkCoord) Within(center ChunkCoord, r int32) bool {
	dx := c.X - center.X
	dz := c.Z - center.Z
	return dx >= -r && dx <= r && dz >= -r && dz <= r
}

// Square возвращает все координаты в квадрате радиуса r вокруг центра,
// начиная с центра и двигаясь кольцами наружу
func Square(center ChunkCoord, r int32) []ChunkCoord {
	if r < 0 {
		return nil
	}
	side := 2*r + 1
	out := make([]ChunkCoord, 0, side*side)
	out = append(out, center)
	for ring := int32(1); ring <= r; ring++ {
		for dx := -ring; dx <= ring; dx++ {
			for dz := -ring; dz <= ring; dz++ {
				if dx == -ring || dx == ring || dz == -ring || dz == ring {
					out = append(out, center.Offset(dx, dz))
				}
			}
		}
	}
	return out
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("[%d, %d]", c.X, c.Z)
}

// Position положение и поворот актёра. Значимый тип: меняется целиком.
type Position struct {
	X     float64
	Y     float64
	Z     float64
	Yaw   float32
	Pitch float32
}

// Chunk возвращает чанк, в котором находится позиция
func (p Position) Chunk() ChunkCoord {
	return ChunkCoordAt(p.X, p.Z)
}

// SameCoords сообщает, совпадают ли координаты без учёта поворота
func (p Position) SameCoords(o Position) bool {
	return p.X == o.X && p.Y == o.Y && p.Z == o.Z
}

func (p Position) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f | %.1f/%.1f)", p.X, p.Y, p.Z, p.Yaw, p.Pitch)
}
