package world

import (
	"math"

	"github.com/aquilax/go-perlin"
)

// Generator создаёт чанк, для которого в хранилище нет данных.
// Вызывается из воркеров, поэтому должен быть потокобезопасным.
type Generator interface {
	Generate(coord ChunkCoord) *Chunk
}

// GeneratorFunc адаптер функции к Generator
type GeneratorFunc func(coord ChunkCoord) *Chunk

// Generate реализует Generator
func (f GeneratorFunc) Generate(coord ChunkCoord) *Chunk {
	return f(coord)
}

// FlatGenerator заполняет чанк горизонтальными слоями снизу вверх
type FlatGenerator struct {
	Layers []uint16
}

// NewFlatGenerator возвращает плоский мир: бедрок, два слоя земли, трава
func NewFlatGenerator() *FlatGenerator {
	return &FlatGenerator{Layers: []uint16{BlockBedrock, BlockDirt, BlockDirt, BlockGrass}}
}

// Generate реализует Generator
func (g *FlatGenerator) Generate(coord ChunkCoord) *Chunk {
	c := NewChunk(coord)
	for y, id := range g.Layers {
		if y >= ChunkHeight {
			break
		}
		for x := 0; x < ChunkSize; x++ {
			for z := 0; z < ChunkSize; z++ {
				_ = c.SetBlock(x, y, z, id)
			}
		}
	}
	return c
}

// SurfaceY высота поверхности плоского мира
func (g *FlatGenerator) SurfaceY() float64 {
	return float64(len(g.Layers))
}

// Константы шумового генератора
const (
	SeaLevel       = 62
	baseHeight     = 64
	heightVariance = 24
)

// NoiseGenerator генерирует рельеф по шуму Перлина
type NoiseGenerator struct {
	Seed       int64
	NoiseScale float64

	noise *perlin.Perlin
}

// NewNoiseGenerator создаёт генератор с указанным сидом
func NewNoiseGenerator(seed int64) *NoiseGenerator {
	alpha := 2.0  // Сглаживание шума
	beta := 2.0   // Частота шума
	n := int32(3) // Количество октав
	return &NoiseGenerator{
		Seed:       seed,
		NoiseScale: 0.01,
		noise:      perlin.NewPerlin(alpha, beta, n, seed),
	}
}

// Height возвращает высоту поверхности в мировой точке
func (g *NoiseGenerator) Height(x, z int32) int {
	v := g.noise.Noise2D(float64(x)*g.NoiseScale, float64(z)*g.NoiseScale)
	h := baseHeight + int(math.Round(v*heightVariance))
	if h < 1 {
		h = 1
	}
	if h >= ChunkHeight {
		h = ChunkHeight - 1
	}
	return h
}

// Generate реализует Generator
func (g *NoiseGenerator) Generate(coord ChunkCoord) *Chunk {
	c := NewChunk(coord)
	baseX := coord.X * ChunkSize
	baseZ := coord.Z * ChunkSize

	for x := 0; x < ChunkSize; x++ {
		for z := 0; z < ChunkSize; z++ {
			h := g.Height(baseX+int32(x), baseZ+int32(z))
			_ = c.SetBlock(x, 0, z, BlockBedrock)

			for y := 1; y <= h; y++ {
				var id uint16
				switch {
				case y < h-3:
					id = BlockStone
				case y < h:
					id = BlockDirt
				case h <= SeaLevel:
					id = BlockSand
				default:
					id = BlockGrass
				}
				_ = c.SetBlock(x, y, z, id)
			}
			for y := h + 1; y <= SeaLevel; y++ {
				_ = c.SetBlock(x, y, z, BlockWater)
			}
		}
	}
	return c
}
