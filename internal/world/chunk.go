package world

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/annel0/blockcore/internal/tag"
)

const (
	// ChunkHeight высота мира в блоках
	ChunkHeight = 256
	// SectionCount количество секций 16x16x16 в чанке
	SectionCount = ChunkHeight / ChunkSize
	// SectionVolume количество блоков в секции
	SectionVolume = ChunkSize * ChunkSize * ChunkSize
)

// Идентификаторы состояний блоков, используемые генераторами
const (
	BlockAir     uint16 = 0
	BlockStone   uint16 = 1
	BlockGrass   uint16 = 9
	BlockDirt    uint16 = 10
	BlockBedrock uint16 = 33
	BlockWater   uint16 = 34
	BlockSand    uint16 = 66
)

// Section блоки одной секции, индекс (y<<8)|(z<<4)|x
type Section [SectionVolume]uint16

// Lookup доступ к соседним чанкам через реестр без владения им
type Lookup interface {
	Chunk(coord ChunkCoord) (*Chunk, bool)
	IsLoaded(coord ChunkCoord) bool
}

// Chunk столб 16x256x16 блоков. Секции выделяются при первой записи
// непустого блока.
type Chunk struct {
	tag.Store

	coord    ChunkCoord
	mu       sync.RWMutex
	sections [SectionCount]*Section

	lookup  atomic.Pointer[lookupHolder]
	version atomic.Uint64
	saved   atomic.Uint64
}

type lookupHolder struct{ Lookup }

// NewChunk создаёт пустой чанк, заполненный воздухом
func NewChunk(coord ChunkCoord) *Chunk {
	return &Chunk{coord: coord}
}

// Coord возвращает координаты чанка
func (c *Chunk) Coord() ChunkCoord {
	return c.coord
}

func inBounds(x, y, z int) bool {
	return x >= 0 && x < ChunkSize && z >= 0 && z < ChunkSize && y >= 0 && y < ChunkHeight
}

func blockIndex(x, y, z int) int {
	return (y&0xF)<<8 | z<<4 | x
}

// Block возвращает блок по локальным координатам. Вне границ - воздух.
func (c *Chunk) Block(x, y, z int) uint16 {
	if !inBounds(x, y, z) {
		return BlockAir
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.sections[y>>4]
	if s == nil {
		return BlockAir
	}
	return s[blockIndex(x, y, z)]
}

// SetBlock записывает блок по локальным координатам
func (c *Chunk) SetBlock(x, y, z int, id uint16) error {
	if !inBounds(x, y, z) {
		return fmt.Errorf("блок (%d, %d, %d) вне чанка %s", x, y, z, c.coord)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sections[y>>4]
	if s == nil {
		if id == BlockAir {
			return nil
		}
		s = new(Section)
		c.sections[y>>4] = s
	}
	s[blockIndex(x, y, z)] = id
	c.version.Add(1)
	return nil
}

// HighestBlock возвращает Y самого верхнего непустого блока в столбце или -1
func (c *Chunk) HighestBlock(x, z int) int {
	if !inBounds(x, 0, z) {
		return -1
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sy := SectionCount - 1; sy >= 0; sy-- {
		s := c.sections[sy]
		if s == nil {
			continue
		}
		for ly := ChunkSize - 1; ly >= 0; ly-- {
			if s[ly<<8|z<<4|x] != BlockAir {
				return sy<<4 | ly
			}
		}
	}
	return -1
}

// Section возвращает копию секции или nil, если секция пуста
func (c *Chunk) Section(index int) *Section {
	if index < 0 || index >= SectionCount {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sections[index] == nil {
		return nil
	}
	cp := *c.sections[index]
	return &cp
}

// SetSection заменяет секцию целиком. nil очищает секцию.
func (c *Chunk) SetSection(index int, s *Section) error {
	if index < 0 || index >= SectionCount {
		return fmt.Errorf("секция %d вне диапазона", index)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		c.sections[index] = nil
	} else {
		cp := *s
		c.sections[index] = &cp
	}
	c.version.Add(1)
	return nil
}

// SectionMask битовая маска выделенных секций
func (c *Chunk) SectionMask() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var mask uint16
	for i, s := range c.sections {
		if s != nil {
			mask |= 1 << i
		}
	}
	return mask
}

// Dirty сообщает, есть ли несохранённые изменения
func (c *Chunk) Dirty() bool {
	return c.version.Load() != c.saved.Load()
}

// Version счётчик изменений блоков
func (c *Chunk) Version() uint64 {
	return c.version.Load()
}

// MarkSaved отмечает сохранённой версию, снятую до начала записи.
// Изменения, сделанные во время записи, остаются несохранёнными.
func (c *Chunk) MarkSaved(version uint64) {
	c.saved.Store(version)
}

// MarkClean считает текущее состояние сохранённым (после загрузки)
func (c *Chunk) MarkClean() {
	c.saved.Store(c.version.Load())
}

// Neighbour возвращает соседний чанк, если он загружен
func (c *Chunk) Neighbour(dx, dz int32) (*Chunk, bool) {
	h := c.lookup.Load()
	if h == nil {
		return nil, false
	}
	return h.Chunk(c.coord.Offset(dx, dz))
}

// Attached сообщает, находится ли чанк в реестре
func (c *Chunk) Attached() bool {
	return c.lookup.Load() != nil
}

func (c *Chunk) attach(l Lookup) {
	c.lookup.Store(&lookupHolder{l})
}

func (c *Chunk) detach() {
	c.lookup.Store(nil)
}
