package storage

import (
	"context"
	"sync"

	"github.com/annel0/blockcore/internal/world"
)

// MemoryLoader хранит сериализованные чанки в памяти процесса.
// Подходит для тестов и временных миров.
type MemoryLoader struct {
	mu     sync.RWMutex
	codec  *Codec
	chunks map[world.ChunkCoord][]byte
}

// NewMemoryLoader создаёт пустое хранилище
func NewMemoryLoader(codec *Codec) *MemoryLoader {
	if codec == nil {
		codec = MustCodec()
	}
	return &MemoryLoader{
		codec:  codec,
		chunks: make(map[world.ChunkCoord][]byte),
	}
}

// LoadChunk реализует world.ChunkLoader
func (m *MemoryLoader) LoadChunk(ctx context.Context, coord world.ChunkCoord) (*world.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.chunks[coord]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.codec.Decode(data)
}

// SaveChunk реализует world.ChunkLoader
func (m *MemoryLoader) SaveChunk(ctx context.Context, c *world.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := m.codec.Encode(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.chunks[c.Coord()] = data
	m.mu.Unlock()
	return nil
}

// Len количество сохранённых чанков
func (m *MemoryLoader) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Coords возвращает координаты сохранённых чанков
func (m *MemoryLoader) Coords(ctx context.Context) ([]world.ChunkCoord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]world.ChunkCoord, 0, len(m.chunks))
	for c := range m.chunks {
		out = append(out, c)
	}
	return out, nil
}

// Close ничего не делает
func (m *MemoryLoader) Close() error { return nil }

func (m *MemoryLoader) SupportsParallelLoading() bool { return true }
func (m *MemoryLoader) SupportsParallelSaving() bool  { return true }
