package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/annel0/blockcore/internal/world"
)

const badgerChunkPrefix = "chunk:"

// BadgerLoader хранит чанки в BadgerDB под ключами chunk:<x>:<z>
type BadgerLoader struct {
	db      *badger.DB
	codec   *Codec
	mu      sync.RWMutex
	isReady bool
}

// OpenBadger открывает базу в каталоге dataPath/chunks.
// Пустой dataPath открывает базу в памяти.
func OpenBadger(dataPath string, codec *Codec) (*BadgerLoader, error) {
	var opts badger.Options
	if dataPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(dataPath, "chunks"))
	}
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}
	if codec == nil {
		codec = MustCodec()
	}
	return &BadgerLoader{db: db, codec: codec, isReady: true}, nil
}

func badgerKey(coord world.ChunkCoord) []byte {
	return []byte(fmt.Sprintf("%s%d:%d", badgerChunkPrefix, coord.X, coord.Z))
}

// LoadChunk реализует world.ChunkLoader
func (b *BadgerLoader) LoadChunk(ctx context.Context, coord world.ChunkCoord) (*world.Chunk, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.isReady {
		return nil, fmt.Errorf("хранилище не готово")
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(coord))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}
	return b.codec.Decode(data)
}

// SaveChunk реализует world.ChunkLoader
func (b *BadgerLoader) SaveChunk(ctx context.Context, c *world.Chunk) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.isReady {
		return fmt.Errorf("хранилище не готово")
	}

	data, err := b.codec.Encode(c)
	if err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(c.Coord()), data)
	}); err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// Coords перечисляет сохранённые чанки
func (b *BadgerLoader) Coords(ctx context.Context) ([]world.ChunkCoord, error) {
	var out []world.ChunkCoord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerChunkPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var coord world.ChunkCoord
			if _, err := fmt.Sscanf(string(it.Item().Key()), badgerChunkPrefix+"%d:%d", &coord.X, &coord.Z); err != nil {
				continue
			}
			out = append(out, coord)
		}
		return nil
	})
	return out, err
}

// Close закрывает базу
func (b *BadgerLoader) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isReady {
		return nil
	}
	b.isReady = false
	return b.db.Close()
}

func (b *BadgerLoader) SupportsParallelLoading() bool { return true }
func (b *BadgerLoader) SupportsParallelSaving() bool  { return true }
