package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/annel0/blockcore/internal/world"
)

const (
	regionSide       = 32
	regionEntries    = regionSide * regionSide
	regionEntrySize  = 8
	regionHeaderSize = regionEntries * regionEntrySize
	regionExt        = ".bcr"

	// DefaultMaxOpenRegions сколько файлов регионов держится открытыми
	DefaultMaxOpenRegions = 64
)

// RegionLoader хранит чанки в файлах регионов 32x32. Файл начинается с
// таблицы (смещение, длина) на каждый чанк. Новая запись кладётся в
// первый свободный промежуток, куда помещается, иначе в конец файла;
// место, занятое текущей записью чанка, не перезаписывается до
// обновления таблицы. Запись в один файл не допускает параллельности.
type RegionLoader struct {
	dir     string
	codec   *Codec
	maxOpen int

	mu sync.Mutex
	// открытые файлы в порядке последнего обращения
	files *orderedmap.OrderedMap[[2]int32, *os.File]
}

type regionRecord struct {
	offset int64
	length int64
}

// OpenRegions открывает каталог регионов, создавая его при необходимости
func OpenRegions(dir string, codec *Codec) (*RegionLoader, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}
	if codec == nil {
		codec = MustCodec()
	}
	return &RegionLoader{
		dir:     dir,
		codec:   codec,
		maxOpen: DefaultMaxOpenRegions,
		files:   orderedmap.NewOrderedMap[[2]int32, *os.File](),
	}, nil
}

// SetMaxOpen ограничивает число одновременно открытых файлов регионов
func (r *RegionLoader) SetMaxOpen(n int) {
	if n <= 0 {
		n = DefaultMaxOpenRegions
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxOpen = n
	r.evict()
}

// OpenFiles количество открытых файлов регионов
func (r *RegionLoader) OpenFiles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files.Len()
}

// evict закрывает давно не использованные файлы сверх лимита
func (r *RegionLoader) evict() {
	for r.files.Len() > r.maxOpen {
		oldest := r.files.Front()
		_ = oldest.Value.Close()
		r.files.Delete(oldest.Key)
	}
}

func regionFileName(rx, rz int32) string {
	return fmt.Sprintf("r.%d.%d%s", rx, rz, regionExt)
}

func regionSlot(coord world.ChunkCoord) int64 {
	lx := int64(coord.X & (regionSide - 1))
	lz := int64(coord.Z & (regionSide - 1))
	return (lz*regionSide + lx) * regionEntrySize
}

// file возвращает открытый файл региона. create=false не создаёт файл.
func (r *RegionLoader) file(coord world.ChunkCoord, create bool) (*os.File, error) {
	rx, rz := coord.Region()
	key := [2]int32{rx, rz}
	if f, ok := r.files.Get(key); ok {
		r.files.Delete(key)
		r.files.Set(key, f)
		return f, nil
	}

	path := filepath.Join(r.dir, regionFileName(rx, rz))
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if !create && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < regionHeaderSize {
		if _, err := f.WriteAt(make([]byte, regionHeaderSize), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("не удалось записать заголовок региона: %w", err)
		}
	}
	r.files.Set(key, f)
	r.evict()
	return f, nil
}

// LoadChunk реализует world.ChunkLoader
func (r *RegionLoader) LoadChunk(ctx context.Context, coord world.ChunkCoord) (*world.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.file(coord, false)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия региона: %w", err)
	}
	if f == nil {
		return nil, nil
	}

	var entry [regionEntrySize]byte
	if _, err := f.ReadAt(entry[:], regionSlot(coord)); err != nil {
		return nil, fmt.Errorf("ошибка чтения заголовка региона: %w", err)
	}
	offset := binary.BigEndian.Uint32(entry[0:4])
	length := binary.BigEndian.Uint32(entry[4:8])
	if length == 0 {
		return nil, nil
	}

	data := make([]byte, length)
	if _, err := f.ReadAt(data, int64(offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: запись чанка %s обрезана", ErrCorruptChunk, coord)
		}
		return nil, fmt.Errorf("ошибка чтения чанка: %w", err)
	}
	return r.codec.Decode(data)
}

// SaveChunk реализует world.ChunkLoader
func (r *RegionLoader) SaveChunk(ctx context.Context, c *world.Chunk) error {
	data, err := r.codec.Encode(c)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.file(c.Coord(), true)
	if err != nil {
		return fmt.Errorf("ошибка открытия региона: %w", err)
	}
	header := make([]byte, regionHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return fmt.Errorf("ошибка чтения заголовка региона: %w", err)
	}

	offset := allocate(readRecords(header), int64(len(data)))
	if offset+int64(len(data)) > int64(^uint32(0)) {
		return fmt.Errorf("файл региона %s переполнен", f.Name())
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("ошибка записи чанка: %w", err)
	}
	// данные должны лечь на диск раньше, чем на них сошлётся таблица
	if err := f.Sync(); err != nil {
		return err
	}

	slot := regionSlot(c.Coord())
	entry := header[slot : slot+regionEntrySize]
	binary.BigEndian.PutUint32(entry[0:4], uint32(offset))
	binary.BigEndian.PutUint32(entry[4:8], uint32(len(data)))
	if _, err := f.WriteAt(entry, slot); err != nil {
		return fmt.Errorf("ошибка записи заголовка региона: %w", err)
	}

	// хвост, освободившийся после переноса записи, отрезается
	used := int64(regionHeaderSize)
	for _, rec := range readRecords(header) {
		if end := rec.offset + rec.length; end > used {
			used = end
		}
	}
	if st, err := f.Stat(); err == nil && st.Size() > used {
		if err := f.Truncate(used); err != nil {
			return fmt.Errorf("ошибка усечения региона: %w", err)
		}
	}
	return f.Sync()
}

// readRecords возвращает занятые записи таблицы, отсортированные по смещению
func readRecords(header []byte) []regionRecord {
	var out []regionRecord
	for i := 0; i < regionEntries; i++ {
		e := header[i*regionEntrySize:]
		length := binary.BigEndian.Uint32(e[4:8])
		if length == 0 {
			continue
		}
		out = append(out, regionRecord{
			offset: int64(binary.BigEndian.Uint32(e[0:4])),
			length: int64(length),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

// allocate ищет первый промежуток длины n между занятыми записями.
// Если такого нет, возвращает конец последней записи.
func allocate(records []regionRecord, n int64) int64 {
	pos := int64(regionHeaderSize)
	for _, rec := range records {
		if rec.offset-pos >= n {
			return pos
		}
		if end := rec.offset + rec.length; end > pos {
			pos = end
		}
	}
	return pos
}

// Coords перечисляет сохранённые чанки во всех файлах регионов
func (r *RegionLoader) Coords(ctx context.Context) ([]world.ChunkCoord, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []world.ChunkCoord
	for _, e := range entries {
		var rx, rz int32
		if _, err := fmt.Sscanf(e.Name(), "r.%d.%d"+regionExt, &rx, &rz); err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := world.ChunkCoord{X: rx * regionSide, Z: rz * regionSide}
		f, err := r.file(base, false)
		if err != nil || f == nil {
			continue
		}
		header := make([]byte, regionHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			return nil, err
		}
		for i := 0; i < regionEntries; i++ {
			if binary.BigEndian.Uint32(header[i*regionEntrySize+4:]) == 0 {
				continue
			}
			out = append(out, base.Offset(int32(i%regionSide), int32(i/regionSide)))
		}
	}
	return out, nil
}

// Close закрывает открытые файлы регионов
func (r *RegionLoader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for el := r.files.Front(); el != nil; el = el.Next() {
		if err := el.Value.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.files = orderedmap.NewOrderedMap[[2]int32, *os.File]()
	return errors.Join(errs...)
}

func (r *RegionLoader) SupportsParallelLoading() bool { return false }
func (r *RegionLoader) SupportsParallelSaving() bool  { return false }
