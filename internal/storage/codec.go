// Package storage содержит реализации world.ChunkLoader поверх разных
// хранилищ и общий формат сериализации чанков.
package storage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/annel0/blockcore/internal/protocol"
	"github.com/annel0/blockcore/internal/world"
)

// Версия формата чанка
const codecVersion = 1

// Типы значений тегов в формате чанка
const (
	tagBool    = 1
	tagInt64   = 2
	tagFloat64 = 3
	tagString  = 4
)

// ErrCorruptChunk данные чанка не удалось разобрать
var ErrCorruptChunk = errors.New("повреждённые данные чанка")

// Codec сериализует чанки: секции с палитрой и скалярные теги,
// сжатые zstd. Безопасен для одновременного использования.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec создаёт кодек
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("не удалось создать zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// MustCodec создаёт кодек или паникует
func MustCodec() *Codec {
	c, err := NewCodec()
	if err != nil {
		panic(err)
	}
	return c
}

// Encode сериализует чанк
func (c *Codec) Encode(ch *world.Chunk) ([]byte, error) {
	w := protocol.NewWriter(make([]byte, 0, 4096))
	w.WriteUint8(codecVersion)
	w.WriteInt32(ch.Coord().X)
	w.WriteInt32(ch.Coord().Z)

	mask := ch.SectionMask()
	if err := w.WriteVarInt(int32(mask)); err != nil {
		return nil, err
	}
	for i := 0; i < world.SectionCount; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		s := ch.Section(i)
		if s == nil {
			// Секцию очистили между SectionMask и Section
			s = new(world.Section)
		}
		if err := encodeSection(w, s); err != nil {
			return nil, fmt.Errorf("секция %d: %w", i, err)
		}
	}

	if err := encodeTags(w, ch); err != nil {
		return nil, err
	}

	return c.enc.EncodeAll(w.Bytes(), nil), nil
}

func encodeSection(w *protocol.Writer, s *world.Section) error {
	index := make(map[uint16]int32)
	var palette []uint16
	for _, id := range s {
		if _, ok := index[id]; !ok {
			index[id] = int32(len(palette))
			palette = append(palette, id)
		}
	}

	if err := w.WriteVarInt(int32(len(palette))); err != nil {
		return err
	}
	for _, id := range palette {
		if err := w.WriteVarInt(int32(id)); err != nil {
			return err
		}
	}
	if len(palette) == 1 {
		return nil
	}
	for _, id := range s {
		if err := w.WriteVarInt(index[id]); err != nil {
			return err
		}
	}
	return nil
}

func encodeTags(w *protocol.Writer, ch *world.Chunk) error {
	keys := ch.Keys()
	sort.Strings(keys)

	type kv struct {
		key string
		val any
	}
	var scalars []kv
	for _, k := range keys {
		v, ok := ch.ReadTag(k)
		if !ok {
			continue
		}
		switch v.(type) {
		case bool, int, int32, int64, float32, float64, string:
			scalars = append(scalars, kv{k, v})
		}
	}

	if err := w.WriteVarInt(int32(len(scalars))); err != nil {
		return err
	}
	for _, t := range scalars {
		if err := w.WriteString(t.key); err != nil {
			return err
		}
		switch v := t.val.(type) {
		case bool:
			w.WriteUint8(tagBool)
			w.WriteBool(v)
		case int:
			w.WriteUint8(tagInt64)
			w.WriteInt64(int64(v))
		case int32:
			w.WriteUint8(tagInt64)
			w.WriteInt64(int64(v))
		case int64:
			w.WriteUint8(tagInt64)
			w.WriteInt64(v)
		case float32:
			w.WriteUint8(tagFloat64)
			w.WriteFloat64(float64(v))
		case float64:
			w.WriteUint8(tagFloat64)
			w.WriteFloat64(v)
		case string:
			w.WriteUint8(tagString)
			if err := w.WriteString(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode восстанавливает чанк. Возвращённый чанк считается несохранённым,
// реестр отмечает его чистым после загрузки.
func (c *Codec) Decode(data []byte) (*world.Chunk, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	r := protocol.NewReader(raw)

	ver, err := r.ReadUint8()
	if err != nil {
		return nil, corrupt(err)
	}
	if ver != codecVersion {
		return nil, fmt.Errorf("%w: неизвестная версия формата %d", ErrCorruptChunk, ver)
	}
	x, err := r.ReadInt32()
	if err != nil {
		return nil, corrupt(err)
	}
	z, err := r.ReadInt32()
	if err != nil {
		return nil, corrupt(err)
	}
	ch := world.NewChunk(world.ChunkCoord{X: x, Z: z})

	mask, err := r.ReadVarInt()
	if err != nil {
		return nil, corrupt(err)
	}
	for i := 0; i < world.SectionCount; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		s, err := decodeSection(r)
		if err != nil {
			return nil, fmt.Errorf("секция %d: %w", i, corrupt(err))
		}
		if err := ch.SetSection(i, s); err != nil {
			return nil, corrupt(err)
		}
	}

	if err := decodeTags(r, ch); err != nil {
		return nil, corrupt(err)
	}
	return ch, nil
}

// DecodeCoord читает только координаты из сериализованного чанка
func (c *Codec) DecodeCoord(data []byte) (world.ChunkCoord, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return world.ChunkCoord{}, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	r := protocol.NewReader(raw)
	if _, err := r.ReadUint8(); err != nil {
		return world.ChunkCoord{}, corrupt(err)
	}
	x, err := r.ReadInt32()
	if err != nil {
		return world.ChunkCoord{}, corrupt(err)
	}
	z, err := r.ReadInt32()
	if err != nil {
		return world.ChunkCoord{}, corrupt(err)
	}
	return world.ChunkCoord{X: x, Z: z}, nil
}

func decodeSection(r *protocol.Reader) (*world.Section, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > world.SectionVolume {
		return nil, fmt.Errorf("размер палитры %d", n)
	}
	palette := make([]uint16, n)
	for i := range palette {
		id, err := r.ReadVarInt()
		if err != nil {
			return nil, err
		}
		if id < 0 || id > 0xFFFF {
			return nil, fmt.Errorf("идентификатор блока %d", id)
		}
		palette[i] = uint16(id)
	}

	s := new(world.Section)
	if n == 1 {
		for i := range s {
			s[i] = palette[0]
		}
		return s, nil
	}
	for i := range s {
		idx, err := r.ReadVarInt()
		if err != nil {
			return nil, err
		}
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("индекс палитры %d из %d", idx, n)
		}
		s[i] = palette[idx]
	}
	return s, nil
}

func decodeTags(r *protocol.Reader, ch *world.Chunk) error {
	n, err := r.ReadVarInt()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("число тегов %d", n)
	}
	for i := int32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return err
		}
		kind, err := r.ReadUint8()
		if err != nil {
			return err
		}
		var v any
		switch kind {
		case tagBool:
			v, err = r.ReadBool()
		case tagInt64:
			v, err = r.ReadInt64()
		case tagFloat64:
			v, err = r.ReadFloat64()
		case tagString:
			v, err = r.ReadString()
		default:
			return fmt.Errorf("неизвестный тип тега %d", kind)
		}
		if err != nil {
			return err
		}
		ch.WriteTag(key, v)
	}
	return nil
}

func corrupt(err error) error {
	if errors.Is(err, ErrCorruptChunk) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCorruptChunk, err)
}
