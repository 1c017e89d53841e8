package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// Reader декодирует примитивы протокола из входящего кадра
type Reader struct {
	data []byte
	off  int
}

// NewReader создаёт Reader поверх data
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining возвращает количество непрочитанных байт
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeLength, n)
	}
	if r.Remaining() < n {
		return nil, fmt.Errorf("нужно %d байт, доступно %d: %w", n, r.Remaining(), io.ErrUnexpectedEOF)
	}
	p := r.data[r.off : r.off+n]
	r.off += n
	return p, nil
}

// ReadUint8 читает один байт
func (r *Reader) ReadUint8() (uint8, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadBool читает булево значение
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadInt32 читает 4 байта big-endian
func (r *Reader) ReadInt32() (int32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

// ReadInt64 читает 8 байт big-endian
func (r *Reader) ReadInt64() (int64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

// ReadFloat32 читает float32 big-endian
func (r *Reader) ReadFloat32() (float32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(p)), nil
}

// ReadFloat64 читает float64 big-endian
func (r *Reader) ReadFloat64() (float64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
}

// ReadVarInt читает VarInt длиной не более MaxVarIntLen байт
func (r *Reader) ReadVarInt() (int32, error) {
	v, n, err := DecodeVarInt(r.data[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += n
	return v, nil
}

// ReadVarLong читает VarLong длиной не более MaxVarLongLen байт
func (r *Reader) ReadVarLong() (int64, error) {
	var v uint64
	for i := 0; i < MaxVarLongLen; i++ {
		b, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int64(v), nil
		}
	}
	return 0, ErrVarIntTooBig
}

// ReadString читает строку с префиксом длины
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("строка: %w: %d", ErrNegativeLength, n)
	}
	if n > MaxStringChars*4 {
		return "", fmt.Errorf("длина строки %d превышает допустимую", n)
	}
	p, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", fmt.Errorf("строка не является корректным UTF-8")
	}
	return string(p), nil
}

// ReadByteArray читает массив байт с префиксом длины
func (r *Reader) ReadByteArray() ([]byte, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("массив байт: %w: %d", ErrNegativeLength, n)
	}
	p, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

// ReadRest возвращает все оставшиеся байты
func (r *Reader) ReadRest() []byte {
	p := r.data[r.off:]
	r.off = len(r.data)
	return p
}

// DecodeVarInt декодирует VarInt из начала p и возвращает значение и длину
func DecodeVarInt(p []byte) (int32, int, error) {
	var v uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(p) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b := p[i]
		v |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(v), i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTooBig
}

// ReadVarIntFrom читает VarInt побайтово из потока
func ReadVarIntFrom(r io.ByteReader) (int32, error) {
	var v uint32
	for i := 0; i < MaxVarIntLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(v), nil
		}
	}
	return 0, ErrVarIntTooBig
}
