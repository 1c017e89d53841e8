package protocol

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

const (
	// MaxVarIntLen максимальная длина VarInt (int32) в байтах
	MaxVarIntLen = 5
	// MaxVarLongLen максимальная длина VarLong (int64) в байтах
	MaxVarLongLen = 10
	// MaxStringChars максимальная длина строки протокола в символах
	MaxStringChars = 32767
)

// Writer кодирует примитивы протокола в буфер, принадлежащий вызывающему.
// Writer не потокобезопасен: один Writer на одно исходящее сообщение.
type Writer struct {
	buf []byte
}

// NewWriter создаёт Writer, дописывающий в buf (может быть nil)
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes возвращает накопленные байты. Срез принадлежит Writer до следующей записи.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len возвращает количество записанных байт
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset очищает буфер, сохраняя выделенную память
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// WriteUint8 записывает один байт
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteInt8 записывает знаковый байт
func (w *Writer) WriteInt8(v int8) {
	w.buf = append(w.buf, byte(v))
}

// WriteInt16 записывает 2 байта big-endian
func (w *Writer) WriteInt16(v int16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
}

// WriteInt32 записывает 4 байта big-endian
func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

// WriteInt64 записывает 8 байт big-endian
func (w *Writer) WriteInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

// WriteFloat32 записывает float32 в формате IEEE-754 big-endian
func (w *Writer) WriteFloat32(v float32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v))
}

// WriteFloat64 записывает float64 в формате IEEE-754 big-endian
func (w *Writer) WriteFloat64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// WriteBool записывает 0x01 или 0x00
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteVarInt записывает неотрицательное int32 группами по 7 бит,
// младшая группа первой, старший бит - признак продолжения.
func (w *Writer) WriteVarInt(v int32) error {
	if v < 0 {
		return newEncodingError("varint", "отрицательное значение %d", v)
	}
	w.buf = AppendVarInt(w.buf, uint32(v))
	return nil
}

// WriteVarLong записывает неотрицательное int64 в формате VarInt
func (w *Writer) WriteVarLong(v int64) error {
	if v < 0 {
		return newEncodingError("varlong", "отрицательное значение %d", v)
	}
	w.buf = AppendVarLong(w.buf, uint64(v))
	return nil
}

// WriteString записывает длину строки в байтах UTF-8 как VarInt и сами байты
func (w *Writer) WriteString(s string) error {
	if !utf8.ValidString(s) {
		return newEncodingError("string", "строка не является корректным UTF-8")
	}
	if utf8.RuneCountInString(s) > MaxStringChars {
		return newEncodingError("string", "длина %d символов превышает %d", utf8.RuneCountInString(s), MaxStringChars)
	}
	w.buf = AppendVarInt(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// WriteBytes записывает сырые байты без префикса длины
func (w *Writer) WriteBytes(p []byte) {
	w.buf = append(w.buf, p...)
}

// WriteByteArray записывает длину как VarInt и байты
func (w *Writer) WriteByteArray(p []byte) {
	w.buf = AppendVarInt(w.buf, uint32(len(p)))
	w.buf = append(w.buf, p...)
}

// WriteAngle записывает угол в градусах как долю полного оборота (1/256)
func (w *Writer) WriteAngle(deg float32) {
	w.buf = append(w.buf, byte(int32(deg*256.0/360.0)))
}

// AppendVarInt дописывает v в buf в формате VarInt
func AppendVarInt(buf []byte, v uint32) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// AppendVarLong дописывает v в buf в формате VarInt (до 10 байт)
func AppendVarLong(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// VarIntSize возвращает число байт, занимаемых v в формате VarInt
func VarIntSize(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
