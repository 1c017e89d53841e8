package network

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/annel0/blockcore/internal/protocol"
)

const (
	// MaxFrameSize предел длины кадра (три байта VarInt)
	MaxFrameSize = 1<<21 - 1
	// MaxUncompressedSize предел распакованного содержимого
	MaxUncompressedSize = 8 << 20
	// CompressionDisabled порог, при котором сжатие выключено
	CompressionDisabled = -1
)

var (
	// ErrFrameTooLarge кадр превышает допустимый размер
	ErrFrameTooLarge = errors.New("кадр слишком большой")
	// ErrBadCompression нарушена схема сжатия
	ErrBadCompression = errors.New("некорректные сжатые данные")
)

// FrameCodec упаковывает тело пакета в кадр: VarInt длина, затем при
// включённом сжатии VarInt длина несжатых данных (0 если не сжато) и данные.
// Сжимаются тела не короче порога.
type FrameCodec struct {
	threshold int

	writers sync.Pool
}

// NewFrameCodec создаёт кодек с порогом сжатия. Отрицательный порог выключает сжатие.
func NewFrameCodec(threshold int) *FrameCodec {
	if threshold < 0 {
		threshold = CompressionDisabled
	}
	return &FrameCodec{threshold: threshold}
}

// Threshold возвращает порог сжатия
func (f *FrameCodec) Threshold() int {
	return f.threshold
}

// Compressed сообщает, включено ли сжатие
func (f *FrameCodec) Compressed() bool {
	return f.threshold >= 0
}

// AppendFrame дописывает к dst кадр с телом body
func (f *FrameCodec) AppendFrame(dst, body []byte) ([]byte, error) {
	if !f.Compressed() {
		if len(body) > MaxFrameSize {
			return dst, fmt.Errorf("%w: %d байт", ErrFrameTooLarge, len(body))
		}
		dst = protocol.AppendVarInt(dst, uint32(len(body)))
		return append(dst, body...), nil
	}

	if len(body) < f.threshold {
		size := 1 + len(body)
		if size > MaxFrameSize {
			return dst, fmt.Errorf("%w: %d байт", ErrFrameTooLarge, size)
		}
		dst = protocol.AppendVarInt(dst, uint32(size))
		dst = append(dst, 0)
		return append(dst, body...), nil
	}

	if len(body) > MaxUncompressedSize {
		return dst, fmt.Errorf("%w: %d байт до сжатия", ErrFrameTooLarge, len(body))
	}
	compressed, err := f.compress(body)
	if err != nil {
		return dst, err
	}
	dataLen := protocol.AppendVarInt(nil, uint32(len(body)))
	size := len(dataLen) + len(compressed)
	if size > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d байт", ErrFrameTooLarge, size)
	}
	dst = protocol.AppendVarInt(dst, uint32(size))
	dst = append(dst, dataLen...)
	return append(dst, compressed...), nil
}

func (f *FrameCodec) compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, _ := f.writers.Get().(*zlib.Writer)
	if zw == nil {
		zw = zlib.NewWriter(&buf)
	} else {
		zw.Reset(&buf)
	}
	defer f.writers.Put(zw)

	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("ошибка сжатия: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("ошибка сжатия: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadFrame читает один кадр и возвращает распакованное тело
func (f *FrameCodec) ReadFrame(r *bufio.Reader) ([]byte, error) {
	length, err := protocol.ReadVarIntFrom(r)
	if err != nil {
		return nil, err
	}
	if length < 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d байт", ErrFrameTooLarge, length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return f.Unwrap(frame)
}

// Unwrap извлекает тело из содержимого кадра без префикса длины
func (f *FrameCodec) Unwrap(frame []byte) ([]byte, error) {
	if !f.Compressed() {
		return frame, nil
	}

	dataLen, n, err := protocol.DecodeVarInt(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	data := frame[n:]
	if dataLen == 0 {
		return data, nil
	}
	if dataLen < 0 || dataLen > MaxUncompressedSize {
		return nil, fmt.Errorf("%w: заявлено %d байт", ErrBadCompression, dataLen)
	}
	if int(dataLen) < f.threshold {
		return nil, fmt.Errorf("%w: сжато %d байт при пороге %d", ErrBadCompression, dataLen, f.threshold)
	}

	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	defer zr.Close()

	out := make([]byte, dataLen)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	if extra, _ := zr.Read(make([]byte, 1)); extra > 0 {
		return nil, fmt.Errorf("%w: данных больше заявленного", ErrBadCompression)
	}
	return out, nil
}
