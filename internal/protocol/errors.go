package protocol

import (
	"errors"
	"fmt"
)

// ErrVarIntTooBig возвращается, если VarInt занимает больше допустимого числа байт
var ErrVarIntTooBig = errors.New("varint слишком длинный")

// ErrNegativeLength возвращается, если префикс длины отрицательный
var ErrNegativeLength = errors.New("отрицательная длина")

// EncodingError сообщает о недопустимом значении, переданном кодировщику.
// Ошибка фатальна только для одного вызова сериализации: пакет не отправляется.
type EncodingError struct {
	Field  string // Поле или примитив, на котором произошла ошибка
	Packet int32  // ID пакета, -1 если ошибка вне пакета
	Reason string
	Err    error
}

func (e *EncodingError) Error() string {
	if e.Packet >= 0 {
		return fmt.Sprintf("ошибка кодирования пакета 0x%02X (%s): %s", e.Packet, e.Field, e.Reason)
	}
	return fmt.Sprintf("ошибка кодирования %s: %s", e.Field, e.Reason)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

func newEncodingError(field, format string, args ...interface{}) *EncodingError {
	return &EncodingError{Field: field, Packet: -1, Reason: fmt.Sprintf(format, args...)}
}

// asEncodingError приводит err к *EncodingError, дополняя ID пакета
func asEncodingError(id int32, err error) *EncodingError {
	var encErr *EncodingError
	if errors.As(err, &encErr) {
		out := *encErr
		out.Packet = id
		return &out
	}
	return &EncodingError{Field: "packet", Packet: id, Reason: err.Error(), Err: err}
}
