package protocol

import "fmt"

// Packet представляет исходящее сообщение сервера клиенту.
// Экземпляр создаётся заново для каждого сообщения и не переиспользуется.
type Packet interface {
	// ID возвращает стабильный идентификатор вида пакета
	ID() int32
	// Encode записывает поля пакета в фиксированном порядке
	Encode(w *Writer) error
}

// Marshal кодирует пакет: VarInt идентификатор и поля.
// При ошибке возвращается *EncodingError, частично записанные байты отбрасываются.
func Marshal(p Packet) ([]byte, error) {
	return AppendPacket(nil, p)
}

// AppendPacket дописывает закодированный пакет к buf.
// При ошибке buf возвращается в исходном виде.
func AppendPacket(buf []byte, p Packet) ([]byte, error) {
	id := p.ID()
	if id < 0 {
		return buf, &EncodingError{Field: "id", Packet: id, Reason: "отрицательный идентификатор пакета"}
	}

	start := len(buf)
	w := NewWriter(buf)
	if err := w.WriteVarInt(id); err != nil {
		return buf[:start], asEncodingError(id, err)
	}
	if err := p.Encode(w); err != nil {
		return buf[:start], asEncodingError(id, err)
	}
	return w.Bytes(), nil
}

// Name возвращает читаемое имя пакета для логов
func Name(p Packet) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("0x%02X", p.ID())
}
