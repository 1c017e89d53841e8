package protocol

import (
	"errors"
	"fmt"
)

// Идентификаторы пакетов клиент -> сервер
const (
	IDTeleportConfirm           int32 = 0x00
	IDKeepAliveServerbound      int32 = 0x0E
	IDPlayer                    int32 = 0x0F
	IDPlayerPosition            int32 = 0x10
	IDPlayerPositionAndRotation int32 = 0x11
	IDPlayerRotation            int32 = 0x12
)

// ErrUnknownPacket возвращается для неподдерживаемых входящих пакетов
var ErrUnknownPacket = errors.New("неизвестный входящий пакет")

// ServerboundPacket входящий пакет от клиента
type ServerboundPacket interface {
	ID() int32
	Decode(r *Reader) error
}

// TeleportConfirmPacket подтверждение принудительного перемещения
type TeleportConfirmPacket struct {
	TeleportID int32
}

func (p *TeleportConfirmPacket) ID() int32 { return IDTeleportConfirm }

func (p *TeleportConfirmPacket) Decode(r *Reader) (err error) {
	p.TeleportID, err = r.ReadVarInt()
	return err
}

// KeepAliveResponsePacket ответ клиента на KeepAlive
type KeepAliveResponsePacket struct {
	KeepAliveID int64
}

func (p *KeepAliveResponsePacket) ID() int32 { return IDKeepAliveServerbound }

func (p *KeepAliveResponsePacket) Decode(r *Reader) (err error) {
	p.KeepAliveID, err = r.ReadInt64()
	return err
}

// PlayerPacket содержит только флаг on-ground
type PlayerPacket struct {
	OnGround bool
}

func (p *PlayerPacket) ID() int32 { return IDPlayer }

func (p *PlayerPacket) Decode(r *Reader) (err error) {
	p.OnGround, err = r.ReadBool()
	return err
}

// PlayerPositionPacket содержит только координаты
type PlayerPositionPacket struct {
	X, Y, Z  float64
	OnGround bool
}

func (p *PlayerPositionPacket) ID() int32 { return IDPlayerPosition }

func (p *PlayerPositionPacket) Decode(r *Reader) (err error) {
	if p.X, err = r.ReadFloat64(); err != nil {
		return err
	}
	if p.Y, err = r.ReadFloat64(); err != nil {
		return err
	}
	if p.Z, err = r.ReadFloat64(); err != nil {
		return err
	}
	p.OnGround, err = r.ReadBool()
	return err
}

// PlayerRotationPacket содержит только поворот
type PlayerRotationPacket struct {
	Yaw, Pitch float32
	OnGround   bool
}

func (p *PlayerRotationPacket) ID() int32 { return IDPlayerRotation }

func (p *PlayerRotationPacket) Decode(r *Reader) (err error) {
	if p.Yaw, err = r.ReadFloat32(); err != nil {
		return err
	}
	if p.Pitch, err = r.ReadFloat32(); err != nil {
		return err
	}
	p.OnGround, err = r.ReadBool()
	return err
}

// PlayerPositionAndRotationPacket содержит координаты и поворот
type PlayerPositionAndRotationPacket struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	OnGround   bool
}

func (p *PlayerPositionAndRotationPacket) ID() int32 { return IDPlayerPositionAndRotation }

func (p *PlayerPositionAndRotationPacket) Decode(r *Reader) (err error) {
	if p.X, err = r.ReadFloat64(); err != nil {
		return err
	}
	if p.Y, err = r.ReadFloat64(); err != nil {
		return err
	}
	if p.Z, err = r.ReadFloat64(); err != nil {
		return err
	}
	if p.Yaw, err = r.ReadFloat32(); err != nil {
		return err
	}
	if p.Pitch, err = r.ReadFloat32(); err != nil {
		return err
	}
	p.OnGround, err = r.ReadBool()
	return err
}

// DecodeServerbound декодирует кадр без префикса длины: VarInt ID и поля
func DecodeServerbound(frame []byte) (ServerboundPacket, error) {
	r := NewReader(frame)
	id, err := r.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("чтение ID пакета: %w", err)
	}

	var p ServerboundPacket
	switch id {
	case IDTeleportConfirm:
		p = &TeleportConfirmPacket{}
	case IDKeepAliveServerbound:
		p = &KeepAliveResponsePacket{}
	case IDPlayer:
		p = &PlayerPacket{}
	case IDPlayerPosition:
		p = &PlayerPositionPacket{}
	case IDPlayerPositionAndRotation:
		p = &PlayerPositionAndRotationPacket{}
	case IDPlayerRotation:
		p = &PlayerRotationPacket{}
	default:
		return nil, fmt.Errorf("0x%02X: %w", id, ErrUnknownPacket)
	}

	if err := p.Decode(r); err != nil {
		return nil, fmt.Errorf("декодирование пакета 0x%02X: %w", id, err)
	}
	return p, nil
}
