package protocol

import "encoding/json"

// Идентификаторы пакетов сервер -> клиент
const (
	IDDisconnect            int32 = 0x1A
	IDUnloadChunk           int32 = 0x1D
	IDKeepAliveClientbound  int32 = 0x1F
	IDJoinGame              int32 = 0x25
	IDPlayerPositionAndLook int32 = 0x32
	IDEntityTeleport        int32 = 0x50
)

// GameMode режим игры
type GameMode uint8

const (
	GameModeSurvival GameMode = iota
	GameModeCreative
	GameModeAdventure
	GameModeSpectator
)

// hardcoreFlag устанавливается в байте режима игры для хардкора
const hardcoreFlag = 0x08

// Dimension идентификатор измерения
type Dimension int32

const (
	DimensionNether    Dimension = -1
	DimensionOverworld Dimension = 0
	DimensionEnd       Dimension = 1
)

// LevelType тип генерации мира, передаётся клиенту строкой
type LevelType string

const (
	LevelTypeDefault     LevelType = "default"
	LevelTypeFlat        LevelType = "flat"
	LevelTypeLargeBiomes LevelType = "largeBiomes"
	LevelTypeAmplified   LevelType = "amplified"
)

// JoinGamePacket отправляется игроку при входе в мир.
// Порядок полей: entity id (4), режим с флагом хардкора (1), измерение (4),
// max players (1), тип уровня (строка), дальность прорисовки (VarInt),
// reduced debug info (bool).
type JoinGamePacket struct {
	EntityID         int32
	GameMode         GameMode
	Hardcore         bool
	Dimension        Dimension
	MaxPlayers       uint8 // не используется клиентом, но всегда пишется
	LevelType        LevelType
	ViewDistance     int32
	ReducedDebugInfo bool
}

func (p *JoinGamePacket) ID() int32 { return IDJoinGame }

func (p *JoinGamePacket) Encode(w *Writer) error {
	mode := uint8(p.GameMode)
	if p.Hardcore {
		mode |= hardcoreFlag
	}

	w.WriteInt32(p.EntityID)
	w.WriteUint8(mode)
	w.WriteInt32(int32(p.Dimension))
	w.WriteUint8(p.MaxPlayers)
	if err := w.WriteString(string(p.LevelType)); err != nil {
		return err
	}
	if err := w.WriteVarInt(p.ViewDistance); err != nil {
		return err
	}
	w.WriteBool(p.ReducedDebugInfo)
	return nil
}

func (p *JoinGamePacket) String() string { return "JoinGame" }

// Флаги относительности для PlayerPositionAndLook
const (
	RelativeX     uint8 = 0x01
	RelativeY     uint8 = 0x02
	RelativeZ     uint8 = 0x04
	RelativeYaw   uint8 = 0x08
	RelativePitch uint8 = 0x10
)

// PlayerPositionAndLookPacket принудительно выставляет позицию игрока.
// Используется как корректирующий пакет при отклонении движения.
type PlayerPositionAndLookPacket struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	Flags      uint8
	TeleportID int32
}

func (p *PlayerPositionAndLookPacket) ID() int32 { return IDPlayerPositionAndLook }

func (p *PlayerPositionAndLookPacket) Encode(w *Writer) error {
	w.WriteFloat64(p.X)
	w.WriteFloat64(p.Y)
	w.WriteFloat64(p.Z)
	w.WriteFloat32(p.Yaw)
	w.WriteFloat32(p.Pitch)
	w.WriteUint8(p.Flags)
	return w.WriteVarInt(p.TeleportID)
}

func (p *PlayerPositionAndLookPacket) String() string { return "PlayerPositionAndLook" }

// EntityTeleportPacket сообщает наблюдателям новую позицию сущности
type EntityTeleportPacket struct {
	EntityID   int32
	X, Y, Z    float64
	Yaw, Pitch float32
	OnGround   bool
}

func (p *EntityTeleportPacket) ID() int32 { return IDEntityTeleport }

func (p *EntityTeleportPacket) Encode(w *Writer) error {
	if err := w.WriteVarInt(p.EntityID); err != nil {
		return err
	}
	w.WriteFloat64(p.X)
	w.WriteFloat64(p.Y)
	w.WriteFloat64(p.Z)
	w.WriteAngle(p.Yaw)
	w.WriteAngle(p.Pitch)
	w.WriteBool(p.OnGround)
	return nil
}

func (p *EntityTeleportPacket) String() string { return "EntityTeleport" }

// UnloadChunkPacket просит клиента выгрузить колонку чанка
type UnloadChunkPacket struct {
	ChunkX, ChunkZ int32
}

func (p *UnloadChunkPacket) ID() int32 { return IDUnloadChunk }

func (p *UnloadChunkPacket) Encode(w *Writer) error {
	w.WriteInt32(p.ChunkX)
	w.WriteInt32(p.ChunkZ)
	return nil
}

func (p *UnloadChunkPacket) String() string { return "UnloadChunk" }

// KeepAlivePacket проверка соединения, клиент отвечает тем же ID
type KeepAlivePacket struct {
	KeepAliveID int64
}

func (p *KeepAlivePacket) ID() int32 { return IDKeepAliveClientbound }

func (p *KeepAlivePacket) Encode(w *Writer) error {
	w.WriteInt64(p.KeepAliveID)
	return nil
}

func (p *KeepAlivePacket) String() string { return "KeepAlive" }

// DisconnectPacket закрывает сессию с причиной в формате JSON chat
type DisconnectPacket struct {
	Reason string
}

func (p *DisconnectPacket) ID() int32 { return IDDisconnect }

func (p *DisconnectPacket) Encode(w *Writer) error {
	reason, err := json.Marshal(map[string]string{"text": p.Reason})
	if err != nil {
		return &EncodingError{Field: "reason", Packet: IDDisconnect, Reason: err.Error(), Err: err}
	}
	return w.WriteString(string(reason))
}

func (p *DisconnectPacket) String() string { return "Disconnect" }
