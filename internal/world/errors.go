package world

import (
	"errors"
	"fmt"
)

var (
	// ErrNotResident возвращается Unload для чанка, который не загружен
	ErrNotResident = errors.New("чанк не загружен")
	// ErrRegistryClosed возвращается после закрытия реестра
	ErrRegistryClosed = errors.New("реестр чанков закрыт")
)

// ChunkLoadError ошибка загрузки чанка из хранилища
type ChunkLoadError struct {
	Coord ChunkCoord
	Err   error
}

func (e *ChunkLoadError) Error() string {
	return fmt.Sprintf("ошибка загрузки чанка %s: %v", e.Coord, e.Err)
}

func (e *ChunkLoadError) Unwrap() error { return e.Err }

// ChunkSaveError ошибка сохранения чанка. Если чанк при этом выгружен,
// его изменения потеряны.
type ChunkSaveError struct {
	Coord ChunkCoord
	Err   error
}

func (e *ChunkSaveError) Error() string {
	return fmt.Sprintf("ошибка сохранения чанка %s: %v", e.Coord, e.Err)
}

func (e *ChunkSaveError) Unwrap() error { return e.Err }
