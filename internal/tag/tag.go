// Package tag описывает типизированные атрибуты игровых объектов.
// Объект, умеющий читать атрибуты, реализует Readable; Store - готовая
// потокобезопасная реализация для встраивания.
package tag

import "sync"

// Tag типизированный ключ атрибута
type Tag[T any] struct {
	Key string
}

// New создаёт тег с указанным ключом
func New[T any](key string) Tag[T] {
	return Tag[T]{Key: key}
}

// Readable объект, из которого можно читать атрибуты
type Readable interface {
	// ReadTag возвращает сырое значение и признак наличия
	ReadTag(key string) (any, bool)
}

// Writable объект, в который можно записывать атрибуты
type Writable interface {
	WriteTag(key string, value any)
	RemoveTag(key string)
}

// Get читает атрибут. Значение другого типа считается отсутствующим.
func Get[T any](r Readable, t Tag[T]) (T, bool) {
	var zero T
	raw, ok := r.ReadTag(t.Key)
	if !ok || raw == nil {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// GetOrDefault читает атрибут или возвращает значение по умолчанию
func GetOrDefault[T any](r Readable, t Tag[T], def T) T {
	if v, ok := Get(r, t); ok {
		return v
	}
	return def
}

// Has сообщает, задан ли атрибут
func Has[T any](r Readable, t Tag[T]) bool {
	_, ok := Get(r, t)
	return ok
}

// Set записывает атрибут
func Set[T any](w Writable, t Tag[T], v T) {
	w.WriteTag(t.Key, v)
}

// Remove удаляет атрибут
func Remove[T any](w Writable, t Tag[T]) {
	w.RemoveTag(t.Key)
}

// Store потокобезопасное хранилище атрибутов
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// ReadTag реализует Readable
func (s *Store) ReadTag(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// WriteTag реализует Writable
func (s *Store) WriteTag(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

// RemoveTag реализует Writable
func (s *Store) RemoveTag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Keys возвращает копию множества ключей
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// FromMap создаёт Readable поверх карты (например, декодированных метаданных)
func FromMap(m map[string]any) Readable {
	return mapReader(m)
}

type mapReader map[string]any

func (m mapReader) ReadTag(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}
