package logging

import (
	"sort"
	"sync"
)

// Manager выдаёт логгеры компонентов от одного корневого логгера
// и кеширует их по имени.
type Manager struct {
	mu      sync.RWMutex
	root    *Logger
	loggers map[string]*Logger
}

// NewManager создаёт менеджер поверх корневого логгера
func NewManager(root *Logger) *Manager {
	if root == nil {
		root = NewNop()
	}
	return &Manager{
		root:    root,
		loggers: make(map[string]*Logger),
	}
}

// Get возвращает логгер для компонента, создавая его при необходимости
func (lm *Manager) Get(component string) *Logger {
	lm.mu.RLock()
	if logger, exists := lm.loggers[component]; exists {
		lm.mu.RUnlock()
		return logger
	}
	lm.mu.RUnlock()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	// Проверяем еще раз на случай race condition
	if logger, exists := lm.loggers[component]; exists {
		return logger
	}

	logger := lm.root.Component(component)
	lm.loggers[component] = logger
	return logger
}

// Root возвращает корневой логгер
func (lm *Manager) Root() *Logger {
	return lm.root
}

// ListComponents возвращает отсортированный список компонентов
func (lm *Manager) ListComponents() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	components := make([]string, 0, len(lm.loggers))
	for component := range lm.loggers {
		components = append(components, component)
	}
	sort.Strings(components)
	return components
}

// Sync сбрасывает буферы корневого логгера
func (lm *Manager) Sync() error {
	return lm.root.Sync()
}
