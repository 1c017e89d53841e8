package player

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNameTaken игрок с таким именем уже в игре
	ErrNameTaken = errors.New("игрок с таким именем уже подключён")
	// ErrServerFull достигнут лимит игроков
	ErrServerFull = errors.New("сервер заполнен")
)

// Manager реестр подключённых игроков и счётчик entity id
type Manager struct {
	mu      sync.RWMutex
	byID    map[int32]*Player
	byName  map[string]*Player
	nextID  int32
	maxSize int
}

// NewManager создаёт реестр. maxPlayers <= 0 снимает ограничение.
func NewManager(maxPlayers int) *Manager {
	return &Manager{
		byID:    make(map[int32]*Player),
		byName:  make(map[string]*Player),
		maxSize: maxPlayers,
	}
}

// NextID выдаёт новый entity id
func (m *Manager) NextID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// Add регистрирует игрока
func (m *Manager) Add(p *Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[p.Name()]; ok {
		return ErrNameTaken
	}
	if m.maxSize > 0 && len(m.byID) >= m.maxSize {
		return ErrServerFull
	}
	m.byID[p.EntityID()] = p
	m.byName[p.Name()] = p
	return nil
}

// Remove удаляет игрока, возвращает false если его не было
func (m *Manager) Remove(id int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	delete(m.byName, p.Name())
	return true
}

// Get находит игрока по entity id
func (m *Manager) Get(id int32) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	return p, ok
}

// ByUUID находит игрока по UUID
func (m *Manager) ByUUID(id uuid.UUID) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.byID {
		if p.UUID() == id {
			return p, true
		}
	}
	return nil, false
}

// All возвращает игроков в порядке entity id
func (m *Manager) All() []*Player {
	m.mu.RLock()
	out := make([]*Player, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Len число игроков
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
