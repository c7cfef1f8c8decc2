package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lidarhub/pointserve/internal/engine"
	"github.com/lidarhub/pointserve/internal/monitoring"
)

// Manager tracks live sessions by ID. It is safe for concurrent use;
// all sessions share one dispatcher pool.
type Manager struct {
	dispatcher *Dispatcher
	newEngine  func() engine.Engine

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. newEngine produces a fresh
// engine context per session.
func NewManager(d *Dispatcher, newEngine func() engine.Engine) *Manager {
	return &Manager{
		dispatcher: d,
		newEngine:  newEngine,
		sessions:   make(map[string]*Session),
	}
}

// Create opens a session under id (a fresh uuid when empty), builds
// and executes its pipeline asynchronously, and returns the session ID
// immediately. The ID is reserved right away, but the session answers
// queries only after cb reports success; a session that fails to
// initialize removes itself before cb runs.
func (m *Manager) Create(id, pipeline string, auxPaths []string, cb func(error)) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}

	s := New(m.newEngine(), m.dispatcher)

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return "", errOf(KindInvalidArgument, "session %q already exists", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	err := s.Create(pipeline, auxPaths, func(err error) {
		if err != nil {
			m.remove(id)
			monitoring.Logf("[SessionManager] session %s failed to initialize: %v", id, err)
		} else {
			monitoring.Logf("[SessionManager] session %s ready", id)
		}
		if cb != nil {
			cb(err)
		}
	})
	if err != nil {
		m.remove(id)
		return "", err
	}
	return id, nil
}

// Parse validates a pipeline definition without retaining a session;
// cb receives the initialize error, nil when the definition is sound.
func (m *Manager) Parse(pipeline string, auxPaths []string, cb func(error)) error {
	s := New(m.newEngine(), m.dispatcher)
	return s.Parse(pipeline, auxPaths, cb)
}

// Get returns the live session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Destroy tears down the identified session, waiting for its in-flight
// reads to drain. It reports false for an unknown ID.
func (m *Manager) Destroy(id string) bool {
	s, ok := m.remove(id)
	if !ok {
		return false
	}
	s.Destroy()
	monitoring.Logf("[SessionManager] session %s destroyed", id)
	return true
}

// DestroyAll tears down every live session, for shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		s.Destroy()
		monitoring.Logf("[SessionManager] session %s destroyed", id)
	}
}

// List returns the IDs of live sessions in stable order.
func (m *Manager) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) remove(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return s, ok
}
