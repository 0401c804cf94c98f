package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"premium/internal/engine"
)

// EngineFactory builds a fully wired engine for one user session. The
// resolver is owned by the session manager and reports the session user only
// while the session is open.
type EngineFactory func(userID string, users engine.UserResolver) (*engine.Engine, error)

// sessionResolver ties verification attribution to session liveness: once
// the session closes, user resolution fails and so does any verification
// still in flight.
type sessionResolver struct {
	mu     sync.RWMutex
	userID string
	open   bool
}

func (r *sessionResolver) CurrentUserID() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.open {
		return "", errors.New("session is closed")
	}
	return r.userID, nil
}

func (r *sessionResolver) close() {
	r.mu.Lock()
	r.open = false
	r.mu.Unlock()
}

type session struct {
	userID   string
	engine   *engine.Engine
	resolver *sessionResolver
}

// SessionManager owns one engine per mounted user session
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	factory  EngineFactory
}

// NewSessionManager creates an empty manager backed by factory
func NewSessionManager(factory EngineFactory) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*session),
		factory:  factory,
	}
}

// Mount creates and initializes an engine for userID. Mounting an already
// mounted user is an error; unmount first.
func (m *SessionManager) Mount(ctx context.Context, userID string) (*engine.Engine, error) {
	if userID == "" {
		return nil, errors.New("user id is empty")
	}

	m.mu.Lock()
	if _, exists := m.sessions[userID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session for %s is already mounted", userID)
	}
	resolver := &sessionResolver{userID: userID, open: true}
	m.sessions[userID] = &session{userID: userID, resolver: resolver}
	m.mu.Unlock()

	eng, err := m.factory(userID, resolver)
	if err != nil {
		resolver.close()
		m.mu.Lock()
		delete(m.sessions, userID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[userID].engine = eng
	m.mu.Unlock()

	if err := eng.Initialize(ctx); err != nil {
		// Initialization failures leave the session mounted: the snapshot
		// carries the error state and the client can retry via remount
		log.Printf("Session %s mounted with initialization error: %v", userID, err)
	}
	return eng, nil
}

// Unmount tears down the session for userID
func (m *SessionManager) Unmount(userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no session for %s", userID)
	}

	s.resolver.close()
	if s.engine != nil {
		s.engine.Teardown()
	}
	log.Printf("Session %s unmounted", userID)
	return nil
}

// Get returns the engine for userID, if mounted
func (m *SessionManager) Get(userID string) (*engine.Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok || s.engine == nil {
		return nil, false
	}
	return s.engine, true
}

// Count returns the number of mounted sessions
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll unmounts every session; used on shutdown
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.resolver.close()
		if s.engine != nil {
			s.engine.Teardown()
		}
	}
}
