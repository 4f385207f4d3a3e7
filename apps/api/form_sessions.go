package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type formSession struct {
	controller *FormController
	expiresAt  time.Time
}

// FormSessionStore keeps mounted form instances in memory. Each access
// extends the session by the store's TTL.
type FormSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*formSession
	ttl      time.Duration
}

func newFormSessionStore(ttl time.Duration) *FormSessionStore {
	return &FormSessionStore{
		sessions: make(map[string]*formSession),
		ttl:      ttl,
	}
}

func (s *FormSessionStore) Create(controller *FormController, now time.Time) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &formSession{controller: controller, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()
	return id
}

func (s *FormSessionStore) Get(id string, now time.Time) (*FormController, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if !now.Before(session.expiresAt) {
		delete(s.sessions, id)
		return nil, false
	}
	session.expiresAt = now.Add(s.ttl)
	return session.controller, true
}

func (s *FormSessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// Prune drops expired sessions and returns how many were removed.
func (s *FormSessionStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if !now.Before(session.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *FormSessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
