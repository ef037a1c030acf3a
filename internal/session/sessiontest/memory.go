// Package sessiontest provides an in-memory session.Store for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/session"
)

// Store keeps sessions in a map. It also counts writes so tests can assert
// that an operation left the store untouched.
type Store struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	writes   int
	clears   int
	now      func() time.Time

	// GetErr and SetErr, when set, are returned by Get and Set.
	GetErr error
	SetErr error
}

var _ session.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session), now: time.Now}
}

// Get returns a copy of the user's session.
func (s *Store) Get(_ context.Context, userID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	sess.Data = append([]byte(nil), sess.Data...)
	return &sess, nil
}

// Set upserts the session.
func (s *Store) Set(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	if sess == nil || sess.UserID == "" {
		return errors.New("session user id is required")
	}
	now := s.now()
	stored := *sess
	stored.Data = append([]byte(nil), sess.Data...)
	stored.CreatedAt = now
	if prev, ok := s.sessions[sess.UserID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	stored.UpdatedAt = now
	s.sessions[sess.UserID] = stored
	s.writes++
	return nil
}

// Clear removes the session.
func (s *Store) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	s.clears++
	return nil
}

// CleanupOlderThan removes sessions not updated within age.
func (s *Store) CleanupOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-age)
	var n int64
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Put stores sess directly, bypassing the write counter.
func (s *Store) Put(sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = s.now()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	s.sessions[sess.UserID] = sess
}

// Writes returns how many Set calls succeeded.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Clears returns how many Clear calls were made.
func (s *Store) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
