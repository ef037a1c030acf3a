// Package session holds the per-user conversation state that lets a
// multi-step feature pick up where the user left off.
//
// A user has at most one session. The owning feature is recorded next to a
// feature-private state label and an opaque payload; no other feature reads
// or interprets that payload.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State labels shared by the image features. Features may define their own.
const (
	StateWaitingImage       = "waiting_image"
	StateWaitingDescription = "waiting_description"
	StateProcessing         = "processing"
)

// Session is the stored conversation state of a single user.
type Session struct {
	UserID    string    `json:"user_id"`
	Feature   string    `json:"feature"`
	State     string    `json:"state"`
	Data      []byte    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnedBy reports whether the session belongs to feature.
func (s *Session) OwnedBy(feature string) bool {
	return s != nil && s.Feature == feature
}

// Is reports whether the session belongs to feature and is in state.
func (s *Session) Is(feature, state string) bool {
	return s.OwnedBy(feature) && s.State == state
}

// Decode unmarshals the session payload into v. An empty payload leaves v untouched.
func (s *Session) Decode(v any) error {
	if s == nil || len(s.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s session data: %w", s.Feature, s.State, err)
	}
	return nil
}

// Store persists sessions keyed by user ID.
//
// Implementations must make Set replace any existing record for the user
// (upsert) and must treat Clear of a missing record as success.
type Store interface {
	// Get returns the user's session, or nil when none exists.
	Get(ctx context.Context, userID string) (*Session, error)
	// Set creates or overwrites the user's session.
	Set(ctx context.Context, s *Session) error
	// Clear deletes the user's session. Missing records are not an error.
	Clear(ctx context.Context, userID string) error
	// CleanupOlderThan removes sessions not updated within age and returns
	// how many were removed.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// Transition moves userID into feature/state with a JSON-encoded payload.
// A nil payload stores no data.
func Transition(ctx context.Context, store Store, userID, feature, state string, payload any) error {
	s := &Session{UserID: userID, Feature: feature, State: state}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s/%s session data: %w", feature, state, err)
		}
		s.Data = data
	}
	return store.Set(ctx, s)
}
