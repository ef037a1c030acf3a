package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/session"
)

// SessionStore implements session.Store on the user_states table.
type SessionStore struct {
	db *DB
}

// Compile-time check that SessionStore implements session.Store.
var _ session.Store = (*SessionStore)(nil)

// Sessions returns the session store backed by this database.
func (db *DB) Sessions() *SessionStore {
	return &SessionStore{db: db}
}

type sessionRow struct {
	UserID    string `db:"user_id"`
	Feature   string `db:"feature"`
	State     string `db:"state"`
	Data      []byte `db:"data"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r *sessionRow) toSession() *session.Session {
	return &session.Session{
		UserID:    r.UserID,
		Feature:   r.Feature,
		State:     r.State,
		Data:      r.Data,
		CreatedAt: time.Unix(r.CreatedAt, 0),
		UpdatedAt: time.Unix(r.UpdatedAt, 0),
	}
}

// Get returns the user's session, or nil when none exists.
func (s *SessionStore) Get(ctx context.Context, userID string) (*session.Session, error) {
	query := s.db.reader.Rebind(`SELECT user_id, feature, state, data, created_at, updated_at FROM user_states WHERE user_id = ?`)

	var row sessionRow
	err := s.db.reader.GetContext(ctx, &row, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to query session", "user_id", userID, "error", err)
		return nil, fmt.Errorf("query session: %w", err)
	}
	return row.toSession(), nil
}

// Set creates or replaces the user's session. created_at is kept on replace.
func (s *SessionStore) Set(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.UserID == "" {
		return errors.New("set session: missing user id")
	}

	query := s.db.writer.Rebind(`
		INSERT INTO user_states (user_id, feature, state, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			feature = excluded.feature,
			state = excluded.state,
			data = excluded.data,
			updated_at = excluded.updated_at
	`)

	start := time.Now()
	now := s.db.now().Unix()
	if _, err := s.db.writer.ExecContext(ctx, query, sess.UserID, sess.Feature, sess.State, sess.Data, now, now); err != nil {
		slog.ErrorContext(ctx, "failed to save session",
			"user_id", sess.UserID,
			"feature", sess.Feature,
			"state", sess.State,
			"error", err)
		return fmt.Errorf("save session: %w", err)
	}
	warnSlow(ctx, "SetSession", start, "user_id", sess.UserID)
	return nil
}

// Clear deletes the user's session. Deleting a missing session succeeds.
func (s *SessionStore) Clear(ctx context.Context, userID string) error {
	query := s.db.writer.Rebind(`DELETE FROM user_states WHERE user_id = ?`)
	if _, err := s.db.writer.ExecContext(ctx, query, userID); err != nil {
		slog.ErrorContext(ctx, "failed to clear session", "user_id", userID, "error", err)
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes sessions not updated within age.
func (s *SessionStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.db.now().Add(-age).Unix()
	query := s.db.writer.Rebind(`DELETE FROM user_states WHERE updated_at < ?`)

	start := time.Now()
	res, err := s.db.writer.ExecContext(ctx, query, cutoff)
	if err != nil {
		slog.ErrorContext(ctx, "failed to clean up sessions", "error", err)
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	warnSlow(ctx, "CleanupSessions", start)

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: rows affected: %w", err)
	}
	return n, nil
}

// ListOlderThan returns sessions not updated within age, oldest first.
func (s *SessionStore) ListOlderThan(ctx context.Context, age time.Duration) ([]session.Session, error) {
	cutoff := s.db.now().Add(-age).Unix()
	query := s.db.reader.Rebind(`
		SELECT user_id, feature, state, data, created_at, updated_at
		FROM user_states WHERE updated_at < ? ORDER BY updated_at
	`)

	var rows []sessionRow
	if err := s.db.reader.SelectContext(ctx, &rows, query, cutoff); err != nil {
		slog.ErrorContext(ctx, "failed to list stale sessions", "error", err)
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}

	out := make([]session.Session, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toSession())
	}
	return out, nil
}

// Ping implements session.Store.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
