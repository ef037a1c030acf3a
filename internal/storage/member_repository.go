package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	memberColumns       = `user_id, display_name, picture_url, email, points, status, created_at, updated_at`
	transactionColumns  = `id, user_id, transaction_type, points, balance_after, description, created_at`
	defaultHistoryLimit = 10
)

// GetMember retrieves a member by LINE user ID. Returns nil, nil when absent.
func (db *DB) GetMember(ctx context.Context, userID string) (*Member, error) {
	query := db.reader.Rebind(`SELECT ` + memberColumns + ` FROM members WHERE user_id = ?`)

	var m Member
	err := db.reader.GetContext(ctx, &m, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to query member", "user_id", userID, "error", err)
		return nil, fmt.Errorf("query member: %w", err)
	}
	return &m, nil
}

// GetOrCreateMember returns the member, creating it with zero points when
// missing. created reports whether a new row was inserted. Non-empty profile
// fields refresh the stored ones.
func (db *DB) GetOrCreateMember(ctx context.Context, p MemberProfile) (*Member, bool, error) {
	start := time.Now()
	now := db.now().Unix()

	name := p.DisplayName
	if name == "" {
		name = DefaultDisplayName
	}
	insert := db.writer.Rebind(`
		INSERT INTO members (user_id, display_name, picture_url, points, status, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`)
	res, err := db.writer.ExecContext(ctx, insert, p.UserID, name, p.PictureURL, StatusNormal, now, now)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create member", "user_id", p.UserID, "error", err)
		return nil, false, fmt.Errorf("create member: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create member: rows affected: %w", err)
	}
	created := affected > 0

	if !created && (p.DisplayName != "" || p.PictureURL != "") {
		update := db.writer.Rebind(`
			UPDATE members SET
				display_name = CASE WHEN ? <> '' THEN ? ELSE display_name END,
				picture_url = CASE WHEN ? <> '' THEN ? ELSE picture_url END,
				updated_at = ?
			WHERE user_id = ?
		`)
		if _, err := db.writer.ExecContext(ctx, update, p.DisplayName, p.DisplayName, p.PictureURL, p.PictureURL, now, p.UserID); err != nil {
			slog.WarnContext(ctx, "failed to refresh member profile", "user_id", p.UserID, "error", err)
		}
	}

	var m Member
	query := db.writer.Rebind(`SELECT ` + memberColumns + ` FROM members WHERE user_id = ?`)
	if err := db.writer.GetContext(ctx, &m, query, p.UserID); err != nil {
		return nil, false, fmt.Errorf("reload member: %w", err)
	}

	warnSlow(ctx, "GetOrCreateMember", start, "user_id", p.UserID)
	if created {
		slog.InfoContext(ctx, "member created", "user_id", p.UserID)
	}
	return &m, created, nil
}

// UpdateMemberStatus sets the member status.
func (db *DB) UpdateMemberStatus(ctx context.Context, userID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	query := db.writer.Rebind(`UPDATE members SET status = ?, updated_at = ? WHERE user_id = ?`)
	res, err := db.writer.ExecContext(ctx, query, status, db.now().Unix(), userID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to update member status", "user_id", userID, "error", err)
		return fmt.Errorf("update member status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// CountMembers returns the number of members.
func (db *DB) CountMembers(ctx context.Context) (int, error) {
	var count int
	if err := db.reader.GetContext(ctx, &count, `SELECT COUNT(*) FROM members`); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

// AddPoints credits points (> 0) to the member with a credit type
// (earn, admin_add, refund) and appends the ledger row.
func (db *DB) AddPoints(ctx context.Context, userID string, points int64, txType, description string) (*PointTransaction, error) {
	if points <= 0 || !IsCreditType(txType) {
		db.recordLedger(txType, "invalid")
		return nil, fmt.Errorf("%w: %d as %q", ErrInvalidPoints, points, txType)
	}
	return db.applyPoints(ctx, userID, points, txType, description)
}

// DeductPoints debits points (> 0) from the member with a debit type
// (spend, admin_deduct, expire). A debit larger than the balance fails with
// ErrInsufficientPoints and changes nothing.
func (db *DB) DeductPoints(ctx context.Context, userID string, points int64, txType, description string) (*PointTransaction, error) {
	if points <= 0 || !IsDebitType(txType) {
		db.recordLedger(txType, "invalid")
		return nil, fmt.Errorf("%w: %d as %q", ErrInvalidPoints, points, txType)
	}
	return db.applyPoints(ctx, userID, -points, txType, description)
}

// applyPoints locks the member row, checks the resulting balance, updates it
// and appends the transaction row in one transaction.
func (db *DB) applyPoints(ctx context.Context, userID string, delta int64, txType, description string) (*PointTransaction, error) {
	start := time.Now()

	tx, err := db.writer.BeginTxx(ctx, nil)
	if err != nil {
		db.recordLedger(txType, "error")
		return nil, fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := db.lockMember(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			db.recordLedger(txType, "not_found")
			return nil, err
		}
		db.recordLedger(txType, "error")
		slog.ErrorContext(ctx, "failed to lock member", "user_id", userID, "error", err)
		return nil, fmt.Errorf("lock member: %w", err)
	}

	newBalance := balance + delta
	if newBalance < 0 {
		db.recordLedger(txType, "insufficient")
		return nil, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientPoints, balance, -delta)
	}

	now := db.now().Unix()
	update := tx.Rebind(`UPDATE members SET points = ?, updated_at = ? WHERE user_id = ?`)
	if _, err := tx.ExecContext(ctx, update, newBalance, now, userID); err != nil {
		db.recordLedger(txType, "error")
		slog.ErrorContext(ctx, "failed to update balance", "user_id", userID, "error", err)
		return nil, fmt.Errorf("update balance: %w", err)
	}

	rec := &PointTransaction{
		UserID:       userID,
		Type:         txType,
		Points:       delta,
		BalanceAfter: newBalance,
		Description:  description,
		CreatedAt:    now,
	}
	insert := tx.Rebind(`
		INSERT INTO point_transactions (user_id, transaction_type, points, balance_after, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	if err := tx.QueryRowxContext(ctx, insert, userID, txType, delta, newBalance, description, now).Scan(&rec.ID); err != nil {
		db.recordLedger(txType, "error")
		slog.ErrorContext(ctx, "failed to append point transaction", "user_id", userID, "error", err)
		return nil, fmt.Errorf("append point transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		db.recordLedger(txType, "error")
		return nil, fmt.Errorf("commit ledger transaction: %w", err)
	}

	db.recordLedger(txType, "ok")
	warnSlow(ctx, "ApplyPoints", start, "user_id", userID, "type", txType)
	slog.InfoContext(ctx, "points applied",
		"user_id", userID,
		"type", txType,
		"points", delta,
		"balance_after", newBalance)
	return rec, nil
}

// lockMember takes the row lock for userID inside tx and returns its balance.
// PostgreSQL uses SELECT ... FOR UPDATE. SQLite has no row locks, so a no-op
// UPDATE acquires the database write lock before the balance is read.
func (db *DB) lockMember(ctx context.Context, tx *sqlx.Tx, userID string) (int64, error) {
	var balance int64

	if db.dialect == DialectPostgres {
		query := tx.Rebind(`SELECT points FROM members WHERE user_id = ? FOR UPDATE`)
		err := tx.GetContext(ctx, &balance, query, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrMemberNotFound
		}
		return balance, err
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE members SET points = points WHERE user_id = ?`), userID)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, ErrMemberNotFound
	}
	if err := tx.GetContext(ctx, &balance, tx.Rebind(`SELECT points FROM members WHERE user_id = ?`), userID); err != nil {
		return 0, err
	}
	return balance, nil
}

// GetPointHistory returns the newest transactions first. limit <= 0 means 10.
func (db *DB) GetPointHistory(ctx context.Context, userID string, limit int) ([]PointTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query := db.reader.Rebind(`
		SELECT ` + transactionColumns + `
		FROM point_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)

	var txs []PointTransaction
	if err := db.reader.SelectContext(ctx, &txs, query, userID, limit); err != nil {
		slog.ErrorContext(ctx, "failed to query point history", "user_id", userID, "error", err)
		return nil, fmt.Errorf("query point history: %w", err)
	}
	return txs, nil
}

func (db *DB) recordLedger(txType, result string) {
	if db.metrics != nil {
		db.metrics.RecordLedger(txType, result)
	}
}
