// Package storage provides the SQL persistence layer: per-user session state
// and the member points ledger, on SQLite (default) or PostgreSQL.
package storage

import (
	"context"
)

// MemberRepository defines member lookup and creation.
type MemberRepository interface {
	GetMember(ctx context.Context, userID string) (*Member, error)
	GetOrCreateMember(ctx context.Context, p MemberProfile) (*Member, bool, error)
	UpdateMemberStatus(ctx context.Context, userID, status string) error
	CountMembers(ctx context.Context) (int, error)
}

// LedgerRepository defines point mutations and history.
// AddPoints and DeductPoints apply atomically or not at all.
type LedgerRepository interface {
	AddPoints(ctx context.Context, userID string, points int64, txType, description string) (*PointTransaction, error)
	DeductPoints(ctx context.Context, userID string, points int64, txType, description string) (*PointTransaction, error)
	GetPointHistory(ctx context.Context, userID string, limit int) ([]PointTransaction, error)
}

// Ledger combines member and ledger access, as used by the feature modules.
type Ledger interface {
	MemberRepository
	LedgerRepository
}

// Compile-time check that DB implements Ledger.
var _ Ledger = (*DB)(nil)
