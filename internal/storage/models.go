package storage

import (
	"errors"
	"time"
)

// Ledger errors. Operations that return one of these changed nothing.
var (
	// ErrMemberNotFound is returned when a ledger operation targets an unknown user
	ErrMemberNotFound = errors.New("member not found")
	// ErrInsufficientPoints is returned when a debit exceeds the current balance
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrInvalidPoints is returned for non-positive amounts or a type that
	// does not match the direction of the change
	ErrInvalidPoints = errors.New("invalid points amount")
	// ErrInvalidStatus is returned for unknown member statuses
	ErrInvalidStatus = errors.New("invalid member status")
)

// Member statuses
const (
	StatusNormal    = "normal"
	StatusVIP       = "vip"
	StatusSuspended = "suspended"
	StatusBanned    = "banned"
)

// Transaction types. The first three credit the balance, the rest debit it.
const (
	TxEarn        = "earn"
	TxAdminAdd    = "admin_add"
	TxRefund      = "refund"
	TxSpend       = "spend"
	TxAdminDeduct = "admin_deduct"
	TxExpire      = "expire"
)

// DefaultDisplayName is stored when a member is created without a name.
const DefaultDisplayName = "使用者"

// MemberProfile carries the profile fields used to create or refresh a member.
type MemberProfile struct {
	UserID      string
	DisplayName string
	PictureURL  string
}

// Member represents a point-holding user
type Member struct {
	UserID      string `db:"user_id" json:"user_id"`
	DisplayName string `db:"display_name" json:"display_name"`
	PictureURL  string `db:"picture_url" json:"picture_url,omitempty"`
	Email       string `db:"email" json:"email,omitempty"`
	Points      int64  `db:"points" json:"points"`
	Status      string `db:"status" json:"status"`
	CreatedAt   int64  `db:"created_at" json:"created_at"` // Unix seconds
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"` // Unix seconds
}

// CanSpend reports whether the member may start paid work.
func (m *Member) CanSpend() bool {
	return m != nil && (m.Status == StatusNormal || m.Status == StatusVIP)
}

// Joined returns the creation time.
func (m *Member) Joined() time.Time {
	return time.Unix(m.CreatedAt, 0)
}

// PointTransaction is one append-only ledger row.
// Points is signed: positive for credits, negative for debits.
type PointTransaction struct {
	ID           int64  `db:"id" json:"id"`
	UserID       string `db:"user_id" json:"user_id"`
	Type         string `db:"transaction_type" json:"type"`
	Points       int64  `db:"points" json:"points"`
	BalanceAfter int64  `db:"balance_after" json:"balance_after"`
	Description  string `db:"description" json:"description"`
	CreatedAt    int64  `db:"created_at" json:"created_at"` // Unix seconds
}

// Time returns the creation time.
func (t *PointTransaction) Time() time.Time {
	return time.Unix(t.CreatedAt, 0)
}

// IsCreditType reports whether txType adds points.
func IsCreditType(txType string) bool {
	switch txType {
	case TxEarn, TxAdminAdd, TxRefund:
		return true
	}
	return false
}

// IsDebitType reports whether txType removes points.
func IsDebitType(txType string) bool {
	switch txType {
	case TxSpend, TxAdminDeduct, TxExpire:
		return true
	}
	return false
}

// ValidStatus reports whether status is a known member status.
func ValidStatus(status string) bool {
	switch status {
	case StatusNormal, StatusVIP, StatusSuspended, StatusBanned:
		return true
	}
	return false
}
