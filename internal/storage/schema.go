package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// columnTypes holds the per-dialect spellings used by the schema.
type columnTypes struct {
	serialPK string
	bigint   string
	blob     string
}

func typesFor(dialect Dialect) columnTypes {
	if dialect == DialectPostgres {
		return columnTypes{serialPK: "BIGSERIAL PRIMARY KEY", bigint: "BIGINT", blob: "BYTEA"}
	}
	return columnTypes{serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT", bigint: "INTEGER", blob: "BLOB"}
}

// InitSchema creates all tables and indexes. It is safe to run repeatedly.
// Timestamps are Unix seconds.
func InitSchema(ctx context.Context, db *sqlx.DB, dialect Dialect) error {
	types := typesFor(dialect)

	if err := createUserStatesTable(ctx, db, types); err != nil {
		return err
	}
	if err := createMembersTable(ctx, db, types); err != nil {
		return err
	}
	return createPointTransactionsTable(ctx, db, types)
}

func createUserStatesTable(ctx context.Context, db *sqlx.DB, t columnTypes) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS user_states (
		user_id TEXT PRIMARY KEY,
		feature TEXT NOT NULL,
		state TEXT NOT NULL,
		data %[1]s,
		created_at %[2]s NOT NULL,
		updated_at %[2]s NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_states_user_feature ON user_states(user_id, feature);
	CREATE INDEX IF NOT EXISTS idx_user_states_updated_at ON user_states(updated_at);
	`, t.blob, t.bigint)

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create user_states table: %w", err)
	}
	return nil
}

func createMembersTable(ctx context.Context, db *sqlx.DB, t columnTypes) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS members (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		picture_url TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		points %[1]s NOT NULL DEFAULT 0 CHECK (points >= 0),
		status TEXT NOT NULL DEFAULT 'normal',
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_members_status ON members(status);
	`, t.bigint)

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create members table: %w", err)
	}
	return nil
}

func createPointTransactionsTable(ctx context.Context, db *sqlx.DB, t columnTypes) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS point_transactions (
		id %[1]s,
		user_id TEXT NOT NULL REFERENCES members(user_id) ON DELETE CASCADE,
		transaction_type TEXT NOT NULL,
		points %[2]s NOT NULL,
		balance_after %[2]s NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at %[2]s NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_point_transactions_user_created ON point_transactions(user_id, created_at);
	`, t.serialPK, t.bigint)

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create point_transactions table: %w", err)
	}
	return nil
}
