package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// newMockPostgres returns a DB on the postgres code path backed by sqlmock.
func newMockPostgres(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	x := sqlx.NewDb(conn, "postgres")
	return newDB(x, x, DialectPostgres), mock
}

var lockQuery = regexp.QuoteMeta(`SELECT points FROM members WHERE user_id = $1 FOR UPDATE`)

func TestApplyPoints_Postgres_Commit(t *testing.T) {
	db, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("U1").
		WillReturnRows(sqlmock.NewRows([]string{"points"}).AddRow(5))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE members SET points = $1, updated_at = $2 WHERE user_id = $3`)).
		WithArgs(int64(4), sqlmock.AnyArg(), "U1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO point_transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	tx, err := db.DeductPoints(context.Background(), "U1", 1, TxSpend, "圖片彩色化")
	if err != nil {
		t.Fatalf("DeductPoints: %v", err)
	}
	if tx.ID != 42 || tx.BalanceAfter != 4 || tx.Points != -1 {
		t.Errorf("unexpected transaction %+v", tx)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyPoints_Postgres_InsertFailureRollsBack(t *testing.T) {
	db, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("U1").
		WillReturnRows(sqlmock.NewRows([]string{"points"}).AddRow(5))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE members SET points = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO point_transactions`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if _, err := db.DeductPoints(context.Background(), "U1", 1, TxSpend, "x"); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyPoints_Postgres_InsufficientRollsBack(t *testing.T) {
	db, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("U1").
		WillReturnRows(sqlmock.NewRows([]string{"points"}).AddRow(0))
	mock.ExpectRollback()

	_, err := db.DeductPoints(context.Background(), "U1", 50, TxSpend, "x")
	if !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("err = %v, want ErrInsufficientPoints", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyPoints_Postgres_MemberNotFound(t *testing.T) {
	db, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"points"}))
	mock.ExpectRollback()

	_, err := db.AddPoints(context.Background(), "ghost", 1, TxEarn, "x")
	if !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("err = %v, want ErrMemberNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
