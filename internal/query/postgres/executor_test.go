package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/rudnitski/HealthUp-sub002/internal/query"
	"github.com/rudnitski/HealthUp-sub002/internal/scope"
)

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestExecuteBindsAccountScope(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := NewExecutor(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('healthup.account_id', $1, true)")).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL ROLE healthup_chat")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT analyte, value_num FROM lab_result LIMIT 100) AS q LIMIT 20")).
		WillReturnRows(sqlmock.NewRows([]string{"analyte", "value_num"}).
			AddRow([]byte("HGB"), 13.2).
			AddRow([]byte("GLU"), 5.4))
	mock.ExpectRollback()

	result, err := executor.Execute(context.Background(), query.Request{
		Statement: "SELECT analyte, value_num FROM lab_result LIMIT 100",
		Scope:     scope.Binding{AccountID: "acct-1"},
		RowCap:    20,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Columns) != 2 || result.Columns[0] != "analyte" {
		t.Fatalf("Columns = %v", result.Columns)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("Rows = %v", result.Rows)
	}
	if result.Rows[0][0] != "HGB" {
		t.Fatalf("Rows[0][0] = %#v, want normalized string", result.Rows[0][0])
	}
	assertSQLMock(t, mock)
}

func TestExecuteBindsPatientScopeWhenNarrowed(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := NewExecutor(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('healthup.account_id', $1, true)")).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('healthup.patient_id', $1, true)")).
		WithArgs("pat-anna").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL ROLE healthup_chat")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM lab_result")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))
	mock.ExpectRollback()

	result, err := executor.Execute(context.Background(), query.Request{
		Statement: "SELECT count(*) FROM lab_result;",
		Scope:     scope.Binding{AccountID: "acct-1", PatientID: "pat-anna"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Rows[0][0] != int64(12) {
		t.Fatalf("Rows[0][0] = %#v", result.Rows[0][0])
	}
	assertSQLMock(t, mock)
}

func TestExecuteBindsStatementTimeout(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := NewExecutor(db)
	executor.StatementTimeout = 1500 * time.Millisecond

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('statement_timeout', $1, true)")).
		WithArgs("1500").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('healthup.account_id', $1, true)")).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL ROLE healthup_chat")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))
	mock.ExpectRollback()

	_, err := executor.Execute(context.Background(), query.Request{
		Statement: "SELECT 1",
		Scope:     scope.Binding{AccountID: "acct-1"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestExecuteRequiresAccountScope(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := NewExecutor(db)

	_, err := executor.Execute(context.Background(), query.Request{
		Statement: "SELECT 1",
		Scope:     scope.Binding{},
	})
	if err == nil {
		t.Fatal("expected error for missing account scope")
	}
	assertSQLMock(t, mock)
}

func TestExecuteRequiresStatement(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := NewExecutor(db)

	_, err := executor.Execute(context.Background(), query.Request{
		Statement: "   ",
		Scope:     scope.Binding{AccountID: "acct-1"},
	})
	if err == nil {
		t.Fatal("expected error for empty statement")
	}
	assertSQLMock(t, mock)
}

func TestExecuteRollsBackOnQueryError(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := NewExecutor(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('healthup.account_id', $1, true)")).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL ROLE healthup_chat")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nope FROM lab_result")).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := executor.Execute(context.Background(), query.Request{
		Statement: "SELECT nope FROM lab_result",
		Scope:     scope.Binding{AccountID: "acct-1"},
	})
	if err == nil {
		t.Fatal("expected query error")
	}
	assertSQLMock(t, mock)
}
