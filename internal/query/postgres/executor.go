// Package postgres runs validated statements inside a read-only
// transaction. The session's scope identifiers are bound as
// transaction-local settings and the transaction then assumes the
// healthup_chat role, so the row-level-security policies on the
// health-record tables filter every row the statement can see down to
// the bound account and patient.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/query"
)

type Executor struct {
	DB *sql.DB

	// StatementTimeout bounds each statement inside its transaction.
	// Zero leaves the server default in place.
	StatementTimeout time.Duration
}

func NewExecutor(db *sql.DB) *Executor {
	return &Executor{DB: db}
}

var _ query.Engine = (*Executor)(nil)

func (e *Executor) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.Statement) == "" {
		return query.Result{}, fmt.Errorf("statement is required")
	}
	if request.Scope.AccountID == "" {
		return query.Result{}, fmt.Errorf("scope account id is required")
	}

	start := time.Now()
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if e.StatementTimeout > 0 {
		millis := strconv.FormatInt(e.StatementTimeout.Milliseconds(), 10)
		if _, err := tx.ExecContext(ctx, "SELECT set_config('statement_timeout', $1, true)", millis); err != nil {
			return query.Result{}, fmt.Errorf("bind statement timeout: %w", err)
		}
	}

	// set_config(..., true) scopes the setting to this transaction, the
	// same effect as SET LOCAL but parameterizable.
	if _, err := tx.ExecContext(ctx, "SELECT set_config('healthup.account_id', $1, true)", request.Scope.AccountID); err != nil {
		return query.Result{}, fmt.Errorf("bind account scope: %w", err)
	}
	if request.Scope.PatientID != "" {
		if _, err := tx.ExecContext(ctx, "SELECT set_config('healthup.patient_id', $1, true)", request.Scope.PatientID); err != nil {
			return query.Result{}, fmt.Errorf("bind patient scope: %w", err)
		}
	}

	// The isolation policies apply to healthup_chat only; the pool's own
	// role owns the tables and row-level security does not fire for it.
	if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE healthup_chat"); err != nil {
		return query.Result{}, fmt.Errorf("assume query role: %w", err)
	}

	statement := stripTrailingSemicolons(request.Statement)
	if request.RowCap > 0 {
		statement = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", statement, request.RowCap)
	}

	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute statement: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("statement columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(statement string) string {
	trimmed := strings.TrimSpace(statement)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
