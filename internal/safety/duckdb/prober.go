// Package duckdb probes candidate statements against an in-memory
// DuckDB mirror of the health-record schema. The mirror holds table
// shapes and one all-NULL sentinel row per table, never patient data,
// so EXPLAIN and DESCRIBE run without touching real rows. Postgres
// constructs DuckDB cannot parse surface as probe errors, which the
// validator treats as warnings rather than rejects.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/rudnitski/HealthUp-sub002/internal/safety"
	"github.com/rudnitski/HealthUp-sub002/internal/schema"
)

type Prober struct {
	db *sql.DB
}

var _ safety.Prober = (*Prober)(nil)

// NewProber materializes every manifest table as a DuckDB table holding
// a single all-NULL sentinel row. The optimizer folds scans over empty
// tables into EMPTY_RESULT nodes, and the sentinel keeps the real scan
// nodes in every plan the probe inspects. The mirror reflects the
// manifest it was built from; rebuild the prober when the schema
// changes.
func NewProber(ctx context.Context, manifest schema.Manifest) (*Prober, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open schema mirror: %w", err)
	}
	for _, table := range manifest.Tables {
		if _, err := db.ExecContext(ctx, createTableDDL(table)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mirror table %q: %w", table.Name, err)
		}
		if _, err := db.ExecContext(ctx, sentinelRowDML(table)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("seed mirror table %q: %w", table.Name, err)
		}
	}
	return &Prober{db: db}, nil
}

func (p *Prober) Close() error {
	return p.db.Close()
}

// Plan returns the textual execution plan for the statement.
func (p *Prober) Plan(ctx context.Context, statement string) (string, error) {
	rows, err := p.db.QueryContext(ctx, "EXPLAIN "+statement)
	if err != nil {
		return "", fmt.Errorf("explain statement: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plan strings.Builder
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return "", fmt.Errorf("scan plan row: %w", err)
		}
		plan.WriteString(value)
		plan.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate plan rows: %w", err)
	}
	return plan.String(), nil
}

// Shape returns the statement's output columns from DESCRIBE metadata.
func (p *Prober) Shape(ctx context.Context, statement string) ([]safety.Column, error) {
	rows, err := p.db.QueryContext(ctx, "DESCRIBE "+statement)
	if err != nil {
		return nil, fmt.Errorf("describe statement: %w", err)
	}
	defer func() { _ = rows.Close() }()

	fields, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}

	var columns []safety.Column
	for rows.Next() {
		values := make([]any, len(fields))
		scanTargets := make([]any, len(fields))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scan describe row: %w", err)
		}
		name, _ := values[0].(string)
		dataType, _ := values[1].(string)
		columns = append(columns, safety.Column{Name: name, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate describe rows: %w", err)
	}
	return columns, nil
}

func createTableDDL(table schema.Table) string {
	defs := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		defs = append(defs, quoteIdent(column.Name)+" "+duckdbType(column.DataType))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table.Name), strings.Join(defs, ", "))
}

func sentinelRowDML(table schema.Table) string {
	values := make([]string, len(table.Columns))
	for i := range values {
		values[i] = "NULL"
	}
	return fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(table.Name), strings.Join(values, ", "))
}

// duckdbType maps a Postgres data type onto the nearest DuckDB type.
// Anything unrecognized becomes VARCHAR, which keeps the mirror buildable
// and only costs shape-probe precision.
func duckdbType(pgType string) string {
	base := strings.ToLower(strings.TrimSpace(pgType))
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch {
	case base == "uuid":
		return "UUID"
	case base == "date":
		return "DATE"
	case strings.HasPrefix(base, "timestamp with"), base == "timestamptz":
		return "TIMESTAMP WITH TIME ZONE"
	case strings.HasPrefix(base, "timestamp"):
		return "TIMESTAMP"
	case strings.HasPrefix(base, "time"):
		return "TIME"
	case base == "smallint", base == "int2":
		return "SMALLINT"
	case base == "integer", base == "int", base == "int4":
		return "INTEGER"
	case base == "bigint", base == "int8":
		return "BIGINT"
	case strings.HasPrefix(base, "numeric"), strings.HasPrefix(base, "decimal"):
		return "DECIMAL(18,3)"
	case base == "real", base == "float4":
		return "FLOAT"
	case base == "double precision", base == "float8":
		return "DOUBLE"
	case base == "boolean", base == "bool":
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
