package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/schema"
)

// Tables the model must never see: engine bookkeeping, not lab data.
var hiddenTables = map[string]bool{
	"healthup_schema_migrations": true,
	"audit_event":                true,
	"audit_file":                 true,
	"audit_retention_run":        true,
}

// Introspector builds the schema manifest from the live database using
// information_schema plus pg_catalog for the comments the migrations attach
// to tables and columns.
type Introspector struct {
	db         *sql.DB
	schemaName string
}

func NewIntrospector(db *sql.DB) *Introspector {
	return &Introspector{db: db, schemaName: "public"}
}

var _ schema.Provider = (*Introspector)(nil)

func (i *Introspector) Manifest(ctx context.Context) (schema.Manifest, error) {
	tables, err := i.loadTables(ctx)
	if err != nil {
		return schema.Manifest{}, err
	}
	if err := i.loadColumns(ctx, tables); err != nil {
		return schema.Manifest{}, err
	}
	relationships, err := i.loadForeignKeys(ctx)
	if err != nil {
		return schema.Manifest{}, err
	}

	manifest := schema.Manifest{
		Relationships: relationships,
		CapturedAt:    time.Now().UTC(),
	}
	for _, table := range tables.order {
		manifest.Tables = append(manifest.Tables, *tables.byName[table])
	}
	return manifest, nil
}

type tableSet struct {
	order  []string
	byName map[string]*schema.Table
}

func (i *Introspector) loadTables(ctx context.Context) (tableSet, error) {
	rows, err := i.db.QueryContext(ctx, `
SELECT c.relname, COALESCE(obj_description(c.oid, 'pg_class'), '')
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relkind = 'r'
ORDER BY c.relname ASC`, i.schemaName)
	if err != nil {
		return tableSet{}, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	set := tableSet{byName: map[string]*schema.Table{}}
	for rows.Next() {
		var name, description string
		if err := rows.Scan(&name, &description); err != nil {
			return tableSet{}, fmt.Errorf("scan table row: %w", err)
		}
		if hiddenTables[name] {
			continue
		}
		set.order = append(set.order, name)
		set.byName[name] = &schema.Table{Name: name, Description: description}
	}
	if err := rows.Err(); err != nil {
		return tableSet{}, fmt.Errorf("iterate table rows: %w", err)
	}
	return set, nil
}

func (i *Introspector) loadColumns(ctx context.Context, tables tableSet) error {
	rows, err := i.db.QueryContext(ctx, `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable,
       COALESCE(col_description(pc.oid, c.ordinal_position::int), '')
FROM information_schema.columns c
JOIN pg_catalog.pg_class pc ON pc.relname = c.table_name
JOIN pg_catalog.pg_namespace pn ON pn.oid = pc.relnamespace AND pn.nspname = c.table_schema
WHERE c.table_schema = $1
ORDER BY c.table_name ASC, c.ordinal_position ASC`, i.schemaName)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tableName, columnName, dataType, nullable, description string
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable, &description); err != nil {
			return fmt.Errorf("scan column row: %w", err)
		}
		table, ok := tables.byName[tableName]
		if !ok {
			continue
		}
		table.Columns = append(table.Columns, schema.Column{
			Name:        columnName,
			DataType:    dataType,
			Nullable:    nullable == "YES",
			Description: description,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate column rows: %w", err)
	}
	return nil
}

func (i *Introspector) loadForeignKeys(ctx context.Context) ([]schema.Relationship, error) {
	rows, err := i.db.QueryContext(ctx, `
SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'
ORDER BY tc.table_name ASC, kcu.column_name ASC`, i.schemaName)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	relationships := make([]schema.Relationship, 0)
	for rows.Next() {
		var rel schema.Relationship
		if err := rows.Scan(&rel.FromTable, &rel.FromColumn, &rel.ToTable, &rel.ToColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key row: %w", err)
		}
		if hiddenTables[rel.FromTable] || hiddenTables[rel.ToTable] {
			continue
		}
		relationships = append(relationships, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign key rows: %w", err)
	}
	return relationships, nil
}
