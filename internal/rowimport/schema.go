package rowimport

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TableSchema is the reflected shape of one target table (column names and
// primary key; column types are not reflected), built once when the
// table's synchronizer starts and shared read-only by pointer with that
// table's importer.
type TableSchema struct {
	Table         string
	Columns       []string // all columns, in information_schema order
	PrimaryKey    []string
	UpdatedAtCol  string
	JSONColumns   map[string]bool
	DedupeByPK    bool
}

// LoadTableSchema reflects a table's columns and primary key from Postgres.
func LoadTableSchema(ctx context.Context, db *sql.DB, schema, table string, jsonColumns []string, dedupe bool) (*TableSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("rowimport: reflecting columns for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("rowimport: scanning column name: %w", err)
		}
		columns = append(columns, name)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("rowimport: table %s.%s has no reflected columns (does it exist?)", schema, table)
	}

	pk, err := loadPrimaryKey(ctx, db, schema, table)
	if err != nil {
		return nil, err
	}

	jsonSet := make(map[string]bool, len(jsonColumns))
	for _, c := range jsonColumns {
		jsonSet[c] = true
	}

	updatedAt := "updated_at"
	if !containsString(columns, updatedAt) {
		return nil, fmt.Errorf("rowimport: table %s.%s has no %q column required by the merge rule", schema, table, updatedAt)
	}

	return &TableSchema{
		Table:        table,
		Columns:      columns,
		PrimaryKey:   pk,
		UpdatedAtCol: updatedAt,
		JSONColumns:  jsonSet,
		DedupeByPK:   dedupe,
	}, nil
}

func loadPrimaryKey(ctx context.Context, db *sql.DB, schema, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = ($1 || '.' || $2)::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)
	`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("rowimport: reflecting primary key for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("rowimport: scanning primary key column: %w", err)
		}
		pk = append(pk, col)
	}
	if len(pk) == 0 {
		return nil, fmt.Errorf("rowimport: table %s.%s has no primary key", schema, table)
	}
	return pk, nil
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}
