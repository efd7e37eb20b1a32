package rowimport

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignite/parquet-sync/internal/synerrors"
)

// mergeRows issues one conditional upsert per row group: insert on
// primary-key conflict, replacing every non-key column only when the
// incoming updated_at is strictly greater than the row already stored.
// Older edits never win, regardless of commit order — the sole ordering
// guarantee across concurrent ingestion of overlapping windows.
func mergeRows(ctx context.Context, db *sql.DB, qualifiedTable string, ts *TableSchema, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}

	cols := ts.Columns
	colSet := make(map[string]int, len(cols))
	for i, c := range cols {
		colSet[c] = i
	}

	// Decode JSON columns before binding; the first failure aborts the
	// whole row group.
	for _, row := range rows {
		for col := range ts.JSONColumns {
			v, ok := row[col]
			if !ok || v == nil {
				continue
			}
			if err := decodeJSONColumn(row, col); err != nil {
				return &synerrors.DecodeFailedError{Column: col, Err: err}
			}
		}
	}

	placeholders := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*len(cols))
	argN := 1
	for _, row := range rows {
		ph := make([]string, len(cols))
		for i, c := range cols {
			ph[i] = fmt.Sprintf("$%d", argN)
			argN++
			args = append(args, bindValue(row[c]))
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
	}

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
	}
	quotedPK := make([]string, len(ts.PrimaryKey))
	for i, c := range ts.PrimaryKey {
		quotedPK[i] = quoteIdent(c)
	}

	nonKeyCols := nonKeyColumns(cols, ts.PrimaryKey)
	setClauses := make([]string, len(nonKeyCols))
	for i, c := range nonKeyCols {
		q := quoteIdent(c)
		setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES %s
		ON CONFLICT (%s) DO UPDATE SET %s
		WHERE %s.%s < EXCLUDED.%s
	`,
		qualifiedTable,
		strings.Join(quotedCols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quotedPK, ", "),
		strings.Join(setClauses, ", "),
		qualifiedTable, quoteIdent(ts.UpdatedAtCol), quoteIdent(ts.UpdatedAtCol),
	)

	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("rowimport: merging %d rows into %s: %w", len(rows), qualifiedTable, err)
	}
	return nil
}

func decodeJSONColumn(row map[string]any, col string) error {
	raw := row[col]
	var text string
	switch v := raw.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return fmt.Errorf("column %q is not textual JSON (got %T)", col, raw)
	}

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return fmt.Errorf("column %q: %w", col, err)
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("column %q: re-encoding: %w", col, err)
	}
	row[col] = string(encoded)
	return nil
}

func bindValue(v any) any {
	if v == nil {
		return nil
	}
	return v
}

func nonKeyColumns(cols, pk []string) []string {
	pkSet := make(map[string]bool, len(pk))
	for _, c := range pk {
		pkSet[c] = true
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !pkSet[c] {
			out = append(out, c)
		}
	}
	return out
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// dedupeByPrimaryKey keeps only the last row per primary-key tuple within a
// single row group, matching the configured-tables deduping rule.
func dedupeByPrimaryKey(rows []map[string]any, pk []string) []map[string]any {
	seen := make(map[string]int, len(rows))
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		key := pkKey(row, pk)
		if idx, ok := seen[key]; ok {
			out[idx] = row
			continue
		}
		seen[key] = len(out)
		out = append(out, row)
	}
	return out
}

func pkKey(row map[string]any, pk []string) string {
	parts := make([]string, len(pk))
	for i, c := range pk {
		parts[i] = fmt.Sprintf("%v", row[c])
	}
	return strings.Join(parts, "\x00")
}
