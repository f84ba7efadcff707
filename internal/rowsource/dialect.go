package rowsource

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"enrichd/internal/domain"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite3"
	DriverDuckDB = "duckdb"
)

// column is one entry of a table's schema. pk is the 1-based position in the
// primary key, 0 when the column is not part of it.
type column struct {
	name    string
	typ     string
	notNull bool
	pk      int
}

// dialect captures the per-driver differences the catalog needs.
type dialect interface {
	tableInfo(ctx context.Context, db *sql.DB, table string) ([]column, error)
	// nullableKey reports whether the declared primary key can hold NULL.
	nullableKey(ctx context.Context, db *sql.DB, table string, cols []column) (bool, error)
	textType() string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return sqliteDialect{}, nil
	case DriverDuckDB:
		return duckdbDialect{}, nil
	}
	return nil, domain.ErrValidation("unsupported driver %q", driver)
}

type sqliteDialect struct{}

func (sqliteDialect) textType() string { return "TEXT" }

func (sqliteDialect) tableInfo(ctx context.Context, db *sql.DB, table string) ([]column, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var cols []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.name, &c.typ, &c.notNull, &c.pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// SQLite lets ordinary rowid tables store NULL in primary key columns not
// declared NOT NULL. A lone INTEGER PRIMARY KEY aliases the rowid and
// WITHOUT ROWID tables enforce NOT NULL, so neither can.
func (sqliteDialect) nullableKey(ctx context.Context, db *sql.DB, table string, cols []column) (bool, error) {
	var (
		keys     []column
		nullable bool
	)
	for _, c := range cols {
		if c.pk > 0 {
			keys = append(keys, c)
			nullable = nullable || !c.notNull
		}
	}
	if !nullable {
		return false, nil
	}
	if len(keys) == 1 && strings.EqualFold(keys[0].typ, "INTEGER") {
		return false, nil
	}
	var withoutRowid bool
	err := db.QueryRowContext(ctx,
		`SELECT wr FROM pragma_table_list WHERE schema = 'main' AND name = ?`, table).Scan(&withoutRowid)
	if err != nil {
		return false, fmt.Errorf("table list: %w", err)
	}
	return !withoutRowid, nil
}

type duckdbDialect struct{}

// DuckDB primary key columns are always NOT NULL.
func (duckdbDialect) nullableKey(context.Context, *sql.DB, string, []column) (bool, error) {
	return false, nil
}

func (duckdbDialect) textType() string { return "VARCHAR" }

// DuckDB reports primary key membership as a boolean, so key order follows
// column order. pragma_table_info fails for unknown tables, so existence is
// checked first.
func (duckdbDialect) tableInfo(ctx context.Context, db *sql.DB, table string) ([]column, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, table).Scan(&n); err != nil {
		return nil, fmt.Errorf("table lookup: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT name, type, pk FROM pragma_table_info(`+quoteLiteral(table)+`) ORDER BY cid`)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var (
		cols []column
		pos  int
	)
	for rows.Next() {
		var (
			c  column
			pk bool
		)
		if err := rows.Scan(&c.name, &c.typ, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		if pk {
			pos++
			c.pk = pos
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func primaryKeyColumns(cols []column) []string {
	var pks []column
	for _, c := range cols {
		if c.pk > 0 {
			pks = append(pks, c)
		}
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pk < pks[j].pk })
	names := make([]string, len(pks))
	for i, c := range pks {
		names[i] = c.name
	}
	return names
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
