package rowsource

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"enrichd/internal/domain"
)

// RowUpdate sets Values on the row identified by Key. Key holds the values
// of the table's primary key columns (or the rowid) in key order.
type RowUpdate struct {
	Key    []any
	Values map[string]any
}

// EnsureColumns adds any of cols missing from the table as text columns.
func (c *Catalog) EnsureColumns(ctx context.Context, ref domain.TableRef, cols []string) error {
	s, err := c.resolve(ctx, ref)
	if err != nil {
		return err
	}
	for _, col := range cols {
		if col == "" || s.names[col] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`,
			QuoteIdentifier(ref.Table), QuoteIdentifier(col), s.db.dialect.textType())
		if _, err := s.db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %q: %w", col, err)
		}
		s.names[col] = true
	}
	return nil
}

// UpdateRows applies updates in one transaction. Every updated column must
// already exist.
func (c *Catalog) UpdateRows(ctx context.Context, ref domain.TableRef, updates []RowUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	s, err := c.resolve(ctx, ref)
	if err != nil {
		return err
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	keyConds := make([]string, len(s.keys))
	for i, k := range s.keys {
		keyConds[i] = QuoteIdentifier(k) + " = ?"
	}
	where := strings.Join(keyConds, " AND ")

	for _, u := range updates {
		if len(u.Key) != len(s.keys) {
			return domain.ErrValidation("row key has %d values, table %s has %d key columns", len(u.Key), ref, len(s.keys))
		}
		if len(u.Values) == 0 {
			continue
		}
		cols := make([]string, 0, len(u.Values))
		for col := range u.Values {
			if !s.names[col] {
				return domain.ErrValidation("unknown column %q", col)
			}
			cols = append(cols, col)
		}
		sort.Strings(cols)

		sets := make([]string, len(cols))
		args := make([]any, 0, len(cols)+len(u.Key))
		for i, col := range cols {
			sets[i] = QuoteIdentifier(col) + " = ?"
			args = append(args, u.Values[col])
		}
		args = append(args, u.Key...)

		stmt := `UPDATE ` + QuoteIdentifier(ref.Table) + ` SET ` + strings.Join(sets, ", ") + ` WHERE ` + where
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("update row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RowKey extracts the key values of row for the given key columns.
func RowKey(row domain.Row, keys []string) []any {
	vals := make([]any, len(keys))
	for i, k := range keys {
		vals[i] = row[k]
	}
	return vals
}
