// Package rowsource provides keyset-paginated, filtered reads over tables in
// named SQLite and DuckDB databases.
package rowsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"enrichd/internal/domain"
)

var _ domain.RowSource = (*Catalog)(nil)

type database struct {
	name    string
	driver  string
	db      *sql.DB
	dialect dialect
	owned   bool
}

// Catalog resolves TableRefs against a set of named databases and serves
// pages of their rows. Safe for concurrent use.
type Catalog struct {
	mu  sync.RWMutex
	dbs map[string]*database
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{dbs: make(map[string]*database)}
}

// Open opens the database file at path with the given driver and registers
// it under name. The driver must already be registered with database/sql.
func (c *Catalog) Open(name, driver, path string) error {
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return fmt.Errorf("open %s database %q: %w", driver, name, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s database %q: %w", driver, name, err)
	}
	if err := c.register(&database{name: name, driver: driver, db: db, dialect: d, owned: true}); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

// Attach registers an already open pool under name. The catalog does not
// close attached pools.
func (c *Catalog) Attach(name, driver string, db *sql.DB) error {
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	return c.register(&database{name: name, driver: driver, db: db, dialect: d})
}

func (c *Catalog) register(d *database) error {
	if d.name == "" {
		return domain.ErrValidation("database name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dbs[d.name]; ok {
		return domain.ErrConflict("database %q already registered", d.name)
	}
	c.dbs[d.name] = d
	return nil
}

// Databases returns the registered database names in sorted order.
func (c *Catalog) Databases() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.dbs))
	for name := range c.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every database opened by the catalog.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, d := range c.dbs {
		if d.owned {
			errs = append(errs, d.db.Close())
		}
		delete(c.dbs, name)
	}
	return errors.Join(errs...)
}

func (c *Catalog) lookup(name string) (*database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dbs[name]
	if !ok {
		return nil, domain.ErrNotFound("database %q not found", name)
	}
	return d, nil
}

// tableSchema is the resolved schema of one table.
type tableSchema struct {
	db      *database
	columns []column
	names   map[string]bool
	keys    []string // primary key, or RowIDColumn
	rowid   bool
}

func (c *Catalog) resolve(ctx context.Context, ref domain.TableRef) (*tableSchema, error) {
	if err := validateTableName(ref.Table); err != nil {
		return nil, err
	}
	d, err := c.lookup(ref.Database)
	if err != nil {
		return nil, err
	}
	cols, err := d.dialect.tableInfo(ctx, d.db, ref.Table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, domain.ErrNotFound("table %s not found", ref)
	}
	s := &tableSchema{db: d, columns: cols, names: make(map[string]bool, len(cols))}
	for _, col := range cols {
		s.names[col.name] = true
	}
	s.keys = primaryKeyColumns(cols)
	if len(s.keys) > 0 {
		// A key that admits NULL cannot drive a keyset cursor: NULL never
		// compares greater than anything, so such tables page by rowid.
		nullable, err := d.dialect.nullableKey(ctx, d.db, ref.Table, cols)
		if err != nil {
			return nil, err
		}
		if nullable {
			s.keys = nil
		}
	}
	if len(s.keys) == 0 {
		s.keys = []string{domain.RowIDColumn}
		s.rowid = true
	}
	return s, nil
}

// Columns returns the table's column names in declaration order.
func (c *Catalog) Columns(ctx context.Context, ref domain.TableRef) ([]string, error) {
	s, err := c.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(s.columns))
	for i, col := range s.columns {
		names[i] = col.name
	}
	return names, nil
}

// PrimaryKeys returns the declared primary key columns in key order, or an
// empty slice for tables paged by rowid (no key, or a key that admits NULL).
func (c *Catalog) PrimaryKeys(ctx context.Context, ref domain.TableRef) ([]string, error) {
	s, err := c.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if s.rowid {
		return []string{}, nil
	}
	return s.keys, nil
}

// Count returns the number of rows matching filter.
func (c *Catalog) Count(ctx context.Context, ref domain.TableRef, filter string) (int64, error) {
	s, err := c.resolve(ctx, ref)
	if err != nil {
		return 0, &domain.RowSourceError{Op: "count", Err: err}
	}
	where, args, err := s.where(filter)
	if err != nil {
		return 0, &domain.RowSourceError{Op: "count", Err: err}
	}
	stmt := `SELECT COUNT(*) FROM ` + QuoteIdentifier(ref.Table)
	if where != "" {
		stmt += ` WHERE ` + where
	}
	var n int64
	if err := s.db.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, &domain.RowSourceError{Op: "count", Err: err}
	}
	return n, nil
}

// FetchPage returns up to pageSize rows matching filter that sort after
// cursor in key order. One extra row is read to decide whether a further
// page exists; NextCursor is nil when it does not.
func (c *Catalog) FetchPage(ctx context.Context, ref domain.TableRef, filter string, cursor *string, pageSize int) (domain.Page, error) {
	page, err := c.fetchPage(ctx, ref, filter, cursor, pageSize)
	if err != nil {
		return domain.Page{}, &domain.RowSourceError{Op: "fetch", Err: err}
	}
	return page, nil
}

func (c *Catalog) fetchPage(ctx context.Context, ref domain.TableRef, filter string, cursor *string, pageSize int) (domain.Page, error) {
	if pageSize <= 0 {
		return domain.Page{}, domain.ErrValidation("page size must be positive")
	}
	s, err := c.resolve(ctx, ref)
	if err != nil {
		return domain.Page{}, err
	}
	where, args, err := s.where(filter)
	if err != nil {
		return domain.Page{}, err
	}

	var conds []string
	if where != "" {
		conds = append(conds, "("+where+")")
	}
	if cursor != nil && *cursor != "" {
		after, err := DecodeCursor(*cursor, len(s.keys))
		if err != nil {
			return domain.Page{}, err
		}
		expr, keyArgs := keysetAfter(s.keys, after)
		conds = append(conds, expr)
		args = append(args, keyArgs...)
	}

	selectList := "*"
	if s.rowid {
		selectList = "rowid AS " + QuoteIdentifier(domain.RowIDColumn) + ", *"
	}
	orderBy := make([]string, len(s.keys))
	for i, k := range s.keys {
		orderBy[i] = QuoteIdentifier(k)
	}
	stmt := `SELECT ` + selectList + ` FROM ` + QuoteIdentifier(ref.Table)
	if len(conds) > 0 {
		stmt += ` WHERE ` + strings.Join(conds, " AND ")
	}
	stmt += ` ORDER BY ` + strings.Join(orderBy, ", ") + ` LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := s.db.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return domain.Page{}, fmt.Errorf("query page: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return domain.Page{}, fmt.Errorf("columns: %w", err)
	}
	isKey := make(map[string]bool, len(s.keys))
	for _, k := range s.keys {
		isKey[k] = true
	}
	page := domain.Page{Columns: cols, Rows: []domain.Row{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return domain.Page{}, fmt.Errorf("scan row: %w", err)
		}
		// Key values keep their scanned type so cursors and write-back bind
		// them exactly as stored.
		row := make(domain.Row, len(cols))
		for i, name := range cols {
			if isKey[name] {
				row[name] = values[i]
				continue
			}
			row[name] = normalizeValue(values[i])
		}
		page.Rows = append(page.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return domain.Page{}, err
	}

	if len(page.Rows) > pageSize {
		page.Rows = page.Rows[:pageSize]
		next, err := EncodeCursor(RowKey(page.Rows[pageSize-1], s.keys))
		if err != nil {
			return domain.Page{}, err
		}
		page.NextCursor = &next
	}
	return page, nil
}

func (s *tableSchema) where(filter string) (string, []any, error) {
	conds, err := ParseFilter(filter)
	if err != nil {
		return "", nil, err
	}
	return compileFilter(conds, s.names)
}

// keysetAfter expands (k1, k2, ...) > (v1, v2, ...) into a disjunction that
// every dialect understands.
func keysetAfter(keys []string, after []any) (string, []any) {
	var (
		ors  []string
		args []any
	)
	for i := range keys {
		var ands []string
		for j := 0; j < i; j++ {
			ands = append(ands, QuoteIdentifier(keys[j])+" = ?")
			args = append(args, after[j])
		}
		ands = append(ands, QuoteIdentifier(keys[i])+" > ?")
		args = append(args, after[i])
		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}
	return "(" + strings.Join(ors, " OR ") + ")", args
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
