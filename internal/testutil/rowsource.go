package testutil

import (
	"context"
	"strconv"
	"sync"

	"enrichd/internal/domain"
)

// FakeTable is an in-memory table served by FakeRowSource.
type FakeTable struct {
	Keys []string
	Rows []domain.Row
}

// FakeRowSource is an in-memory domain.RowSource with deterministic offset
// cursors. Filters are ignored. FetchErr, when set, is consulted before
// every fetch; a non-nil result fails that call.
type FakeRowSource struct {
	mu       sync.Mutex
	tables   map[domain.TableRef]*FakeTable
	fetches  int
	FetchErr func(call int) error
}

// NewFakeRowSource creates an empty FakeRowSource.
func NewFakeRowSource() *FakeRowSource {
	return &FakeRowSource{tables: make(map[domain.TableRef]*FakeTable)}
}

// AddTable registers a table with n rows keyed by an integer "id" column
// starting at 1.
func (f *FakeRowSource) AddTable(ref domain.TableRef, n int) {
	rows := make([]domain.Row, n)
	for i := range rows {
		rows[i] = domain.Row{"id": int64(i + 1), "name": "row-" + strconv.Itoa(i+1)}
	}
	f.SetTable(ref, &FakeTable{Keys: []string{"id"}, Rows: rows})
}

// SetTable registers or replaces a table.
func (f *FakeRowSource) SetTable(ref domain.TableRef, t *FakeTable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[ref] = t
}

// AppendRows adds rows to an existing table.
func (f *FakeRowSource) AppendRows(ref domain.TableRef, rows ...domain.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[ref]
	t.Rows = append(t.Rows, rows...)
}

// Fetches returns the number of FetchPage calls so far.
func (f *FakeRowSource) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *FakeRowSource) table(ref domain.TableRef) (*FakeTable, error) {
	t, ok := f.tables[ref]
	if !ok {
		return nil, domain.ErrNotFound("table %s not found", ref)
	}
	return t, nil
}

// Count implements domain.RowSource.
func (f *FakeRowSource) Count(_ context.Context, ref domain.TableRef, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(ref)
	if err != nil {
		return 0, &domain.RowSourceError{Op: "count", Err: err}
	}
	return int64(len(t.Rows)), nil
}

// FetchPage implements domain.RowSource.
func (f *FakeRowSource) FetchPage(_ context.Context, ref domain.TableRef, _ string, cursor *string, pageSize int) (domain.Page, error) {
	f.mu.Lock()
	f.fetches++
	call := f.fetches
	hook := f.FetchErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(call); err != nil {
			return domain.Page{}, &domain.RowSourceError{Op: "fetch", Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(ref)
	if err != nil {
		return domain.Page{}, &domain.RowSourceError{Op: "fetch", Err: err}
	}
	start := 0
	if cursor != nil {
		if start, err = strconv.Atoi(*cursor); err != nil {
			return domain.Page{}, &domain.RowSourceError{Op: "fetch", Err: err}
		}
	}
	if start > len(t.Rows) {
		start = len(t.Rows)
	}
	end := min(start+pageSize, len(t.Rows))

	page := domain.Page{Rows: append([]domain.Row(nil), t.Rows[start:end]...)}
	if end < len(t.Rows) {
		next := strconv.Itoa(end)
		page.NextCursor = &next
	}
	return page, nil
}

// PrimaryKeys implements domain.RowSource.
func (f *FakeRowSource) PrimaryKeys(_ context.Context, ref domain.TableRef) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(ref)
	if err != nil {
		return nil, err
	}
	return append([]string{}, t.Keys...), nil
}

var _ domain.RowSource = (*FakeRowSource)(nil)
