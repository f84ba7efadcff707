package starlarkproc

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichd/internal/domain"
	"enrichd/internal/rowsource"
)

var items = domain.TableRef{Database: "content", Table: "items"}

type recordingWriter struct {
	mu      sync.Mutex
	columns []string
	updates []rowsource.RowUpdate
	err     error
}

func (w *recordingWriter) EnsureColumns(_ context.Context, _ domain.TableRef, cols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.columns = append(w.columns, cols...)
	return nil
}

func (w *recordingWriter) UpdateRows(_ context.Context, _ domain.TableRef, updates []rowsource.RowUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.updates = append(w.updates, updates...)
	return nil
}

type costLedger struct {
	mu    sync.Mutex
	total map[int64]int64
}

func (c *costLedger) IncrementCost(_ context.Context, jobID int64, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == nil {
		c.total = map[int64]int64{}
	}
	c.total[jobID] += amount
	return nil
}

func batchOf(ids ...int64) domain.Batch {
	rows := make([]domain.Row, len(ids))
	for i, id := range ids {
		rows[i] = domain.Row{"id": id, "name": fmt.Sprintf("item-%02d", id)}
	}
	return domain.Batch{JobID: 1, Table: items, Rows: rows, PrimaryKeys: []string{"id"}}
}

func TestNew_Globals(t *testing.T) {
	t.Parallel()
	src := `
name = "Uppercase"
description = "Uppercases the name column"
batch_size = 25
cost_per_row = 3

def enrich(row, config):
    return {"upper": row["name"].upper()}
`
	p, err := New("upper", src, &recordingWriter{})
	require.NoError(t, err)
	assert.Equal(t, "upper", p.Slug())
	assert.Equal(t, "Uppercase", p.Name())
	assert.Equal(t, "Uppercases the name column", p.Description())
	assert.Equal(t, 25, p.BatchSize())
	assert.Equal(t, int64(3), p.costPerRow)
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"missing enrich", "x = 1\n", "must define enrich"},
		{"enrich not callable", "enrich = 1\n", "must define enrich"},
		{"syntax error", "def enrich(row, config)\n    return None\n", "load script"},
		{"bad batch size", "batch_size = 0\ndef enrich(row, config):\n    return None\n", "batch_size"},
		{"bad cost", "cost_per_row = \"free\"\ndef enrich(row, config):\n    return None\n", "cost_per_row"},
		{"bad name", "name = 3\ndef enrich(row, config):\n    return None\n", "name must be a string"},
		{"too large", "#" + strings.Repeat("x", maxScriptBytes+1), "exceeds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("broken", tc.src, &recordingWriter{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestProcess_WritesUpdates(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	p, err := New("upper", `
def enrich(row, config):
    if row["id"] == 2:
        return None
    return {"upper": row["name"].upper(), "tags": [config["tag"], row["id"]]}
`, w)
	require.NoError(t, err)

	batch := batchOf(1, 2, 3)
	batch.Config = map[string]any{"tag": "t"}
	outcome, err := p.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, domain.Outcome{}, outcome)

	assert.Equal(t, []string{"tags", "upper"}, w.columns)
	require.Len(t, w.updates, 2)
	assert.Equal(t, []any{int64(1)}, w.updates[0].Key)
	assert.Equal(t, map[string]any{"upper": "ITEM-01", "tags": `["t",1]`}, w.updates[0].Values)
	assert.Equal(t, []any{int64(3)}, w.updates[1].Key)
}

func TestProcess_RowFailures(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	p, err := New("picky", `
def enrich(row, config):
    if row["id"] % 2 == 0:
        fail("even row %d" % row["id"])
    if row["id"] == 5:
        return "not a dict"
    return {"ok": True}
`, w)
	require.NoError(t, err)

	outcome, err := p.Process(context.Background(), batchOf(1, 2, 3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, outcome.Kind)
	require.Len(t, outcome.Failures, 3)
	assert.Equal(t, []int{1}, outcome.Failures[0].Rows)
	assert.Contains(t, outcome.Failures[0].Message, "even row 2")
	assert.Equal(t, []int{3}, outcome.Failures[1].Rows)
	assert.Equal(t, []int{4}, outcome.Failures[2].Rows)
	assert.Contains(t, outcome.Failures[2].Message, "dict or None")
	assert.Equal(t, 3, outcome.FailedRows(5))
	assert.Len(t, w.updates, 2)
}

func TestProcess_ControlBuiltins(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		call       string
		wantKind   domain.OutcomeKind
		wantReason string
	}{
		{"cancel", `cancel_job("quota exhausted")`, domain.OutcomeCancel, "quota exhausted"},
		{"pause", `pause_job(reason="rate limited")`, domain.OutcomePause, "rate limited"},
		{"no reason", `pause_job()`, domain.OutcomePause, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := &recordingWriter{}
			src := fmt.Sprintf(`
def enrich(row, config):
    if row["id"] >= 2:
        %s
        pause_job("ignored")
    return {"seen": True}
`, tc.call)
			p, err := New("ctl", src, w)
			require.NoError(t, err)

			outcome, err := p.Process(context.Background(), batchOf(1, 2, 3))
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, outcome.Kind)
			assert.Equal(t, tc.wantReason, outcome.Reason)
			assert.Len(t, w.updates, 3)
		})
	}
}

func TestProcess_ControlOutsideEnrich(t *testing.T) {
	t.Parallel()
	p, err := New("ctl", `
def initialize(config):
    cancel_job("too early")

def enrich(row, config):
    return None
`, &recordingWriter{})
	require.NoError(t, err)

	err = p.Initialize(context.Background(), items, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only callable from enrich")
}

func TestProcess_Cost(t *testing.T) {
	t.Parallel()
	p, err := New("metered", `
cost_per_row = 5

def enrich(row, config):
    if row["id"] == 2:
        fail("boom")
    return None
`, &recordingWriter{})
	require.NoError(t, err)

	ledger := &costLedger{}
	batch := batchOf(1, 2, 3)
	batch.JobID = 42
	batch.Cost = ledger
	_, err = p.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ledger.total[42])
}

func TestProcess_WriteErrorFailsBatch(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{err: fmt.Errorf("database is locked")}
	p, err := New("upper", `
def enrich(row, config):
    return {"upper": row["name"].upper()}
`, w)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), batchOf(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestProcess_Timeout(t *testing.T) {
	t.Parallel()
	p, err := New("spin", `
def enrich(row, config):
    total = 0
    for i in range(0, 1000000000):
        total += i
    return {"total": total}
`, &recordingWriter{})
	require.NoError(t, err)
	p.maxSteps = 1_000_000_000
	p.evalTimeout = 5 * time.Millisecond

	outcome, err := p.Process(context.Background(), batchOf(1))
	require.NoError(t, err)
	require.Len(t, outcome.Failures, 1)
	assert.Contains(t, outcome.Failures[0].Message, "timed out")
}

func TestProcess_StepLimit(t *testing.T) {
	t.Parallel()
	p, err := New("spin", `
def enrich(row, config):
    total = 0
    for i in range(0, 1000000000):
        total += i
    return None
`, &recordingWriter{})
	require.NoError(t, err)
	p.maxSteps = 1000

	outcome, err := p.Process(context.Background(), batchOf(1))
	require.NoError(t, err)
	require.Len(t, outcome.Failures, 1)
	assert.Contains(t, outcome.Failures[0].Message, "too many steps")
}

func TestProcess_ContextCancelled(t *testing.T) {
	t.Parallel()
	p, err := New("noop", "def enrich(row, config):\n    return None\n", &recordingWriter{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Process(ctx, batchOf(1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestHooks(t *testing.T) {
	t.Parallel()
	p, err := New("hooks", `
def initialize(config):
    if not config.get("api_key"):
        fail("api_key is required")

def finalize(config):
    pass

def enrich(row, config):
    return None
`, &recordingWriter{})
	require.NoError(t, err)

	err = p.Initialize(context.Background(), items, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key is required")
	require.NoError(t, p.Initialize(context.Background(), items, map[string]any{"api_key": "k"}))
	require.NoError(t, p.Finalize(context.Background(), items, nil))
}

func TestProcess_WritesThroughCatalog(t *testing.T) {
	t.Parallel()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err = db.Exec(`INSERT INTO items (id, name) VALUES (?, ?)`, i, fmt.Sprintf("item-%02d", i))
		require.NoError(t, err)
	}

	cat := rowsource.NewCatalog()
	require.NoError(t, cat.Attach("content", rowsource.DriverSQLite, db))

	p, err := New("upper", `
def enrich(row, config):
    return {"upper": row["name"].upper(), "length": len(row["name"])}
`, cat)
	require.NoError(t, err)

	ctx := context.Background()
	page, err := cat.FetchPage(ctx, items, "", nil, 10)
	require.NoError(t, err)
	outcome, err := p.Process(ctx, domain.Batch{JobID: 1, Table: items, Rows: page.Rows, PrimaryKeys: []string{"id"}})
	require.NoError(t, err)
	assert.Empty(t, outcome.Failures)

	var upper string
	var length int
	require.NoError(t, db.QueryRow(`SELECT upper, length FROM items WHERE id = 3`).Scan(&upper, &length))
	assert.Equal(t, "ITEM-03", upper)
	assert.Equal(t, 7, length)
}
