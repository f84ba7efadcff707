package domain

import "context"

// Row is one table row keyed by column name.
type Row map[string]any

// Page is one batch of rows from a RowSource. NextCursor is nil once the
// source is exhausted.
type Page struct {
	Rows       []Row
	Columns    []string
	NextCursor *string
}

// RowSource provides paginated, filtered read access to tables.
// Implemented by rowsource.Catalog.
//
// FetchPage must order rows deterministically for a given filter so that no
// row is skipped or duplicated across calls while the data is not mutated.
type RowSource interface {
	Count(ctx context.Context, table TableRef, filter string) (int64, error)
	FetchPage(ctx context.Context, table TableRef, filter string, cursor *string, pageSize int) (Page, error)
	PrimaryKeys(ctx context.Context, table TableRef) ([]string, error)
}

// RowIDColumn is the synthetic row-identity column used for tables without
// a declared primary key.
const RowIDColumn = "rowid"

// CostRecorder lets metered processors attribute cost to a job.
type CostRecorder interface {
	IncrementCost(ctx context.Context, jobID int64, amount int64) error
}

// Batch is the unit of work handed to a BatchProcessor.
type Batch struct {
	JobID       int64
	Table       TableRef
	Rows        []Row
	PrimaryKeys []string // never empty; RowIDColumn when the table has no key
	Config      map[string]any
	Cost        CostRecorder
}

// BatchProcessor is the capability set every enrichment kind implements.
//
// Initialize is called once per runner launch before the first batch and must
// be idempotent. Process is called once per batch; a returned error is treated
// as a failure of the whole batch. Finalize is called once after the last
// batch on normal completion.
type BatchProcessor interface {
	Initialize(ctx context.Context, table TableRef, config map[string]any) error
	Process(ctx context.Context, batch Batch) (Outcome, error)
	Finalize(ctx context.Context, table TableRef, config map[string]any) error
}

// BatchSizer is implemented by processors that want a specific page size.
type BatchSizer interface {
	BatchSize() int
}

// Describer is implemented by processors that expose a display name.
type Describer interface {
	Name() string
	Description() string
}
