// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"sync"

	"enrichd/internal/domain"
)

// === Job Repository Mock ===

// MockJobRepo implements domain.JobRepository for testing.
type MockJobRepo struct {
	CreateFn         func(ctx context.Context, job *domain.Job) (*domain.Job, error)
	GetByIDFn        func(ctx context.Context, id int64) (*domain.Job, error)
	GetByRequestIDFn func(ctx context.Context, actorID *string, requestID string) (*domain.Job, error)
	ListFn           func(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int64, error)
	ListByStatusFn   func(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error)
	ListRunningFn    func(ctx context.Context) ([]domain.Job, error)
	HasActiveFn      func(ctx context.Context, table domain.TableRef, enrichment string) (bool, error)
	SetStatusFn      func(ctx context.Context, id int64, to domain.JobStatus, allowedFrom []domain.JobStatus, reason *string) (*domain.Job, error)
	AdvanceCursorFn  func(ctx context.Context, id int64, cursor string, rowsDone int64) error
	CompleteFn       func(ctx context.Context, id int64, rowsDone int64) error
	CommitBatchFn    func(ctx context.Context, commit domain.BatchCommit) (*domain.Job, error)
	RecordSuccessFn  func(ctx context.Context, id int64, count int64) error
	RecordErrorFn    func(ctx context.Context, id int64, rowIDs []any, message string) error
	IncrementCostFn  func(ctx context.Context, id int64, amount int64) error
	ListProgressFn   func(ctx context.Context, id int64) ([]domain.ProgressEvent, error)
	ListErrorsFn     func(ctx context.Context, id int64, page domain.PageRequest) ([]domain.ErrorRecord, int64, error)
}

// Create implements the interface method for testing.
func (m *MockJobRepo) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, job)
	}
	panic("unexpected call to MockJobRepo.Create")
}

// GetByID implements the interface method for testing.
func (m *MockJobRepo) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	panic("unexpected call to MockJobRepo.GetByID")
}

// GetByRequestID implements the interface method for testing.
func (m *MockJobRepo) GetByRequestID(ctx context.Context, actorID *string, requestID string) (*domain.Job, error) {
	if m.GetByRequestIDFn != nil {
		return m.GetByRequestIDFn(ctx, actorID, requestID)
	}
	panic("unexpected call to MockJobRepo.GetByRequestID")
}

// List implements the interface method for testing.
func (m *MockJobRepo) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int64, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, filter)
	}
	panic("unexpected call to MockJobRepo.List")
}

// ListByStatus implements the interface method for testing.
func (m *MockJobRepo) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	if m.ListByStatusFn != nil {
		return m.ListByStatusFn(ctx, statuses...)
	}
	panic("unexpected call to MockJobRepo.ListByStatus")
}

// ListRunning implements the interface method for testing.
func (m *MockJobRepo) ListRunning(ctx context.Context) ([]domain.Job, error) {
	if m.ListRunningFn != nil {
		return m.ListRunningFn(ctx)
	}
	panic("unexpected call to MockJobRepo.ListRunning")
}

// HasActive implements the interface method for testing.
func (m *MockJobRepo) HasActive(ctx context.Context, table domain.TableRef, enrichment string) (bool, error) {
	if m.HasActiveFn != nil {
		return m.HasActiveFn(ctx, table, enrichment)
	}
	panic("unexpected call to MockJobRepo.HasActive")
}

// SetStatus implements the interface method for testing.
func (m *MockJobRepo) SetStatus(ctx context.Context, id int64, to domain.JobStatus, allowedFrom []domain.JobStatus, reason *string) (*domain.Job, error) {
	if m.SetStatusFn != nil {
		return m.SetStatusFn(ctx, id, to, allowedFrom, reason)
	}
	panic("unexpected call to MockJobRepo.SetStatus")
}

// AdvanceCursor implements the interface method for testing.
func (m *MockJobRepo) AdvanceCursor(ctx context.Context, id int64, cursor string, rowsDone int64) error {
	if m.AdvanceCursorFn != nil {
		return m.AdvanceCursorFn(ctx, id, cursor, rowsDone)
	}
	panic("unexpected call to MockJobRepo.AdvanceCursor")
}

// Complete implements the interface method for testing.
func (m *MockJobRepo) Complete(ctx context.Context, id int64, rowsDone int64) error {
	if m.CompleteFn != nil {
		return m.CompleteFn(ctx, id, rowsDone)
	}
	panic("unexpected call to MockJobRepo.Complete")
}

// CommitBatch implements the interface method for testing.
func (m *MockJobRepo) CommitBatch(ctx context.Context, commit domain.BatchCommit) (*domain.Job, error) {
	if m.CommitBatchFn != nil {
		return m.CommitBatchFn(ctx, commit)
	}
	panic("unexpected call to MockJobRepo.CommitBatch")
}

// RecordSuccess implements the interface method for testing.
func (m *MockJobRepo) RecordSuccess(ctx context.Context, id int64, count int64) error {
	if m.RecordSuccessFn != nil {
		return m.RecordSuccessFn(ctx, id, count)
	}
	panic("unexpected call to MockJobRepo.RecordSuccess")
}

// RecordError implements the interface method for testing.
func (m *MockJobRepo) RecordError(ctx context.Context, id int64, rowIDs []any, message string) error {
	if m.RecordErrorFn != nil {
		return m.RecordErrorFn(ctx, id, rowIDs, message)
	}
	panic("unexpected call to MockJobRepo.RecordError")
}

// IncrementCost implements the interface method for testing.
func (m *MockJobRepo) IncrementCost(ctx context.Context, id int64, amount int64) error {
	if m.IncrementCostFn != nil {
		return m.IncrementCostFn(ctx, id, amount)
	}
	panic("unexpected call to MockJobRepo.IncrementCost")
}

// ListProgress implements the interface method for testing.
func (m *MockJobRepo) ListProgress(ctx context.Context, id int64) ([]domain.ProgressEvent, error) {
	if m.ListProgressFn != nil {
		return m.ListProgressFn(ctx, id)
	}
	panic("unexpected call to MockJobRepo.ListProgress")
}

// ListErrors implements the interface method for testing.
func (m *MockJobRepo) ListErrors(ctx context.Context, id int64, page domain.PageRequest) ([]domain.ErrorRecord, int64, error) {
	if m.ListErrorsFn != nil {
		return m.ListErrorsFn(ctx, id, page)
	}
	panic("unexpected call to MockJobRepo.ListErrors")
}

var _ domain.JobRepository = (*MockJobRepo)(nil)

// === Row Source Mock ===

// MockRowSource implements domain.RowSource for testing.
type MockRowSource struct {
	CountFn       func(ctx context.Context, table domain.TableRef, filter string) (int64, error)
	FetchPageFn   func(ctx context.Context, table domain.TableRef, filter string, cursor *string, pageSize int) (domain.Page, error)
	PrimaryKeysFn func(ctx context.Context, table domain.TableRef) ([]string, error)
}

// Count implements the interface method for testing.
func (m *MockRowSource) Count(ctx context.Context, table domain.TableRef, filter string) (int64, error) {
	if m.CountFn != nil {
		return m.CountFn(ctx, table, filter)
	}
	panic("unexpected call to MockRowSource.Count")
}

// FetchPage implements the interface method for testing.
func (m *MockRowSource) FetchPage(ctx context.Context, table domain.TableRef, filter string, cursor *string, pageSize int) (domain.Page, error) {
	if m.FetchPageFn != nil {
		return m.FetchPageFn(ctx, table, filter, cursor, pageSize)
	}
	panic("unexpected call to MockRowSource.FetchPage")
}

// PrimaryKeys implements the interface method for testing.
func (m *MockRowSource) PrimaryKeys(ctx context.Context, table domain.TableRef) ([]string, error) {
	if m.PrimaryKeysFn != nil {
		return m.PrimaryKeysFn(ctx, table)
	}
	return []string{"id"}, nil
}

var _ domain.RowSource = (*MockRowSource)(nil)

// === Batch Processor Mock ===

// MockProcessor implements domain.BatchProcessor for testing. With no
// ProcessFn set every batch succeeds. Batches collects every processed batch.
type MockProcessor struct {
	InitializeFn func(ctx context.Context, table domain.TableRef, config map[string]any) error
	ProcessFn    func(ctx context.Context, batch domain.Batch) (domain.Outcome, error)
	FinalizeFn   func(ctx context.Context, table domain.TableRef, config map[string]any) error
	Size         int

	mu          sync.Mutex
	Batches     []domain.Batch
	Initialized int
	Finalized   int
}

// Initialize implements the interface method for testing.
func (m *MockProcessor) Initialize(ctx context.Context, table domain.TableRef, config map[string]any) error {
	m.mu.Lock()
	m.Initialized++
	m.mu.Unlock()
	if m.InitializeFn != nil {
		return m.InitializeFn(ctx, table, config)
	}
	return nil
}

// Process implements the interface method for testing.
func (m *MockProcessor) Process(ctx context.Context, batch domain.Batch) (domain.Outcome, error) {
	m.mu.Lock()
	m.Batches = append(m.Batches, batch)
	m.mu.Unlock()
	if m.ProcessFn != nil {
		return m.ProcessFn(ctx, batch)
	}
	return domain.Outcome{}, nil
}

// Finalize implements the interface method for testing.
func (m *MockProcessor) Finalize(ctx context.Context, table domain.TableRef, config map[string]any) error {
	m.mu.Lock()
	m.Finalized++
	m.mu.Unlock()
	if m.FinalizeFn != nil {
		return m.FinalizeFn(ctx, table, config)
	}
	return nil
}

// BatchSize implements domain.BatchSizer. Zero defers to the engine default.
func (m *MockProcessor) BatchSize() int { return m.Size }

// ProcessedBatches returns the number of Process calls so far.
func (m *MockProcessor) ProcessedBatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Batches)
}

// Counts returns the Initialize and Finalize call counts.
func (m *MockProcessor) Counts() (initialized, finalized int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Initialized, m.Finalized
}

var (
	_ domain.BatchProcessor = (*MockProcessor)(nil)
	_ domain.BatchSizer     = (*MockProcessor)(nil)
)
