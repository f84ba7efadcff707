package domain

import "context"

// JobRepository owns all persisted enrichment job state.
// Implemented by repository.JobRepo.
type JobRepository interface {
	Create(ctx context.Context, job *Job) (*Job, error)
	GetByID(ctx context.Context, id int64) (*Job, error)
	GetByRequestID(ctx context.Context, actorID *string, requestID string) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, int64, error)
	ListByStatus(ctx context.Context, statuses ...JobStatus) ([]Job, error)
	ListRunning(ctx context.Context) ([]Job, error)
	HasActive(ctx context.Context, table TableRef, enrichment string) (bool, error)

	SetStatus(ctx context.Context, id int64, to JobStatus, allowedFrom []JobStatus, reason *string) (*Job, error)
	AdvanceCursor(ctx context.Context, id int64, cursor string, rowsDone int64) error
	Complete(ctx context.Context, id int64, rowsDone int64) error
	CommitBatch(ctx context.Context, commit BatchCommit) (*Job, error)

	RecordSuccess(ctx context.Context, id int64, count int64) error
	RecordError(ctx context.Context, id int64, rowIDs []any, message string) error
	IncrementCost(ctx context.Context, id int64, amount int64) error

	ListProgress(ctx context.Context, id int64) ([]ProgressEvent, error)
	ListErrors(ctx context.Context, id int64, page PageRequest) ([]ErrorRecord, int64, error)
}
