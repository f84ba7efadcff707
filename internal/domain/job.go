package domain

import (
	"slices"
	"time"
)

// JobStatus represents the lifecycle state of an enrichment job.
type JobStatus string

// Enrichment job lifecycle statuses.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusFinished  JobStatus = "finished"
)

// IsTerminal reports whether no further transition is permitted out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused, JobStatusCancelled, JobStatusFinished:
		return true
	}
	return false
}

// Allowed-from sets for the explicit control operations.
var (
	PauseAllowedFrom  = []JobStatus{JobStatusRunning}
	ResumeAllowedFrom = []JobStatus{JobStatusPaused}
	CancelAllowedFrom = []JobStatus{JobStatusRunning, JobStatusPaused, JobStatusPending}
	LaunchAllowedFrom = []JobStatus{JobStatusPending}
)

// StatusIn reports whether s is a member of set.
func StatusIn(s JobStatus, set []JobStatus) bool {
	return slices.Contains(set, s)
}

// TableRef identifies a table inside a named database.
type TableRef struct {
	Database string
	Table    string
}

func (t TableRef) String() string { return t.Database + "/" + t.Table }

// Job is one enrichment run against one table.
type Job struct {
	ID              int64
	Status          JobStatus
	Enrichment      string
	DatabaseName    string
	TableName       string
	Filter          string
	Config          map[string]any
	NextCursor      *string
	SourceExhausted bool
	RowCount        int64
	DoneCount       int64
	ErrorCount      int64
	Cost            int64 // 1/100ths of a cent
	StatusReason    *string
	ActorID         *string
	RequestID       string
	MaxErrors       int
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       time.Time
}

// Table returns the job's target table.
func (j *Job) Table() TableRef {
	return TableRef{Database: j.DatabaseName, Table: j.TableName}
}

// ProgressEvent is one append-only unit of observed progress or a status
// transition (zero counts, Message set).
type ProgressEvent struct {
	ID           int64
	JobID        int64
	SuccessCount int64
	ErrorCount   int64
	Message      *string
	CreatedAt    time.Time
}

// ErrorRecord is one recorded failure. RowIDs holds scalar key values for
// single-column keys and []any tuples for composite keys.
type ErrorRecord struct {
	ID        int64
	JobID     int64
	RowIDs    []any
	Message   string
	CreatedAt time.Time
}

// EnqueueRequest holds parameters for creating an enrichment job.
type EnqueueRequest struct {
	Enrichment string
	Database   string
	Table      string
	Filter     string
	Config     map[string]any
	ActorID    *string
	RequestID  string
	MaxErrors  int
	Detach     bool // create the job pending and leave launching to another process
}

// Validate checks that the request is well-formed.
func (r *EnqueueRequest) Validate() error {
	if r.Enrichment == "" {
		return ErrValidation("enrichment is required")
	}
	if r.Database == "" {
		return ErrValidation("database is required")
	}
	if r.Table == "" {
		return ErrValidation("table is required")
	}
	if r.MaxErrors < 0 {
		return ErrValidation("max_errors must be non-negative")
	}
	return nil
}

// JobFilter holds filter parameters for listing jobs.
type JobFilter struct {
	Status   *JobStatus
	Database *string
	Table    *string
	Page     PageRequest
}

// BatchCommit is everything a runner persists after one processed batch.
// NextCursor == nil marks the row source as exhausted.
type BatchCommit struct {
	JobID        int64
	RowsDone     int64
	SuccessCount int64
	Errors       []ErrorRecord
	NextCursor   *string
}

// JobStatusView is the status summary exposed to callers.
type JobStatusView struct {
	ID           int64     `json:"id"`
	Status       JobStatus `json:"status"`
	Enrichment   string    `json:"enrichment"`
	Database     string    `json:"database"`
	Table        string    `json:"table"`
	RowCount     int64     `json:"row_count"`
	DoneCount    int64     `json:"done_count"`
	ErrorCount   int64     `json:"error_count"`
	Cost         int64     `json:"cost_100ths_cent"`
	StatusReason *string   `json:"reason,omitempty"`
	Sections     []Section `json:"sections"`
}
