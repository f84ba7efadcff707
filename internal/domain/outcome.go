package domain

// OutcomeKind tags the result of processing one batch.
type OutcomeKind int

// Batch outcome kinds. The zero value is a success.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeError
	OutcomeCancel
	OutcomePause
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeCancel:
		return "cancel"
	case OutcomePause:
		return "pause"
	}
	return "unknown"
}

// RowFailure reports a processor-detected failure for a subset of a batch.
// Rows are indexes into Batch.Rows.
type RowFailure struct {
	Rows    []int
	Message string
}

// Outcome is the explicit result of BatchProcessor.Process. The zero Outcome
// means every row of the batch succeeded.
type Outcome struct {
	Kind     OutcomeKind
	Count    int  // explicit success count, only used when HasCount
	HasCount bool
	Message  string // error description for OutcomeError
	Reason   string // optional reason for OutcomeCancel / OutcomePause
	Failures []RowFailure
}

// Succeeded reports an explicit number of successful rows.
func Succeeded(n int) Outcome {
	return Outcome{Kind: OutcomeSuccess, Count: n, HasCount: true}
}

// Failed reports a failure of the whole batch.
func Failed(message string) Outcome {
	return Outcome{Kind: OutcomeError, Message: message}
}

// CancelJob asks the runner to cancel the job after this batch.
func CancelJob(reason string) Outcome {
	return Outcome{Kind: OutcomeCancel, Reason: reason}
}

// PauseJob asks the runner to pause the job after this batch.
func PauseJob(reason string) Outcome {
	return Outcome{Kind: OutcomePause, Reason: reason}
}

// WithFailure attaches a row-level failure to the outcome.
func (o Outcome) WithFailure(message string, rows ...int) Outcome {
	o.Failures = append(o.Failures, RowFailure{Rows: rows, Message: message})
	return o
}

// FailedRows returns the number of distinct batch rows covered by Failures
// that fall inside [0, batchSize).
func (o Outcome) FailedRows(batchSize int) int {
	seen := make(map[int]struct{})
	for _, f := range o.Failures {
		for _, idx := range f.Rows {
			if idx >= 0 && idx < batchSize {
				seen[idx] = struct{}{}
			}
		}
	}
	return len(seen)
}
