package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"enrichd/internal/domain"
)

const shutdownTimeout = 30 * time.Second

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errorObject renders err for --output json, tagging known domain errors
// with a stable code.
func errorObject(err error) map[string]any {
	obj := map[string]any{"error": err.Error()}
	var (
		notFound   *domain.NotFoundError
		validation *domain.ValidationError
		conflict   *domain.ConflictError
		transition *domain.InvalidTransitionError
		timeout    *domain.TimeoutError
	)
	switch {
	case errors.As(err, &notFound):
		obj["code"] = "not_found"
	case errors.As(err, &validation):
		obj["code"] = "validation"
	case errors.As(err, &conflict):
		obj["code"] = "conflict"
	case errors.As(err, &transition):
		obj["code"] = "invalid_transition"
	case errors.As(err, &timeout):
		obj["code"] = "timeout"
	}
	return obj
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// jobJSON is the --output json shape of a job.
type jobJSON struct {
	ID         int64          `json:"id"`
	Status     string         `json:"status"`
	Enrichment string         `json:"enrichment"`
	Database   string         `json:"database"`
	Table      string         `json:"table"`
	Filter     string         `json:"filter,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	RowCount   int64          `json:"row_count"`
	DoneCount  int64          `json:"done_count"`
	ErrorCount int64          `json:"error_count"`
	Cost       int64          `json:"cost_100ths_cent"`
	Reason     *string        `json:"reason,omitempty"`
	ActorID    *string        `json:"actor_id,omitempty"`
	RequestID  string         `json:"request_id"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

func toJobJSON(j *domain.Job) jobJSON {
	return jobJSON{
		ID:         j.ID,
		Status:     string(j.Status),
		Enrichment: j.Enrichment,
		Database:   j.DatabaseName,
		Table:      j.TableName,
		Filter:     j.Filter,
		Config:     j.Config,
		RowCount:   j.RowCount,
		DoneCount:  j.DoneCount,
		ErrorCount: j.ErrorCount,
		Cost:       j.Cost,
		Reason:     j.StatusReason,
		ActorID:    j.ActorID,
		RequestID:  j.RequestID,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

// printJob prints one job as JSON or a short summary line.
func printJob(cmd *cobra.Command, j *domain.Job) error {
	out := cmd.OutOrStdout()
	if getOutputFormat(cmd) == "json" {
		return printJSON(out, toJobJSON(j))
	}
	_, err := fmt.Fprintln(out, jobSummary(j))
	return err
}

func progress(done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("%d rows", done)
	}
	return fmt.Sprintf("%d/%d rows (%d%%)", done, total, done*100/total)
}

// formatSections renders progress sections as "8 ok, 2 failed, 40 ok".
func formatSections(sections []domain.Section) string {
	if len(sections) == 0 {
		return "-"
	}
	parts := make([]string, len(sections))
	for i, s := range sections {
		label := "ok"
		if s.Kind == domain.SectionError {
			label = "failed"
		}
		parts[i] = fmt.Sprintf("%d %s", s.Count, label)
	}
	return strings.Join(parts, ", ")
}

// formatCost renders 1/100ths of a cent as dollars.
func formatCost(c int64) string {
	return fmt.Sprintf("$%d.%04d", c/10000, c%10000)
}

func formatRowIDs(ids []any) string {
	b, err := json.Marshal(ids)
	if err != nil {
		return fmt.Sprint(ids)
	}
	return string(b)
}
