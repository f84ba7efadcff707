// Package starlarkproc implements a batch processor driven by a Starlark
// script. The script defines enrich(row, config), which returns a dict of
// column updates for the row or None to leave it unchanged.
//
// Optional script globals:
//
//	name, description  display strings
//	batch_size         rows per batch
//	cost_per_row       cost in 1/100ths of a cent charged per enriched row
//	initialize(config) called before the first batch of each launch
//	finalize(config)   called after the last batch
//
// The builtins cancel_job(reason) and pause_job(reason) stop the job once
// the current batch has been committed.
package starlarkproc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"enrichd/internal/domain"
	"enrichd/internal/rowsource"
)

const (
	defaultMaxSteps = uint64(50_000)
	defaultTimeout  = 2 * time.Second
	maxScriptBytes  = 512 * 1024

	controlKey = "enrichd.control"
)

// Writer persists enriched values. Implemented by rowsource.Catalog.
type Writer interface {
	EnsureColumns(ctx context.Context, ref domain.TableRef, cols []string) error
	UpdateRows(ctx context.Context, ref domain.TableRef, updates []rowsource.RowUpdate) error
}

// Processor runs a compiled script against each row of a batch.
type Processor struct {
	slug        string
	name        string
	description string
	batchSize   int
	costPerRow  int64

	globals starlark.StringDict
	enrich  starlark.Callable
	writer  Writer

	maxSteps    uint64
	evalTimeout time.Duration
}

// control records the first cancel_job / pause_job call of a batch.
type control struct {
	kind   domain.OutcomeKind
	reason string
	set    bool
}

// New compiles src and returns a processor registered under slug.
func New(slug, src string, writer Writer) (*Processor, error) {
	if len(src) > maxScriptBytes {
		return nil, domain.ErrValidation("script %q exceeds %d bytes", slug, maxScriptBytes)
	}
	if writer == nil {
		return nil, domain.ErrValidation("script %q: writer is required", slug)
	}

	p := &Processor{
		slug:        slug,
		name:        slug,
		writer:      writer,
		maxSteps:    defaultMaxSteps,
		evalTimeout: defaultTimeout,
	}

	thread := &starlark.Thread{Name: "load-" + slug}
	thread.SetMaxExecutionSteps(p.maxSteps)
	var globals starlark.StringDict
	if err := runWithTimeout(context.Background(), thread, p.evalTimeout, func() error {
		loaded, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, slug+".star", src, predeclared())
		if err != nil {
			return err
		}
		globals = loaded
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load script %q: %w", slug, err)
	}
	p.globals = globals

	enrich, ok := globals["enrich"].(starlark.Callable)
	if !ok {
		return nil, domain.ErrValidation("script %q must define enrich(row, config)", slug)
	}
	p.enrich = enrich

	if v, ok := globals["name"]; ok {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, domain.ErrValidation("script %q: name must be a string", slug)
		}
		p.name = s
	}
	if v, ok := globals["description"]; ok {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, domain.ErrValidation("script %q: description must be a string", slug)
		}
		p.description = s
	}
	if v, ok := globals["batch_size"]; ok {
		var n int
		if err := starlark.AsInt(v, &n); err != nil || n <= 0 {
			return nil, domain.ErrValidation("script %q: batch_size must be a positive int", slug)
		}
		p.batchSize = n
	}
	if v, ok := globals["cost_per_row"]; ok {
		var n int64
		if err := starlark.AsInt(v, &n); err != nil || n < 0 {
			return nil, domain.ErrValidation("script %q: cost_per_row must be a non-negative int", slug)
		}
		p.costPerRow = n
	}
	return p, nil
}

// Slug returns the registry key of the processor.
func (p *Processor) Slug() string { return p.slug }

// Name returns the script's display name.
func (p *Processor) Name() string { return p.name }

// Description returns the script's description.
func (p *Processor) Description() string { return p.description }

// BatchSize returns the script's batch_size, or 0 to use the default.
func (p *Processor) BatchSize() int { return p.batchSize }

// Initialize calls the script's initialize(config) if defined.
func (p *Processor) Initialize(ctx context.Context, _ domain.TableRef, config map[string]any) error {
	return p.callHook(ctx, "initialize", config)
}

// Finalize calls the script's finalize(config) if defined.
func (p *Processor) Finalize(ctx context.Context, _ domain.TableRef, config map[string]any) error {
	return p.callHook(ctx, "finalize", config)
}

func (p *Processor) callHook(ctx context.Context, hook string, config map[string]any) error {
	fn, ok := p.globals[hook].(starlark.Callable)
	if !ok {
		return nil
	}
	cfg, err := toStarlark(config)
	if err != nil {
		return err
	}
	thread := p.newThread(hook, nil)
	return runWithTimeout(ctx, thread, p.evalTimeout, func() error {
		_, err := starlark.Call(thread, fn, starlark.Tuple{cfg}, nil)
		return err
	})
}

func (p *Processor) newThread(name string, ctl *control) *starlark.Thread {
	thread := &starlark.Thread{Name: p.slug + "-" + name}
	thread.SetMaxExecutionSteps(p.maxSteps)
	if ctl != nil {
		thread.SetLocal(controlKey, ctl)
	}
	return thread
}

// Process calls enrich for every row. A row whose call fails is reported as
// a row failure; the other rows' updates are written in one transaction.
func (p *Processor) Process(ctx context.Context, batch domain.Batch) (domain.Outcome, error) {
	cfg, err := toStarlark(batch.Config)
	if err != nil {
		return domain.Outcome{}, err
	}

	ctl := &control{}
	var (
		outcome  domain.Outcome
		updates  []rowsource.RowUpdate
		enriched int64
	)
	newCols := map[string]bool{}

	for i, row := range batch.Rows {
		if err := ctx.Err(); err != nil {
			return domain.Outcome{}, err
		}
		values, err := p.enrichRow(ctx, ctl, row, cfg)
		if err != nil {
			outcome = outcome.WithFailure(err.Error(), i)
			continue
		}
		enriched++
		if len(values) == 0 {
			continue
		}
		for col := range values {
			newCols[col] = true
		}
		updates = append(updates, rowsource.RowUpdate{
			Key:    rowsource.RowKey(row, batch.PrimaryKeys),
			Values: values,
		})
	}

	if len(updates) > 0 {
		cols := make([]string, 0, len(newCols))
		for col := range newCols {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		if err := p.writer.EnsureColumns(ctx, batch.Table, cols); err != nil {
			return domain.Outcome{}, fmt.Errorf("ensure columns: %w", err)
		}
		if err := p.writer.UpdateRows(ctx, batch.Table, updates); err != nil {
			return domain.Outcome{}, fmt.Errorf("write rows: %w", err)
		}
	}

	if p.costPerRow > 0 && enriched > 0 && batch.Cost != nil {
		if err := batch.Cost.IncrementCost(ctx, batch.JobID, p.costPerRow*enriched); err != nil {
			return domain.Outcome{}, fmt.Errorf("record cost: %w", err)
		}
	}

	if ctl.set {
		outcome.Kind = ctl.kind
		outcome.Reason = ctl.reason
	}
	return outcome, nil
}

func (p *Processor) enrichRow(ctx context.Context, ctl *control, row domain.Row, cfg starlark.Value) (map[string]any, error) {
	rowVal, err := rowToStarlark(row)
	if err != nil {
		return nil, err
	}
	thread := p.newThread("enrich", ctl)

	var result starlark.Value
	if err := runWithTimeout(ctx, thread, p.evalTimeout, func() error {
		v, err := starlark.Call(thread, p.enrich, starlark.Tuple{rowVal, cfg}, nil)
		if err != nil {
			return err
		}
		result = v
		return nil
	}); err != nil {
		return nil, err
	}

	switch v := result.(type) {
	case starlark.NoneType:
		return nil, nil
	case *starlark.Dict:
		return updatesFromDict(v)
	default:
		return nil, domain.ErrValidation("enrich must return a dict or None, got %s", result.Type())
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"cancel_job": starlark.NewBuiltin("cancel_job", controlBuiltin(domain.OutcomeCancel)),
		"pause_job":  starlark.NewBuiltin("pause_job", controlBuiltin(domain.OutcomePause)),
	}
}

func controlBuiltin(kind domain.OutcomeKind) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var reason string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
			return nil, err
		}
		ctl, ok := thread.Local(controlKey).(*control)
		if !ok {
			return nil, fmt.Errorf("%s: only callable from enrich", b.Name())
		}
		if !ctl.set {
			ctl.kind, ctl.reason, ctl.set = kind, reason, true
		}
		return starlark.None, nil
	}
}

func runWithTimeout(ctx context.Context, thread *starlark.Thread, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		thread.Cancel("context cancelled")
		<-done
		return ctx.Err()
	case <-timeoutC:
		thread.Cancel("starlark execution timed out")
		<-done
		return domain.ErrValidation("starlark execution timed out after %s", timeout)
	}
}
