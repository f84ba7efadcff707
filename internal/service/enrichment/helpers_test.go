package enrichment

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/require"

	"enrichd/internal/db"
	"enrichd/internal/db/repository"
	"enrichd/internal/domain"
	"enrichd/internal/testutil"
)

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

var items = domain.TableRef{Database: "content", Table: "items"}

type harness struct {
	svc      *Service
	repo     *repository.JobRepo
	source   *testutil.FakeRowSource
	registry *Registry
	cfg      Config
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	pools := db.OpenTestStore(t)
	repo := repository.NewJobRepo(pools.Write, pools.Read)
	return newHarnessWithRepo(t, repo, testutil.NewFakeRowSource(), cfg)
}

func newHarnessWithRepo(t *testing.T, repo *repository.JobRepo, source *testutil.FakeRowSource, cfg Config) *harness {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Runner.FetchBackoff == 0 {
		cfg.Runner.FetchBackoff = time.Millisecond
	}
	registry := NewRegistry()
	svc := NewService(repo, source, registry, cfg, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &harness{svc: svc, repo: repo, source: source, registry: registry, cfg: cfg}
}

func (h *harness) register(t *testing.T, slug string, p domain.BatchProcessor) {
	t.Helper()
	require.NoError(t, h.registry.Register(slug, p))
}

func (h *harness) enqueue(t *testing.T, req domain.EnqueueRequest) *domain.Job {
	t.Helper()
	if req.Database == "" {
		req.Database, req.Table = items.Database, items.Table
	}
	job, err := h.svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return job
}

// wait blocks until the job is terminal and its runner has exited.
func (h *harness) wait(t *testing.T, id int64) *domain.Job {
	t.Helper()
	_, err := h.svc.WaitForCompletion(context.Background(), id, 10*time.Second)
	require.NoError(t, err)
	h.idle(t, id)
	job, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

// idle blocks until no runner for the job is active in this process.
func (h *harness) idle(t *testing.T, id int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.svc.Supervisor().IsActive(id)
	}, 10*time.Second, 5*time.Millisecond)
}

func (h *harness) status(t *testing.T, id int64) *domain.JobStatusView {
	t.Helper()
	view, err := h.svc.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	return view
}

func (h *harness) errorRecords(t *testing.T, id int64) []domain.ErrorRecord {
	t.Helper()
	records, _, err := h.svc.ListErrors(context.Background(), id, domain.PageRequest{MaxResults: domain.MaxMaxResults})
	require.NoError(t, err)
	return records
}

func sectionTotals(sections []domain.Section) (success, errs int64) {
	for _, s := range sections {
		switch s.Kind {
		case domain.SectionSuccess:
			success += s.Count
		case domain.SectionError:
			errs += s.Count
		}
	}
	return success, errs
}

func firstID(b domain.Batch) int64 {
	return b.Rows[0]["id"].(int64)
}

// gate blocks the batch starting at a given row id until released.
type gate struct {
	at      int64
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(at int64) *gate {
	return &gate{at: at, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hold(ctx context.Context, b domain.Batch) {
	if firstID(b) != g.at {
		return
	}
	entered := false
	g.once.Do(func() { entered = true })
	if !entered {
		return
	}
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
	}
}

func (g *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(10 * time.Second):
		t.Fatal("batch never started")
	}
}

func (g *gate) open() { close(g.release) }

func processedIDs(p *testutil.MockProcessor) []int64 {
	var ids []int64
	for _, b := range p.Batches {
		for _, r := range b.Rows {
			ids = append(ids, r["id"].(int64))
		}
	}
	return ids
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func strPtr(s string) *string { return &s }
