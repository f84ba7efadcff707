package rowsource

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichd/internal/domain"
)

func newTestCatalog(t *testing.T) (*Catalog, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, score INTEGER);
		CREATE TABLE pairs (a TEXT NOT NULL, b INTEGER NOT NULL, label TEXT, PRIMARY KEY (b, a));
		CREATE TABLE notes (body TEXT);
	`)
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		_, err = db.Exec(`INSERT INTO items (id, name, score) VALUES (?, ?, ?)`, i, fmt.Sprintf("item-%02d", i), i*10)
		require.NoError(t, err)
	}
	for _, b := range []int{2, 1} {
		for _, a := range []string{"y", "x"} {
			_, err = db.Exec(`INSERT INTO pairs (a, b, label) VALUES (?, ?, ?)`, a, b, a+fmt.Sprint(b))
			require.NoError(t, err)
		}
	}
	for _, body := range []string{"first", "second", "third"} {
		_, err = db.Exec(`INSERT INTO notes (body) VALUES (?)`, body)
		require.NoError(t, err)
	}

	cat := NewCatalog()
	require.NoError(t, cat.Attach("content", DriverSQLite, db))
	return cat, db
}

func fetchAll(t *testing.T, cat *Catalog, ref domain.TableRef, filter string, size int) ([]domain.Row, int) {
	t.Helper()
	var (
		all    []domain.Row
		cursor *string
		pages  int
	)
	for {
		page, err := cat.FetchPage(context.Background(), ref, filter, cursor, size)
		require.NoError(t, err)
		pages++
		all = append(all, page.Rows...)
		if page.NextCursor == nil {
			return all, pages
		}
		cursor = page.NextCursor
	}
}

func TestCatalog_FetchPage_KeysetCoversEveryRowOnce(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	ref := domain.TableRef{Database: "content", Table: "items"}

	rows, pages := fetchAll(t, cat, ref, "", 3)
	assert.Equal(t, 4, pages)
	require.Len(t, rows, 10)
	for i, row := range rows {
		assert.Equal(t, int64(i+1), row["id"])
	}
}

func TestCatalog_FetchPage_ExactMultipleHasNoEmptyTail(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	ref := domain.TableRef{Database: "content", Table: "items"}

	rows, pages := fetchAll(t, cat, ref, "", 5)
	assert.Len(t, rows, 10)
	assert.Equal(t, 2, pages)
}

func TestCatalog_FetchPage_CompositeKey(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	ref := domain.TableRef{Database: "content", Table: "pairs"}

	pks, err := cat.PrimaryKeys(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, pks)

	rows, _ := fetchAll(t, cat, ref, "", 1)
	labels := make([]string, len(rows))
	for i, r := range rows {
		labels[i] = r["label"].(string)
	}
	assert.Equal(t, []string{"x1", "y1", "x2", "y2"}, labels)
}

func TestCatalog_FetchPage_RowIDFallback(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	ref := domain.TableRef{Database: "content", Table: "notes"}

	pks, err := cat.PrimaryKeys(context.Background(), ref)
	require.NoError(t, err)
	assert.Empty(t, pks)

	rows, _ := fetchAll(t, cat, ref, "", 2)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), rows[0][domain.RowIDColumn])
	assert.Equal(t, "third", rows[2]["body"])
}

func TestCatalog_FetchPage_BlobKey(t *testing.T) {
	t.Parallel()
	cat, db := newTestCatalog(t)
	ctx := context.Background()
	_, err := db.Exec(`CREATE TABLE blobs (k BLOB PRIMARY KEY, label TEXT)`)
	require.NoError(t, err)
	for _, k := range []string{"c", "a", "b"} {
		_, err = db.Exec(`INSERT INTO blobs (k, label) VALUES (?, ?)`, []byte(k), k)
		require.NoError(t, err)
	}
	ref := domain.TableRef{Database: "content", Table: "blobs"}

	pks, err := cat.PrimaryKeys(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, pks)

	rows, pages := fetchAll(t, cat, ref, "", 1)
	assert.Equal(t, 3, pages)
	require.Len(t, rows, 3)
	labels := make([]string, len(rows))
	for i, r := range rows {
		labels[i] = r["label"].(string)
	}
	assert.Equal(t, []string{"a", "b", "c"}, labels)
	assert.Equal(t, []byte("a"), rows[0]["k"])

	require.NoError(t, cat.EnsureColumns(ctx, ref, []string{"note"}))
	require.NoError(t, cat.UpdateRows(ctx, ref, []RowUpdate{
		{Key: RowKey(rows[1], pks), Values: map[string]any{"note": "second"}},
	}))
	var note string
	require.NoError(t, db.QueryRow(`SELECT note FROM blobs WHERE label = 'b'`).Scan(&note))
	assert.Equal(t, "second", note)
}

func TestCatalog_FetchPage_NullableKeyPagesByRowID(t *testing.T) {
	t.Parallel()
	cat, db := newTestCatalog(t)
	ctx := context.Background()
	_, err := db.Exec(`CREATE TABLE tags (k TEXT PRIMARY KEY, label TEXT)`)
	require.NoError(t, err)
	for i, k := range []any{nil, nil, "a", "b"} {
		_, err = db.Exec(`INSERT INTO tags (k, label) VALUES (?, ?)`, k, fmt.Sprintf("row-%d", i))
		require.NoError(t, err)
	}
	ref := domain.TableRef{Database: "content", Table: "tags"}

	pks, err := cat.PrimaryKeys(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, pks)

	n, err := cat.Count(ctx, ref, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	for _, size := range []int{1, 2} {
		rows, _ := fetchAll(t, cat, ref, "", size)
		labels := make([]string, len(rows))
		for i, r := range rows {
			labels[i] = r["label"].(string)
		}
		assert.Equal(t, []string{"row-0", "row-1", "row-2", "row-3"}, labels, "page size %d", size)
	}
}

func TestCatalog_PrimaryKeys_NotNullableKeys(t *testing.T) {
	t.Parallel()
	cat, db := newTestCatalog(t)
	ctx := context.Background()
	_, err := db.Exec(`
		CREATE TABLE strict_tags (k TEXT NOT NULL PRIMARY KEY, label TEXT);
		CREATE TABLE wr_tags (k TEXT PRIMARY KEY, label TEXT) WITHOUT ROWID;
	`)
	require.NoError(t, err)

	for _, table := range []string{"items", "pairs", "strict_tags", "wr_tags"} {
		pks, err := cat.PrimaryKeys(ctx, domain.TableRef{Database: "content", Table: table})
		require.NoError(t, err)
		assert.NotEmpty(t, pks, table)
	}
}

func TestCatalog_CountAndFilter(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	ctx := context.Background()
	ref := domain.TableRef{Database: "content", Table: "items"}

	tests := []struct {
		filter string
		want   int64
	}{
		{"", 10},
		{"id=3", 1},
		{"id__gt=7", 3},
		{"score__lte=30", 3},
		{"id__in=1,2,3&score__gte=20", 2},
		{"id__notin=[1,2]", 8},
		{"name__startswith=item-0", 9},
		{"name__endswith=10", 1},
		{"name__contains=-0", 9},
		{"name__not=item-01", 9},
		{"name__glob=item-0[1-3]", 3},
		{"name__isnull=1", 0},
		{"name__notnull=1", 10},
		{"_sort=id&_size=5&id__lt=3", 2},
	}
	for _, tc := range tests {
		t.Run(tc.filter, func(t *testing.T) {
			n, err := cat.Count(ctx, ref, tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestCatalog_FilteredPagination(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	ref := domain.TableRef{Database: "content", Table: "items"}

	rows, _ := fetchAll(t, cat, ref, "id__gt=4", 2)
	require.Len(t, rows, 6)
	assert.Equal(t, int64(5), rows[0]["id"])
}

func TestCatalog_Errors(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	ctx := context.Background()

	_, err := cat.Count(ctx, domain.TableRef{Database: "content", Table: "items"}, "nope=1")
	var rse *domain.RowSourceError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, "count", rse.Op)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = cat.FetchPage(ctx, domain.TableRef{Database: "content", Table: "missing"}, "", nil, 10)
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, "fetch", rse.Op)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = cat.Count(ctx, domain.TableRef{Database: "other", Table: "items"}, "")
	require.ErrorAs(t, err, &nf)

	bad := "!!!"
	_, err = cat.FetchPage(ctx, domain.TableRef{Database: "content", Table: "items"}, "", &bad, 10)
	require.ErrorAs(t, err, &ve)
}

func TestCatalog_AttachDuplicateAndUnknownDriver(t *testing.T) {
	t.Parallel()
	cat, db := newTestCatalog(t)

	var conflict *domain.ConflictError
	require.ErrorAs(t, cat.Attach("content", DriverSQLite, db), &conflict)

	var ve *domain.ValidationError
	require.ErrorAs(t, cat.Attach("pg", "postgres", db), &ve)
	assert.Equal(t, []string{"content"}, cat.Databases())
}

func TestCatalog_WriteBack(t *testing.T) {
	t.Parallel()
	cat, db := newTestCatalog(t)
	ctx := context.Background()
	ref := domain.TableRef{Database: "content", Table: "items"}

	require.NoError(t, cat.EnsureColumns(ctx, ref, []string{"name", "upper"}))
	cols, err := cat.Columns(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "score", "upper"}, cols)

	err = cat.UpdateRows(ctx, ref, []RowUpdate{
		{Key: []any{int64(1)}, Values: map[string]any{"upper": "ITEM-01"}},
		{Key: []any{int64(2)}, Values: map[string]any{"upper": "ITEM-02", "score": 0}},
	})
	require.NoError(t, err)

	var upper string
	var score int
	require.NoError(t, db.QueryRow(`SELECT upper, score FROM items WHERE id = 2`).Scan(&upper, &score))
	assert.Equal(t, "ITEM-02", upper)
	assert.Equal(t, 0, score)

	err = cat.UpdateRows(ctx, ref, []RowUpdate{{Key: []any{int64(1)}, Values: map[string]any{"ghost": 1}}})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCatalog_OpenOwnsPool(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "owned.db")
	cat := NewCatalog()
	require.NoError(t, cat.Open("owned", DriverSQLite, path))
	assert.Equal(t, []string{"owned"}, cat.Databases())
	require.NoError(t, cat.Close())
	assert.Empty(t, cat.Databases())
}
