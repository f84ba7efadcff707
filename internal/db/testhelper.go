package db

import (
	"path/filepath"
	"testing"
)

// OpenTestStore opens a migrated job store in t.TempDir() and registers
// cleanup.
func OpenTestStore(t *testing.T) *Pools {
	t.Helper()

	pools, err := OpenStore(filepath.Join(t.TempDir(), "jobs.sqlite"), 4)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = pools.Close() })

	return pools
}
