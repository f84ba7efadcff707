package app

import (
	"fmt"
	"os"

	"enrichd/internal/config"
	"enrichd/internal/processor/starlarkproc"
	"enrichd/internal/service/enrichment"
)

// registerScripts compiles each configured script and registers it under
// its slug. Scripts write back through w.
func registerScripts(registry *enrichment.Registry, scripts []config.EnrichmentConfig, w starlarkproc.Writer) error {
	for _, sc := range scripts {
		src, err := os.ReadFile(sc.Script) //nolint:gosec // path comes from the operator's config file
		if err != nil {
			return fmt.Errorf("read enrichment script %q: %w", sc.Slug, err)
		}
		proc, err := starlarkproc.New(sc.Slug, string(src), w)
		if err != nil {
			return err
		}
		if err := registry.Register(sc.Slug, proc); err != nil {
			return err
		}
	}
	return nil
}
