package enrichment

import (
	"sort"
	"sync"

	"enrichd/internal/domain"
)

// EnrichmentInfo describes one registered enrichment kind.
type EnrichmentInfo struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

// Registry maps enrichment slugs to batch processors. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]domain.BatchProcessor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]domain.BatchProcessor)}
}

// Register adds a processor under slug.
func (r *Registry) Register(slug string, p domain.BatchProcessor) error {
	if slug == "" {
		return domain.ErrValidation("enrichment slug is required")
	}
	if p == nil {
		return domain.ErrValidation("enrichment %q has no processor", slug)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[slug]; ok {
		return domain.ErrConflict("enrichment %q already registered", slug)
	}
	r.processors[slug] = p
	return nil
}

// Get returns the processor registered under slug.
func (r *Registry) Get(slug string) (domain.BatchProcessor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[slug]
	if !ok {
		return nil, domain.ErrValidation("unknown enrichment %q", slug)
	}
	return p, nil
}

// Has reports whether slug is registered.
func (r *Registry) Has(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[slug]
	return ok
}

// List describes every registered enrichment, sorted by slug.
func (r *Registry) List() []EnrichmentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EnrichmentInfo, 0, len(r.processors))
	for slug, p := range r.processors {
		info := EnrichmentInfo{Slug: slug, Name: slug}
		if d, ok := p.(domain.Describer); ok {
			info.Name = d.Name()
			info.Description = d.Description()
		}
		if s, ok := p.(domain.BatchSizer); ok {
			info.BatchSize = s.BatchSize()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
