package service

import (
	"github.com/oceanatlas/server/internal/grid"
)

// SourceInfo describes a data source for the API response.
type SourceInfo struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
}

// SourceRegistry holds the fetchers for all configured data sources.
type SourceRegistry struct {
	fetchers      map[string]Fetcher
	backends      map[string]string
	defaultSource string
	order         []string
}

// NewSourceRegistry creates a new source registry.
func NewSourceRegistry(defaultSource string) *SourceRegistry {
	return &SourceRegistry{
		fetchers:      make(map[string]Fetcher),
		backends:      make(map[string]string),
		defaultSource: defaultSource,
	}
}

// Register adds a fetcher for a source. Sources keep registration order.
func (r *SourceRegistry) Register(id, backend string, f Fetcher) {
	if _, ok := r.fetchers[id]; !ok {
		r.order = append(r.order, id)
	}
	r.fetchers[id] = f
	r.backends[id] = backend
	if r.defaultSource == "" {
		r.defaultSource = id
	}
}

// Get returns the fetcher for a source.
func (r *SourceRegistry) Get(id string) (Fetcher, bool) {
	f, ok := r.fetchers[id]
	return f, ok
}

// DefaultID returns the default source ID.
func (r *SourceRegistry) DefaultID() string {
	return r.defaultSource
}

// IDs returns all source IDs in registration order.
func (r *SourceRegistry) IDs() []string {
	return r.order
}

// Normalize fills in the default source.
func (r *SourceRegistry) Normalize(key grid.QueryKey) grid.QueryKey {
	if key.Source == "" {
		key.Source = r.defaultSource
	}
	return key
}

// Sources returns source info for all registered sources.
func (r *SourceRegistry) Sources() []SourceInfo {
	infos := make([]SourceInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, SourceInfo{ID: id, Backend: r.backends[id]})
	}
	return infos
}
