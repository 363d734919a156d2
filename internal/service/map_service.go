// Package service runs the map pipeline: fetch, domain resolution, coloring,
// sampling and legend building, memoized per query.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oceanatlas/server/internal/cache"
	"github.com/oceanatlas/server/internal/domain"
	"github.com/oceanatlas/server/internal/grid"
	"github.com/oceanatlas/server/internal/legend"
	"github.com/oceanatlas/server/internal/sampler"
	"github.com/oceanatlas/server/pkg/colormap"
)

// ErrInvalidQuery reports missing or malformed query parameters.
var ErrInvalidQuery = errors.New("invalid query")

// Fetcher retrieves grids and time series from a data backend.
type Fetcher interface {
	FetchGrid(ctx context.Context, key grid.QueryKey) (*grid.Grid, error)
	FetchTimeSeries(ctx context.Context, q grid.SeriesQuery) (*grid.TimeSeries, error)
}

// Result is everything a renderer needs for one query. Results are shared
// between callers through the cache and must be treated as read-only.
type Result struct {
	Key     grid.QueryKey          `json:"key"`
	Domain  grid.Domain            `json:"domain"`
	Legend  legend.Descriptor      `json:"legend"`
	Palette string                 `json:"palette"`
	Empty   bool                   `json:"empty"`
	Points  []grid.RenderablePoint `json:"-"`
	Heatmap [][]string             `json:"-"`
	Lats    []float64              `json:"-"`
	Lons    []float64              `json:"-"`
	Grid    *grid.Grid             `json:"-"`
	Stops   []colormap.Stop        `json:"-"`
}

// ColorAt returns the color of v on this result's scale.
func (r *Result) ColorAt(v float64) string {
	return colormap.Interpolate(v, r.Domain.Min, r.Domain.Max, r.Stops)
}

// MapServiceConfig contains map service configuration.
type MapServiceConfig struct {
	Sources      *SourceRegistry
	Resolver     *domain.Resolver
	Cache        *cache.QueryCache[*Result]
	Stride       int
	FetchTimeout time.Duration
}

// MapService turns query keys into renderable results.
type MapService struct {
	sources      *SourceRegistry
	resolver     *domain.Resolver
	cache        *cache.QueryCache[*Result]
	stride       int
	fetchTimeout time.Duration

	inflight singleflight.Group
	fetches  atomic.Int64
}

// NewMapService creates a new map service.
func NewMapService(cfg MapServiceConfig) (*MapService, error) {
	if cfg.Sources == nil || len(cfg.Sources.IDs()) == 0 {
		return nil, errors.New("no data sources registered")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = domain.NewResolver(nil)
	}
	if cfg.Cache == nil {
		c, err := cache.NewQueryCache[*Result](0)
		if err != nil {
			return nil, err
		}
		cfg.Cache = c
	}
	if cfg.Stride <= 0 {
		cfg.Stride = sampler.DefaultStride
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	return &MapService{
		sources:      cfg.Sources,
		resolver:     cfg.Resolver,
		cache:        cfg.Cache,
		stride:       cfg.Stride,
		fetchTimeout: cfg.FetchTimeout,
	}, nil
}

// Load returns the result for key. A cached result is returned as the same
// pointer every time. Concurrent loads of one key share a single fetch.
//
// The fetch itself is not bound to ctx: a caller that gives up returns
// ctx.Err() while the fetch runs to completion and fills the cache.
func (s *MapService) Load(ctx context.Context, key grid.QueryKey) (*Result, error) {
	key = s.sources.Normalize(key)
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	fetcher, ok := s.sources.Get(key.Source)
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidQuery, key.Source)
	}

	k := key.String()
	if r, ok := s.cache.Get(k); ok {
		return r, nil
	}

	ch := s.inflight.DoChan(k, func() (interface{}, error) {
		// A flight for k may have finished since the lookup above.
		if r, ok := s.cache.Peek(k); ok {
			return r, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		s.fetches.Add(1)
		g, err := fetcher.FetchGrid(fetchCtx, key)
		if err != nil {
			log.Printf("[MapService] fetch %s failed: %v", k, err)
			return nil, unavailable(err)
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", grid.ErrUnavailable, err)
		}
		return s.cache.Put(k, s.build(key, g)), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	}
}

// Cached returns the cached result for key without fetching. It leaves the
// hit and miss counters and the eviction order untouched.
func (s *MapService) Cached(key grid.QueryKey) (*Result, bool) {
	return s.cache.Peek(s.sources.Normalize(key).String())
}

func (s *MapService) build(key grid.QueryKey, g *grid.Grid) *Result {
	palette := s.resolver.Palette(key.Index)
	stops := colormap.GenerateStops(palette.Colors)
	d := s.resolver.Resolve(g, key.Index, key.Scenario)

	r := &Result{
		Key:     key,
		Domain:  d,
		Legend:  legend.Build(d, stops),
		Palette: palette.Name,
		Empty:   g.Empty(),
		Lats:    g.Lats,
		Lons:    g.Lons,
		Grid:    g,
		Stops:   stops,
	}
	if r.Empty {
		r.Points = []grid.RenderablePoint{}
	} else {
		r.Points = sampler.Sample(g, s.stride, r.ColorAt)
	}
	r.Heatmap = sampler.Heatmap(g, r.ColorAt)
	return r
}

// Legend builds a legend for metric over [min, max] without fetching.
func (s *MapService) Legend(metric string, minV, maxV float64) (legend.Descriptor, error) {
	if !grid.Valid(minV) || !grid.Valid(maxV) || minV > maxV {
		return legend.Descriptor{}, fmt.Errorf("%w: bad legend range [%v, %v]", ErrInvalidQuery, minV, maxV)
	}
	stops := colormap.GenerateStops(s.resolver.Palette(metric).Colors)
	return legend.Build(grid.Domain{Min: minV, Max: maxV}, stops), nil
}

// TimeSeries fetches the series selected by q. Series are not cached.
func (s *MapService) TimeSeries(ctx context.Context, q grid.SeriesQuery) (*grid.TimeSeries, error) {
	if q.Source == "" {
		q.Source = s.sources.DefaultID()
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	fetcher, ok := s.sources.Get(q.Source)
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidQuery, q.Source)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	ts, err := fetcher.FetchTimeSeries(fetchCtx, q)
	if err != nil && ctx.Err() == nil {
		return nil, unavailable(err)
	}
	return ts, err
}

// unavailable reports a fetch timeout as ErrUnavailable.
func unavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, grid.ErrUnavailable) {
		return fmt.Errorf("%w: %v", grid.ErrUnavailable, err)
	}
	return err
}

// Resolver returns the metric policy table.
func (s *MapService) Resolver() *domain.Resolver {
	return s.resolver
}

// Stride returns the globe decimation stride.
func (s *MapService) Stride() int {
	return s.stride
}

// Fetches returns the number of grid fetches issued.
func (s *MapService) Fetches() int64 {
	return s.fetches.Load()
}

// Stats returns cache and fetch statistics.
func (s *MapService) Stats() map[string]interface{} {
	stats := s.cache.Stats()
	stats["grid_fetches"] = s.fetches.Load()
	return stats
}
