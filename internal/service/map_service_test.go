package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/oceanatlas/server/internal/grid"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []grid.QueryKey

	grid    func(key grid.QueryKey) (*grid.Grid, error)
	started chan grid.QueryKey
	release chan struct{}
	// blockYear limits blocking on release to one year; zero blocks all.
	blockYear int
}

func (f *fakeFetcher) FetchGrid(ctx context.Context, key grid.QueryKey) (*grid.Grid, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- key
	}
	if f.release != nil && (f.blockYear == 0 || f.blockYear == key.Year) {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.grid != nil {
		return f.grid(key)
	}
	return peakGrid(), nil
}

func (f *fakeFetcher) FetchTimeSeries(ctx context.Context, q grid.SeriesQuery) (*grid.TimeSeries, error) {
	return &grid.TimeSeries{Data: []grid.Series{
		{X: []float64{float64(q.StartYear)}, Y: []float64{1}},
	}}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) years() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.calls))
	for i, k := range f.calls {
		out[i] = k.Year
	}
	return out
}

// peakGrid is zero everywhere except 5 at lat 4, lon 4.
func peakGrid() *grid.Grid {
	axis := []float64{0, 2, 4, 6}
	values := make([][]float64, 4)
	for i := range values {
		values[i] = make([]float64, 4)
	}
	values[2][2] = 5
	return &grid.Grid{Lats: axis, Lons: axis, Values: values}
}

func nanGrid() *grid.Grid {
	g := peakGrid()
	for _, row := range g.Values {
		for j := range row {
			row[j] = math.NaN()
		}
	}
	return g
}

var testKey = grid.QueryKey{Year: 2050, Index: "richness", Scenario: "ssp585", Model: "ipsl"}

func newTestService(t *testing.T, f Fetcher) *MapService {
	t.Helper()
	reg := NewSourceRegistry("")
	reg.Register("diversity", "fake", f)
	svc, err := NewMapService(MapServiceConfig{Sources: reg, FetchTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewMapService: %v", err)
	}
	return svc
}

func TestLoadCachesResult(t *testing.T) {
	f := &fakeFetcher{}
	svc := newTestService(t, f)

	first, err := svc.Load(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := svc.Load(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first != second {
		t.Fatal("expected the cached result pointer on the second load")
	}
	if f.count() != 1 || svc.Fetches() != 1 {
		t.Fatalf("expected 1 fetch, got %d (service counted %d)", f.count(), svc.Fetches())
	}

	t.Run("explicitDefaultSourceSharesEntry", func(t *testing.T) {
		key := testKey
		key.Source = "diversity"
		r, err := svc.Load(context.Background(), key)
		if err != nil || r != first {
			t.Fatalf("expected shared entry, got %p, %v", r, err)
		}
	})

	t.Run("groupIsDistinct", func(t *testing.T) {
		key := testKey
		key.Group = "fish"
		r, err := svc.Load(context.Background(), key)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if r == first || f.count() != 2 {
			t.Fatalf("expected a separate fetch for a group, fetches=%d", f.count())
		}
	})
}

func TestLoadSinglePeak(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{})

	r, err := svc.Load(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Empty {
		t.Fatal("expected a non-empty result")
	}
	if r.Domain != (grid.Domain{Min: 0, Max: 5}) {
		t.Fatalf("unexpected domain %+v", r.Domain)
	}
	if len(r.Points) != 4 {
		t.Fatalf("expected 4 sampled points, got %d", len(r.Points))
	}

	var visible []grid.RenderablePoint
	for _, p := range r.Points {
		if p.Size != 0 {
			visible = append(visible, p)
		}
	}
	if len(visible) != 1 {
		t.Fatalf("expected 1 visible point, got %d", len(visible))
	}
	p := visible[0]
	if p.Lat != 4 || p.Lon != 4 {
		t.Fatalf("visible point at %v,%v", p.Lat, p.Lon)
	}
	if p.Color != "rgb(253, 231, 37)" {
		t.Fatalf("expected top palette color, got %q", p.Color)
	}
	if r.Heatmap[2][2] != p.Color {
		t.Fatalf("heatmap cell %q does not match point color", r.Heatmap[2][2])
	}
	if len(r.Legend.Labels) != len(r.Legend.Colors)+1 {
		t.Fatalf("unexpected legend %+v", r.Legend)
	}
}

func TestLoadEmptyGrid(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{grid: func(grid.QueryKey) (*grid.Grid, error) {
		return nanGrid(), nil
	}})

	r, err := svc.Load(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !r.Empty {
		t.Fatal("expected an empty result")
	}
	if r.Domain != grid.DefaultDomain {
		t.Fatalf("expected default domain, got %+v", r.Domain)
	}
	if r.Points == nil || len(r.Points) != 0 {
		t.Fatalf("expected an empty, non-nil point set, got %v", r.Points)
	}
	if r.Heatmap[0][0] != "rgba(0, 0, 0, 0)" {
		t.Fatalf("expected transparent cells, got %q", r.Heatmap[0][0])
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("unavailableIsNotCached", func(t *testing.T) {
		f := &fakeFetcher{grid: func(grid.QueryKey) (*grid.Grid, error) {
			return nil, fmt.Errorf("%w: connection refused", grid.ErrUnavailable)
		}}
		svc := newTestService(t, f)
		for i := 0; i < 2; i++ {
			if _, err := svc.Load(context.Background(), testKey); !errors.Is(err, grid.ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
		}
		if f.count() != 2 {
			t.Fatalf("expected a retry after failure, got %d fetches", f.count())
		}
	})

	t.Run("malformedGrid", func(t *testing.T) {
		svc := newTestService(t, &fakeFetcher{grid: func(grid.QueryKey) (*grid.Grid, error) {
			return &grid.Grid{Lats: []float64{0, 1}, Lons: []float64{0}, Values: [][]float64{{1}}}, nil
		}})
		if _, err := svc.Load(context.Background(), testKey); !errors.Is(err, grid.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})

	tests := []struct {
		name string
		key  grid.QueryKey
	}{
		{"missingIndex", grid.QueryKey{Year: 2050, Scenario: "ssp585", Model: "ipsl"}},
		{"unknownSource", grid.QueryKey{Year: 2050, Index: "richness", Scenario: "ssp585", Model: "ipsl", Source: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{}
			svc := newTestService(t, f)
			if _, err := svc.Load(context.Background(), tt.key); !errors.Is(err, ErrInvalidQuery) {
				t.Fatalf("expected ErrInvalidQuery, got %v", err)
			}
			if f.count() != 0 {
				t.Fatal("invalid queries must not fetch")
			}
		})
	}
}

func TestLoadDeduplicatesConcurrentFetches(t *testing.T) {
	f := &fakeFetcher{
		started: make(chan grid.QueryKey, 16),
		release: make(chan struct{}),
	}
	svc := newTestService(t, f)

	const n = 8
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Load(context.Background(), testKey)
		}(i)
	}

	<-f.started
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("load %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("load %d returned a different result", i)
		}
	}
	if f.count() != 1 {
		t.Fatalf("expected 1 fetch, got %d", f.count())
	}
}

func TestLoadCallerCancelDetaches(t *testing.T) {
	f := &fakeFetcher{
		started: make(chan grid.QueryKey, 1),
		release: make(chan struct{}),
	}
	svc := newTestService(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := svc.Load(ctx, testKey)
		errCh <- err
	}()

	<-f.started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(f.release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := svc.Cached(testKey); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("detached fetch did not populate the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLegend(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{})

	d, err := svc.Legend("richness", 0, 10)
	if err != nil {
		t.Fatalf("Legend: %v", err)
	}
	if len(d.Colors) != 5 || len(d.Labels) != 6 {
		t.Fatalf("unexpected legend %+v", d)
	}

	if _, err := svc.Legend("richness", 10, 0); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
	if _, err := svc.Legend("richness", math.NaN(), 1); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery for NaN, got %v", err)
	}
}

func TestTimeSeriesDefaultsSource(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{})

	ts, err := svc.TimeSeries(context.Background(), grid.SeriesQuery{
		StartYear: 2020, EndYear: 2030, Index: "richness", Scenario: "ssp585", Model: "ipsl",
	})
	if err != nil {
		t.Fatalf("TimeSeries: %v", err)
	}
	if len(ts.Data) != 1 || ts.Data[0].X[0] != 2020 {
		t.Fatalf("unexpected series %+v", ts)
	}

	_, err = svc.TimeSeries(context.Background(), grid.SeriesQuery{
		StartYear: 2030, EndYear: 2020, Index: "richness", Scenario: "ssp585", Model: "ipsl",
	})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestSourceRegistry(t *testing.T) {
	reg := NewSourceRegistry("")
	reg.Register("diversity", "remote", &fakeFetcher{})
	reg.Register("environment", "netcdf", &fakeFetcher{})
	reg.Register("diversity", "remote", &fakeFetcher{})

	if reg.DefaultID() != "diversity" {
		t.Fatalf("unexpected default %q", reg.DefaultID())
	}
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "diversity" || ids[1] != "environment" {
		t.Fatalf("unexpected order %v", ids)
	}
	if _, ok := reg.Get("environment"); !ok {
		t.Fatal("expected environment fetcher")
	}
	if got := reg.Normalize(grid.QueryKey{}).Source; got != "diversity" {
		t.Fatalf("Normalize filled %q", got)
	}
	if infos := reg.Sources(); infos[1].Backend != "netcdf" {
		t.Fatalf("unexpected infos %+v", infos)
	}
}
