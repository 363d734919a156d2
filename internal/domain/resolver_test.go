package domain

import (
	"math"
	"testing"

	"github.com/oceanatlas/server/internal/grid"
	"github.com/oceanatlas/server/pkg/colormap"
)

func testGrid(values ...[]float64) *grid.Grid {
	lats := make([]float64, len(values))
	for i := range lats {
		lats[i] = float64(i)
	}
	var lons []float64
	if len(values) > 0 {
		lons = make([]float64, len(values[0]))
		for i := range lons {
			lons[i] = float64(i)
		}
	}
	return &grid.Grid{Lats: lats, Lons: lons, Values: values}
}

func TestResolveSample(t *testing.T) {
	r := NewResolver(nil)
	nan := math.NaN()

	g := testGrid([]float64{nan, 3, 1}, []float64{7, nan, math.Inf(1)})
	d := r.Resolve(g, "richness", "ssp585")
	if d != (grid.Domain{Min: 1, Max: 7}) {
		t.Fatalf("unexpected domain %+v", d)
	}
}

func TestResolveSymmetric(t *testing.T) {
	r := NewResolver(nil)

	g := testGrid([]float64{-2, 5}, []float64{1, 0})
	d := r.Resolve(g, "richnessChange", "ssp126")
	if d != (grid.Domain{Min: -5, Max: 5}) {
		t.Fatalf("unexpected domain %+v", d)
	}
}

func TestResolveAllInvalid(t *testing.T) {
	r := NewResolver(nil)
	nan := math.NaN()

	for _, metric := range []string{"richness", "richnessChange", "unknown"} {
		d := r.Resolve(testGrid([]float64{nan, nan}), metric, "ssp585")
		if d != grid.DefaultDomain {
			t.Fatalf("%s: expected default domain, got %+v", metric, d)
		}
	}
	if d := r.Resolve(&grid.Grid{}, "richness", ""); d != grid.DefaultDomain {
		t.Fatalf("empty grid: expected default domain, got %+v", d)
	}
}

func TestResolveDegenerate(t *testing.T) {
	r := NewResolver(nil)
	nan := math.NaN()

	d := r.Resolve(testGrid([]float64{nan, 4}, []float64{nan, nan}), "richness", "")
	if d.Min != 4 || d.Max != 4 || !d.Degenerate() {
		t.Fatalf("unexpected degenerate domain %+v", d)
	}

	d = r.Resolve(testGrid([]float64{0, 0}), "temperatureChange", "")
	if d.Min != 0 || d.Max != 0 || math.IsNaN(d.Min) {
		t.Fatalf("unexpected symmetric degenerate domain %+v", d)
	}
}

func TestResolveHintsAndScenarioOverride(t *testing.T) {
	r := NewResolver(map[string]Policy{
		"richness": {
			Kind:      colormap.Sequential,
			Bounds:    Sample,
			Scenarios: map[string]grid.Domain{"ssp585": {Min: 0, Max: 100}},
		},
	})

	lo, hi := -1.0, 20.0
	g := testGrid([]float64{2, 3})
	g.MinHint, g.MaxHint = &lo, &hi

	if d := r.Resolve(g, "richness", "ssp126"); d != (grid.Domain{Min: -1, Max: 20}) {
		t.Fatalf("expected hinted domain, got %+v", d)
	}
	if d := r.Resolve(g, "richness", "ssp585"); d != (grid.Domain{Min: 0, Max: 100}) {
		t.Fatalf("expected scenario domain, got %+v", d)
	}
}

func TestPolicyClassification(t *testing.T) {
	r := NewResolver(map[string]Policy{"customIndex": {Kind: colormap.Diverging}})

	tests := []struct {
		metric  string
		kind    colormap.Kind
		bounds  Bounds
		palette string
	}{
		{"richness", colormap.Sequential, Sample, "viridis"},
		{"richnessChange", colormap.Diverging, Symmetric, "rdbu"},
		{"seaSurfaceTemperature", colormap.Diverging, Sample, "rdbu"},
		{"oxygen", colormap.Sequential, Sample, "ylgnbu"},
		{"fooChange", colormap.Diverging, Symmetric, "rdbu"},
		{"bottomTemperature", colormap.Diverging, Symmetric, "rdbu"},
		{"biomass", colormap.Sequential, Sample, "viridis"},
		{"customIndex", colormap.Diverging, Sample, "rdbu"},
	}
	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			p := r.Policy(tt.metric)
			if p.Kind != tt.kind || p.Bounds != tt.bounds {
				t.Fatalf("unexpected policy %+v", p)
			}
			if got := r.Palette(tt.metric).Name; got != tt.palette {
				t.Fatalf("unexpected palette %q, want %q", got, tt.palette)
			}
		})
	}
}

func TestPoliciesSorted(t *testing.T) {
	ps := NewResolver(nil).Policies()
	if len(ps) != len(DefaultPolicies) {
		t.Fatalf("expected %d policies, got %d", len(DefaultPolicies), len(ps))
	}
	for i := 1; i < len(ps); i++ {
		if ps[i-1].Metric >= ps[i].Metric {
			t.Fatalf("policies not sorted at %d", i)
		}
	}
}
