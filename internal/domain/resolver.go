// Package domain resolves the color domain of a grid from a per-metric
// policy table.
package domain

import (
	"math"
	"sort"
	"strings"

	"github.com/oceanatlas/server/internal/grid"
	"github.com/oceanatlas/server/pkg/colormap"
)

// Bounds selects how the sample range of a grid becomes its domain.
type Bounds string

const (
	// Sample uses the raw min/max of the finite cells.
	Sample Bounds = "sample"
	// Symmetric centers the domain on zero.
	Symmetric Bounds = "symmetric"
)

// Policy is the rendering policy of one metric.
type Policy struct {
	Kind    colormap.Kind `json:"kind" yaml:"kind"`
	Bounds  Bounds        `json:"bounds" yaml:"bounds"`
	Palette string        `json:"palette,omitempty" yaml:"palette"`

	// Fixed domains per scenario, applied before Bounds.
	Scenarios map[string]grid.Domain `json:"scenarios,omitempty" yaml:"scenarios"`
}

// DefaultPolicies lists the metrics the dashboard ships with.
var DefaultPolicies = map[string]Policy{
	"richness":              {Kind: colormap.Sequential, Bounds: Sample},
	"shannon":               {Kind: colormap.Sequential, Bounds: Sample},
	"simpson":               {Kind: colormap.Sequential, Bounds: Sample},
	"richnessChange":        {Kind: colormap.Diverging, Bounds: Symmetric},
	"shannonChange":         {Kind: colormap.Diverging, Bounds: Symmetric},
	"simpsonChange":         {Kind: colormap.Diverging, Bounds: Symmetric},
	"seaSurfaceTemperature": {Kind: colormap.Diverging, Bounds: Sample},
	"temperatureChange":     {Kind: colormap.Diverging, Bounds: Symmetric},
	"oxygen":                {Kind: colormap.Sequential, Bounds: Sample, Palette: "ylgnbu"},
	"salinity":              {Kind: colormap.Sequential, Bounds: Sample, Palette: "ylgnbu"},
	"chlorophyll":           {Kind: colormap.Sequential, Bounds: Sample, Palette: "ylgnbu"},
}

// Resolver computes domains and palettes for metrics.
type Resolver struct {
	policies map[string]Policy
}

// NewResolver creates a resolver from DefaultPolicies with overrides applied.
func NewResolver(overrides map[string]Policy) *Resolver {
	policies := make(map[string]Policy, len(DefaultPolicies)+len(overrides))
	for name, p := range DefaultPolicies {
		policies[name] = p
	}
	for name, p := range overrides {
		if p.Kind == "" {
			p.Kind = colormap.Sequential
		}
		if p.Bounds == "" {
			p.Bounds = Sample
		}
		policies[name] = p
	}
	return &Resolver{policies: policies}
}

// Policy returns the policy of metric. Metrics missing from the table are
// classified by name: "Change" or "Temperature" marks a diverging metric.
func (r *Resolver) Policy(metric string) Policy {
	if p, ok := r.policies[metric]; ok {
		return p
	}
	if strings.Contains(metric, "Change") || strings.Contains(metric, "Temperature") {
		return Policy{Kind: colormap.Diverging, Bounds: Symmetric}
	}
	return Policy{Kind: colormap.Sequential, Bounds: Sample}
}

// Policies returns the policy table sorted by metric name.
func (r *Resolver) Policies() []NamedPolicy {
	out := make([]NamedPolicy, 0, len(r.policies))
	for name, p := range r.policies {
		out = append(out, NamedPolicy{Metric: name, Policy: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// NamedPolicy pairs a metric with its policy.
type NamedPolicy struct {
	Metric string `json:"metric"`
	Policy
}

// Palette returns the palette for metric.
func (r *Resolver) Palette(metric string) colormap.Palette {
	p := r.Policy(metric)
	if p.Palette != "" {
		if pal, ok := colormap.Lookup(p.Palette); ok {
			return pal
		}
	}
	return colormap.Default(p.Kind)
}

// Resolve returns the domain for g. A grid without finite cells resolves
// to grid.DefaultDomain.
func (r *Resolver) Resolve(g *grid.Grid, metric, scenario string) grid.Domain {
	d, ok := sampleRange(g)
	if !ok {
		return grid.DefaultDomain
	}

	if g.MinHint != nil && g.MaxHint != nil && grid.Valid(*g.MinHint) && grid.Valid(*g.MaxHint) && *g.MinHint <= *g.MaxHint {
		d = grid.Domain{Min: *g.MinHint, Max: *g.MaxHint}
	}

	p := r.Policy(metric)
	if fixed, ok := p.Scenarios[scenario]; ok && grid.Valid(fixed.Min) && grid.Valid(fixed.Max) && fixed.Min <= fixed.Max {
		d = fixed
	}

	if p.Bounds == Symmetric {
		m := math.Max(math.Abs(d.Min), math.Abs(d.Max))
		d = grid.Domain{Min: -m, Max: m}
	}
	return d
}

func sampleRange(g *grid.Grid) (grid.Domain, bool) {
	minV, maxV := math.Inf(1), math.Inf(-1)
	found := false
	for _, row := range g.Values {
		for _, v := range row {
			if !grid.Valid(v) {
				continue
			}
			found = true
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}
	if !found {
		return grid.Domain{}, false
	}
	return grid.Domain{Min: minV, Max: maxV}, true
}
