// Package legend builds legend bins and colorbar ticks for a resolved
// domain.
package legend

import (
	"math"
	"strconv"

	"github.com/oceanatlas/server/internal/grid"
	"github.com/oceanatlas/server/pkg/colormap"
)

// Descriptor pairs bin colors with boundary labels. A normal legend has
// one more label than colors; a degenerate one has one of each.
type Descriptor struct {
	Colors []string `json:"colors"`
	Labels []string `json:"labels"`
}

// DynamicPrecision returns the number of decimals used for legend labels
// spanning rangeV.
func DynamicPrecision(rangeV float64) int {
	if rangeV == 0 || math.IsNaN(rangeV) {
		return 2
	}
	mag := math.Floor(math.Log10(math.Abs(rangeV)))
	switch {
	case mag >= 3:
		return 0
	case mag >= 2:
		return 1
	case mag >= 0:
		return 2
	case mag >= -2:
		return 3
	default:
		return 4
	}
}

// ColorbarPrecision returns the number of decimals used for flat-map
// colorbar ticks spanning rangeV.
func ColorbarPrecision(rangeV float64) int {
	abs := math.Abs(rangeV)
	switch {
	case abs >= 1000:
		return 0
	case abs >= 100:
		return 1
	case abs >= 1:
		return 2
	case abs >= 0.01:
		return 3
	default:
		return 4
	}
}

// Format renders v with the given number of decimals.
func Format(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}

// Build derives the legend for d from the palette stops, two per bin.
func Build(d grid.Domain, stops []colormap.Stop) Descriptor {
	if len(stops) == 0 {
		return Descriptor{Colors: []string{}, Labels: []string{}}
	}
	if d.Degenerate() {
		return Descriptor{
			Colors: []string{stops[len(stops)-1].CSS()},
			Labels: []string{Format(d.Min, DynamicPrecision(0))},
		}
	}

	n := len(stops) / 2
	if n == 0 {
		n = 1
	}
	precision := DynamicPrecision(d.Max - d.Min)
	step := (d.Max - d.Min) / float64(n)

	desc := Descriptor{
		Colors: make([]string, 0, n),
		Labels: make([]string, 0, n+1),
	}
	for i := 0; i < n; i++ {
		desc.Colors = append(desc.Colors, stops[min(2*i, len(stops)-1)].CSS())
	}
	for i := 0; i <= n; i++ {
		v := d.Min + float64(i)*step
		if i == n {
			v = d.Max
		}
		desc.Labels = append(desc.Labels, Format(v, precision))
	}
	return desc
}

// Tick is one labelled colorbar position.
type Tick struct {
	Value float64 `json:"value"`
	Label string  `json:"label"`
}

// ColorbarTicks returns numBins+1 evenly spaced ticks between min and max.
func ColorbarTicks(minV, maxV float64, numBins int) []Tick {
	if numBins <= 0 {
		numBins = 1
	}
	precision := ColorbarPrecision(maxV - minV)
	if minV == maxV {
		return []Tick{{Value: minV, Label: Format(minV, precision)}}
	}

	step := (maxV - minV) / float64(numBins)
	ticks := make([]Tick, 0, numBins+1)
	for i := 0; i <= numBins; i++ {
		v := minV + float64(i)*step
		if i == numBins {
			v = maxV
		}
		ticks = append(ticks, Tick{Value: v, Label: Format(v, precision)})
	}
	return ticks
}
