// Package grid defines the gridded fields and query parameters shared by the
// map pipeline.
package grid

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrUnavailable reports that the data service could not deliver a grid.
	ErrUnavailable = errors.New("data unavailable")
	// ErrInvalidGrid reports a grid whose axes and matrix disagree.
	ErrInvalidGrid = errors.New("invalid grid")
)

// Grid is a variable[lat][lon] matrix paired with its axes. Missing cells
// hold NaN. A Grid is not modified after it has been received.
type Grid struct {
	Lats   []float64
	Lons   []float64
	Values [][]float64

	// Optional bounds supplied by the data service.
	MinHint *float64
	MaxHint *float64
}

type wireGrid struct {
	Lats     []float64    `json:"lats"`
	Lons     []float64    `json:"lons"`
	Variable [][]*float64 `json:"variable"`
	MinValue *float64     `json:"minValue,omitempty"`
	MaxValue *float64     `json:"maxValue,omitempty"`
}

// UnmarshalJSON decodes the data service's grid shape; null cells become NaN.
func (g *Grid) UnmarshalJSON(data []byte) error {
	var w wireGrid
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	values := make([][]float64, len(w.Variable))
	for i, row := range w.Variable {
		values[i] = make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				values[i][j] = math.NaN()
			} else {
				values[i][j] = *v
			}
		}
	}
	*g = Grid{
		Lats:    w.Lats,
		Lons:    w.Lons,
		Values:  values,
		MinHint: w.MinValue,
		MaxHint: w.MaxValue,
	}
	return nil
}

// Validate checks that the matrix matches the axes and that both axes are
// strictly monotonic.
func (g *Grid) Validate() error {
	if len(g.Values) != len(g.Lats) {
		return fmt.Errorf("%w: %d rows for %d latitudes", ErrInvalidGrid, len(g.Values), len(g.Lats))
	}
	for i, row := range g.Values {
		if len(row) != len(g.Lons) {
			return fmt.Errorf("%w: row %d has %d cells for %d longitudes", ErrInvalidGrid, i, len(row), len(g.Lons))
		}
	}
	if !monotonic(g.Lats) {
		return fmt.Errorf("%w: latitudes not strictly monotonic", ErrInvalidGrid)
	}
	if !monotonic(g.Lons) {
		return fmt.Errorf("%w: longitudes not strictly monotonic", ErrInvalidGrid)
	}
	return nil
}

func monotonic(axis []float64) bool {
	if len(axis) < 2 {
		return true
	}
	up := axis[1] > axis[0]
	for i := 1; i < len(axis); i++ {
		if up && !(axis[i] > axis[i-1]) {
			return false
		}
		if !up && !(axis[i] < axis[i-1]) {
			return false
		}
	}
	return true
}

// Valid reports whether v is a usable cell value.
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ValidCount returns the number of finite cells.
func (g *Grid) ValidCount() int {
	n := 0
	for _, row := range g.Values {
		for _, v := range row {
			if Valid(v) {
				n++
			}
		}
	}
	return n
}

// Empty reports whether the grid has no finite cells.
func (g *Grid) Empty() bool {
	return g.ValidCount() == 0
}

// Domain is the numeric range used to normalize values onto a color scale.
type Domain struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Degenerate reports whether the domain collapses to a single value.
func (d Domain) Degenerate() bool {
	return d.Min == d.Max
}

// DefaultDomain is used when a grid has no finite values.
var DefaultDomain = Domain{Min: 0, Max: 1}

// QueryKey identifies one grid from the data service.
type QueryKey struct {
	Year     int    `json:"year"`
	Index    string `json:"index"`
	Group    string `json:"group,omitempty"`
	Scenario string `json:"scenario"`
	Model    string `json:"model"`
	Source   string `json:"source"`
}

// String joins all parameters in a fixed order. An absent group keeps its
// empty slot so it never collides with a named group.
func (k QueryKey) String() string {
	return strings.Join([]string{
		strconv.Itoa(k.Year),
		k.Index,
		k.Group,
		k.Scenario,
		k.Model,
		k.Source,
	}, "|")
}

// Validate checks the required parameters.
func (k QueryKey) Validate() error {
	switch {
	case k.Index == "":
		return errors.New("missing index")
	case k.Scenario == "":
		return errors.New("missing scenario")
	case k.Model == "":
		return errors.New("missing model")
	case k.Source == "":
		return errors.New("missing source")
	}
	return nil
}

// RenderablePoint is one globe point.
type RenderablePoint struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Size  float64 `json:"size"`
	Color string  `json:"color"`

	// Position on the unit sphere.
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}
