// Package colormap provides color schemes for visualization.
package colormap

import (
	"fmt"
	"image/color"
	"math"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Kind distinguishes one-directional palettes from signed ones.
type Kind string

const (
	Sequential Kind = "sequential"
	Diverging  Kind = "diverging"
)

// Transparent is returned for values that carry no data.
const Transparent = "rgba(0, 0, 0, 0)"

// Palette is an ordered list of hex colors.
type Palette struct {
	Name   string   `json:"name"`
	Kind   Kind     `json:"kind"`
	Colors []string `json:"colors"`
}

// Stop is one boundary of a color bin.
type Stop struct {
	Pos   float64
	Color color.RGBA
}

// CSS returns the stop color as an rgb() string.
func (s Stop) CSS() string {
	return css(s.Color)
}

// GenerateStops partitions [0, 1] into len(colors) equal-width bins and
// returns two stops per bin, both carrying that bin's color. Colors that
// fail to parse are rendered black.
func GenerateStops(colors []string) []Stop {
	n := len(colors)
	stops := make([]Stop, 0, 2*n)
	for i, hex := range colors {
		c, err := ParseHex(hex)
		if err != nil {
			c = color.RGBA{A: 255}
		}
		start := float64(i) / float64(n)
		end := float64(i+1) / float64(n)
		if i == n-1 {
			end = 1
		}
		stops = append(stops, Stop{Pos: start, Color: c}, Stop{Pos: end, Color: c})
	}
	return stops
}

// Interpolate maps value within [min, max] to an rgb() string.
// Non-finite values map to Transparent.
func Interpolate(value, min, max float64, stops []Stop) string {
	c, ok := At(value, min, max, stops)
	if !ok {
		return Transparent
	}
	return css(c)
}

// At is Interpolate for renderers that need a color.RGBA. The boolean is
// false when value carries no data.
func At(value, min, max float64, stops []Stop) (color.RGBA, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) || len(stops) == 0 {
		return color.RGBA{}, false
	}
	if min == max {
		return stops[len(stops)-1].Color, true
	}

	t := (value - min) / (max - min)
	if t <= stops[0].Pos {
		return stops[0].Color, true
	}
	if t >= stops[len(stops)-1].Pos {
		return stops[len(stops)-1].Color, true
	}

	for i := 0; i+1 < len(stops); i += 2 {
		start, end := stops[i], stops[i+1]
		if t < start.Pos || t > end.Pos {
			continue
		}
		frac := 0.0
		if end.Pos > start.Pos {
			frac = (t - start.Pos) / (end.Pos - start.Pos)
		}
		return lerp(start.Color, end.Color, frac), true
	}

	// t fell into a rounding gap between bins; snap to the closest boundary.
	best := 0
	for i := range stops {
		if math.Abs(stops[i].Pos-t) < math.Abs(stops[best].Pos-t) {
			best = i
		}
	}
	return stops[best].Color, true
}

func lerp(c1, c2 color.RGBA, t float64) color.RGBA {
	ch := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + t*(float64(b)-float64(a))))
	}
	return color.RGBA{
		R: ch(c1.R, c2.R),
		G: ch(c1.G, c2.G),
		B: ch(c1.B, c2.B),
		A: 255,
	}
}

// ParseHex parses a 3- or 6-digit hex color with or without a leading '#'.
func ParseHex(s string) (color.RGBA, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(digits) != 3 && len(digits) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	for _, r := range digits {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
		}
	}
	if len(digits) == 3 {
		digits = string([]byte{digits[0], digits[0], digits[1], digits[1], digits[2], digits[2]})
	}

	c, err := colorful.Hex("#" + strings.ToLower(digits))
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// ParseCSS parses the rgb() and rgba() strings produced by this package.
func ParseCSS(s string) (color.RGBA, error) {
	s = strings.TrimSpace(s)
	if s == Transparent {
		return color.RGBA{}, nil
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "rgb(%d, %d, %d)", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("invalid css color %q: %w", s, err)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

func css(c color.RGBA) string {
	return fmt.Sprintf("rgb(%d, %d, %d)", c.R, c.G, c.B)
}

// Viridis is a five-step sequential palette.
var Viridis = Palette{
	Name:   "viridis",
	Kind:   Sequential,
	Colors: []string{"#440154", "#3b528b", "#21918c", "#5ec962", "#fde725"},
}

// YlGnBu is a seven-step sequential palette used for environmental layers.
var YlGnBu = Palette{
	Name:   "ylgnbu",
	Kind:   Sequential,
	Colors: []string{"#ffffcc", "#c7e9b4", "#7fcdbb", "#41b6c4", "#1d91c0", "#225ea8", "#0c2c84"},
}

// RdBu is a diverging palette, blue for negative and red for positive.
var RdBu = Palette{
	Name:   "rdbu",
	Kind:   Diverging,
	Colors: []string{"#2166ac", "#67a9cf", "#d1e5f0", "#f7f7f7", "#fddbc7", "#ef8a62", "#b2182b"},
}

var palettes = map[string]Palette{
	Viridis.Name: Viridis,
	YlGnBu.Name:  YlGnBu,
	RdBu.Name:    RdBu,
}

// Lookup returns a built-in palette by name.
func Lookup(name string) (Palette, bool) {
	p, ok := palettes[strings.ToLower(name)]
	return p, ok
}

// Default returns the default palette for kind.
func Default(kind Kind) Palette {
	if kind == Diverging {
		return RdBu
	}
	return Viridis
}
