package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/oceanatlas/server/internal/grid"
	"github.com/oceanatlas/server/internal/legend"
	"github.com/oceanatlas/server/pkg/colormap"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	if !bytes.HasPrefix(data, pngMagic) {
		t.Fatalf("not a PNG: % x", data[:8])
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	return img
}

func TestRenderMap(t *testing.T) {
	r := NewRenderer(Config{Width: 40, Height: 20})
	stops := colormap.GenerateStops(colormap.Viridis.Colors)

	// Southern row first; the NaN cell is in the south-west corner.
	g := &grid.Grid{
		Lats:   []float64{-45, 45},
		Lons:   []float64{-90, 90},
		Values: [][]float64{{math.NaN(), 0}, {5, 10}},
	}
	img := decode(t, mustRender(t, r, g, stops))

	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Fatalf("unexpected size %v", b)
	}

	tests := []struct {
		name string
		x, y int
		want string
	}{
		{"northEast", 30, 5, "rgb(253, 231, 37)"},
		{"southEast", 30, 15, "rgb(68, 1, 84)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr, cg, cb, _ := img.At(tt.x, tt.y).RGBA()
			got := colormapCSS(cr, cg, cb)
			if got != tt.want {
				t.Fatalf("pixel %d,%d = %s, want %s", tt.x, tt.y, got, tt.want)
			}
		})
	}

	if _, _, _, a := img.At(5, 15).RGBA(); a != 0 {
		t.Fatalf("missing cell should be transparent, alpha=%d", a)
	}
}

func TestRenderMapEmptyGrid(t *testing.T) {
	r := NewRenderer(Config{Width: 200, Height: 100})
	g := &grid.Grid{
		Lats:   []float64{0, 1},
		Lons:   []float64{0, 1},
		Values: [][]float64{{math.NaN(), math.NaN()}, {math.NaN(), math.NaN()}},
	}
	img := decode(t, mustRender(t, r, g, colormap.GenerateStops(colormap.Viridis.Colors)))

	if _, _, _, a := img.At(0, 0).RGBA(); a == 0 {
		t.Fatal("placeholder must not be transparent")
	}
}

func TestRenderLegend(t *testing.T) {
	r := NewRenderer(Config{})
	stops := colormap.GenerateStops(colormap.Viridis.Colors)

	for _, d := range []grid.Domain{{Min: 0, Max: 10}, {Min: 3, Max: 3}} {
		data, err := r.RenderLegend(legend.Build(d, stops))
		if err != nil {
			t.Fatalf("RenderLegend(%+v): %v", d, err)
		}
		img := decode(t, data)
		if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 48 {
			t.Fatalf("unexpected legend size %v", b)
		}
	}

	if _, err := r.RenderLegend(legend.Descriptor{Colors: []string{"blue"}, Labels: []string{"0", "1"}}); err == nil {
		t.Fatal("expected error for an unparseable color")
	}
}

func mustRender(t *testing.T, r *Renderer, g *grid.Grid, stops []colormap.Stop) []byte {
	t.Helper()
	data, err := r.RenderMap(g, grid.Domain{Min: 0, Max: 10}, stops)
	if err != nil {
		t.Fatalf("RenderMap: %v", err)
	}
	return data
}

func colormapCSS(r, g, b uint32) string {
	return colormap.Stop{Color: rgba8(r, g, b)}.CSS()
}

func rgba8(r, g, b uint32) color.RGBA {
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 255}
}
