// Package render draws maps and legends as PNG images using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/oceanatlas/server/internal/grid"
	"github.com/oceanatlas/server/internal/legend"
	"github.com/oceanatlas/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Width        int
	Height       int
	LegendWidth  int
	LegendHeight int
}

// NoData is drawn on maps whose grid has no finite cells.
const NoData = "No data available"

var (
	placeholderBackground = color.RGBA{R: 240, G: 240, B: 240, A: 255}
	textColor             = color.RGBA{R: 60, G: 60, B: 60, A: 255}
)

// Renderer renders map and legend images.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = 720
	}
	if cfg.Height <= 0 {
		cfg.Height = cfg.Width / 2
	}
	if cfg.LegendWidth <= 0 {
		cfg.LegendWidth = 320
	}
	if cfg.LegendHeight <= 0 {
		cfg.LegendHeight = 48
	}

	return &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Size returns the map image size.
func (r *Renderer) Size() (int, int) {
	return r.config.Width, r.config.Height
}

// RenderMap draws g as an equirectangular heatmap with north up. Missing
// cells are transparent. A grid without finite cells gives the no-data
// placeholder.
func (r *Renderer) RenderMap(g *grid.Grid, d grid.Domain, stops []colormap.Stop) ([]byte, error) {
	if g.Empty() {
		return r.RenderPlaceholder(NoData)
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.Transparent)
	dc.Clear()

	nLat, nLon := len(g.Lats), len(g.Lons)
	colors := make([][]color.RGBA, nLat)
	for i, row := range g.Values {
		colors[i] = make([]color.RGBA, nLon)
		for j, v := range row {
			if c, ok := colormap.At(v, d.Min, d.Max, stops); ok {
				colors[i][j] = c
			}
		}
	}

	northUp := nLat < 2 || g.Lats[0] < g.Lats[nLat-1]
	westLeft := nLon < 2 || g.Lons[0] < g.Lons[nLon-1]

	img := dc.Image().(*image.RGBA)
	w, h := r.config.Width, r.config.Height
	for y := 0; y < h; y++ {
		i := y * nLat / h
		if northUp {
			i = nLat - 1 - i
		}
		for x := 0; x < w; x++ {
			j := x * nLon / w
			if !westLeft {
				j = nLon - 1 - j
			}
			img.SetRGBA(x, y, colors[i][j])
		}
	}

	return r.encodeContext(dc)
}

// RenderPlaceholder draws msg centered on a plain background.
func (r *Renderer) RenderPlaceholder(msg string) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(placeholderBackground)
	dc.Clear()
	dc.SetColor(textColor)
	dc.DrawStringAnchored(msg, float64(r.config.Width)/2, float64(r.config.Height)/2, 0.5, 0.5)

	return r.encodeContext(dc)
}

// RenderLegend draws a horizontal legend strip: one box per color with the
// labels underneath the bin boundaries.
func (r *Renderer) RenderLegend(desc legend.Descriptor) ([]byte, error) {
	w, h := float64(r.config.LegendWidth), float64(r.config.LegendHeight)
	dc := gg.NewContext(r.config.LegendWidth, r.config.LegendHeight)
	dc.SetColor(color.White)
	dc.Clear()

	if len(desc.Colors) == 0 {
		return r.encodeContext(dc)
	}

	const margin = 12.0
	barHeight := h / 2
	boxWidth := (w - 2*margin) / float64(len(desc.Colors))
	for i, css := range desc.Colors {
		c, err := colormap.ParseCSS(css)
		if err != nil {
			return nil, err
		}
		dc.SetColor(c)
		dc.DrawRectangle(margin+float64(i)*boxWidth, 2, boxWidth, barHeight)
		dc.Fill()
	}

	dc.SetColor(textColor)
	labelY := barHeight + 4
	if len(desc.Labels) == 1 {
		dc.DrawStringAnchored(desc.Labels[0], w/2, labelY, 0.5, 1)
		return r.encodeContext(dc)
	}
	for i, label := range desc.Labels {
		dc.DrawStringAnchored(label, margin+float64(i)*boxWidth, labelY, 0.5, 1)
	}
	return r.encodeContext(dc)
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
