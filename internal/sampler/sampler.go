// Package sampler turns grids into renderable point clouds and color
// matrices.
package sampler

import (
	"github.com/golang/geo/s2"

	"github.com/oceanatlas/server/internal/grid"
	"github.com/oceanatlas/server/pkg/colormap"
)

// DefaultStride keeps every second latitude and longitude.
const DefaultStride = 2

// Altitude is the size given to points that carry a non-zero value.
const Altitude = 0.01

// ColorFunc maps a cell value to a CSS color.
type ColorFunc func(v float64) string

// Sample decimates g for the globe: every stride-th latitude and longitude
// starting at index 0. Missing cells are dropped. Points whose value is
// exactly zero get size 0.
func Sample(g *grid.Grid, stride int, colorAt ColorFunc) []grid.RenderablePoint {
	if stride <= 0 {
		stride = DefaultStride
	}

	nLat := (len(g.Lats) + stride - 1) / stride
	nLon := (len(g.Lons) + stride - 1) / stride
	points := make([]grid.RenderablePoint, 0, nLat*nLon)

	for i := 0; i < len(g.Lats) && i < len(g.Values); i += stride {
		row := g.Values[i]
		for j := 0; j < len(g.Lons) && j < len(row); j += stride {
			v := row[j]
			if !grid.Valid(v) {
				continue
			}

			size := Altitude
			if v == 0 {
				size = 0
			}

			lat, lon := g.Lats[i], g.Lons[j]
			p := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
			points = append(points, grid.RenderablePoint{
				Lat:   lat,
				Lon:   lon,
				Size:  size,
				Color: colorAt(v),
				X:     p.X,
				Y:     p.Y,
				Z:     p.Z,
			})
		}
	}
	return points
}

// Heatmap colors every cell of g for the flat map. Missing cells are
// transparent.
func Heatmap(g *grid.Grid, colorAt ColorFunc) [][]string {
	out := make([][]string, len(g.Values))
	for i, row := range g.Values {
		out[i] = make([]string, len(row))
		for j, v := range row {
			if !grid.Valid(v) {
				out[i][j] = colormap.Transparent
				continue
			}
			out[i][j] = colorAt(v)
		}
	}
	return out
}
