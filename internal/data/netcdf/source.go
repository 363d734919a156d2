// Package netcdf serves grids and time series from local NetCDF files laid
// out as <root>/<source>/<model>/<scenario>/<index>[_<group>].nc.
//
// Each file holds 1-D lat, lon and year variables and a [year][lat][lon]
// variable named after the index.
package netcdf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/oceanatlas/server/internal/grid"
)

// Axes names the coordinate variables.
type Axes struct {
	Lat  string
	Lon  string
	Year string
}

// DefaultAxes matches the files written by the model post-processing.
var DefaultAxes = Axes{Lat: "lat", Lon: "lon", Year: "year"}

// Source reads grids from a directory tree of NetCDF files.
type Source struct {
	root string
	axes Axes
}

// NewSource creates a new NetCDF source rooted at root.
func NewSource(root string, axes Axes) (*Source, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	if axes.Lat == "" {
		axes.Lat = DefaultAxes.Lat
	}
	if axes.Lon == "" {
		axes.Lon = DefaultAxes.Lon
	}
	if axes.Year == "" {
		axes.Year = DefaultAxes.Year
	}
	return &Source{root: root, axes: axes}, nil
}

// FetchGrid reads the grid identified by key.
func (s *Source) FetchGrid(ctx context.Context, key grid.QueryKey) (*grid.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.open(key.Source, key.Model, key.Scenario, key.Index, key.Group)
	if err != nil {
		return nil, err
	}
	defer f.close()

	t, err := f.yearIndex(key.Year)
	if err != nil {
		return nil, err
	}
	values, err := f.plane(key.Index, t)
	if err != nil {
		return nil, err
	}

	g := &grid.Grid{Lats: f.lats, Lons: f.lons, Values: values}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, f.path, err)
	}
	return g, nil
}

// FetchTimeSeries returns the metric and environmental parameter at the cell
// nearest to (q.X, q.Y), followed by their least-squares trend lines.
func (s *Source) FetchTimeSeries(ctx context.Context, q grid.SeriesQuery) (*grid.TimeSeries, error) {
	metric, err := s.series(ctx, q, q.Index, q.Group)
	if err != nil {
		return nil, err
	}

	env := grid.Series{X: []float64{}, Y: []float64{}}
	if q.EnvParam != "" {
		env, err = s.series(ctx, q, q.EnvParam, "")
		if err != nil {
			return nil, err
		}
	}

	return grid.WithTrends(metric, env), nil
}

func (s *Source) series(ctx context.Context, q grid.SeriesQuery, variable, group string) (grid.Series, error) {
	out := grid.Series{X: []float64{}, Y: []float64{}}

	f, err := s.open(q.Source, q.Model, q.Scenario, variable, group)
	if err != nil {
		return out, err
	}
	defer f.close()

	i := nearest(f.lats, q.Y)
	j := nearest(f.lons, q.X)
	if i < 0 || j < 0 {
		return out, fmt.Errorf("%w: %s has empty axes", grid.ErrUnavailable, f.path)
	}

	for t, year := range f.years {
		if year < float64(q.StartYear) || year > float64(q.EndYear) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		values, err := f.plane(variable, int64(t))
		if err != nil {
			return out, err
		}
		if i >= len(values) || j >= len(values[i]) {
			return out, fmt.Errorf("%w: %s: cell %d,%d out of range", grid.ErrUnavailable, f.path, i, j)
		}
		v := values[i][j]
		if !grid.Valid(v) {
			continue
		}
		out.X = append(out.X, year)
		out.Y = append(out.Y, v)
	}
	return out, nil
}

type file struct {
	path  string
	nc    api.Group
	lats  []float64
	lons  []float64
	years []float64
}

func (s *Source) open(source, model, scenario, variable, group string) (*file, error) {
	for _, part := range []string{source, model, scenario, variable, group} {
		if strings.ContainsAny(part, `/\`) || part == ".." || part == "." {
			return nil, fmt.Errorf("%w: invalid path component %q", grid.ErrUnavailable, part)
		}
	}
	name := variable
	if group != "" {
		name += "_" + group
	}
	path := filepath.Join(s.root, source, model, scenario, name+".nc")

	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, path, err)
	}
	f := &file{path: path, nc: nc}

	if f.lats, err = f.axis(s.axes.Lat); err != nil {
		nc.Close()
		return nil, err
	}
	if f.lons, err = f.axis(s.axes.Lon); err != nil {
		nc.Close()
		return nil, err
	}
	if f.years, err = f.axis(s.axes.Year); err != nil {
		nc.Close()
		return nil, err
	}
	return f, nil
}

func (f *file) close() {
	f.nc.Close()
}

func (f *file) axis(name string) ([]float64, error) {
	vg, err := f.nc.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: missing axis %q: %v", grid.ErrUnavailable, f.path, name, err)
	}
	v, err := vg.Values()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, f.path, err)
	}
	out, err := floats(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: axis %q: %v", grid.ErrUnavailable, f.path, name, err)
	}
	return out, nil
}

func (f *file) yearIndex(year int) (int64, error) {
	for t, y := range f.years {
		if int(math.Round(y)) == year {
			return int64(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %s has no year %d", grid.ErrUnavailable, f.path, year)
}

// plane reads time step t of variable with fill values replaced by NaN.
func (f *file) plane(variable string, t int64) ([][]float64, error) {
	vg, err := f.nc.GetVarGetter(variable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: missing variable %q: %v", grid.ErrUnavailable, f.path, variable, err)
	}
	v, err := vg.GetSlice(t, t+1)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, f.path, err)
	}
	values, err := firstPlane(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: variable %q: %v", grid.ErrUnavailable, f.path, variable, err)
	}

	fills := fillValues(vg.Attributes())
	for _, row := range values {
		for j, x := range row {
			if isFill(x, fills) {
				row[j] = math.NaN()
			}
		}
	}
	return values, nil
}

// defaultFloatFill is the NetCDF default fill for float variables.
const defaultFloatFill = 9.9692099683868690e+36

func isFill(v float64, fills []float64) bool {
	if math.Abs(v) >= defaultFloatFill*0.999 {
		return true
	}
	for _, f := range fills {
		if v == f || (math.IsNaN(f) && math.IsNaN(v)) {
			return true
		}
	}
	return false
}

func fillValues(attrs api.AttributeMap) []float64 {
	if attrs == nil {
		return nil
	}
	var out []float64
	for _, name := range []string{"_FillValue", "missing_value"} {
		v, ok := attrs.Get(name)
		if !ok {
			continue
		}
		if x, err := scalar(v); err == nil {
			out = append(out, x)
			continue
		}
		if xs, err := floats(v); err == nil {
			out = append(out, xs...)
		}
	}
	return out
}

type number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

func convert[T number](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func convertPlane[T number](in [][][]T) ([][]float64, error) {
	if len(in) == 0 {
		return nil, errors.New("empty slice")
	}
	out := make([][]float64, len(in[0]))
	for i, row := range in[0] {
		out[i] = convert(row)
	}
	return out, nil
}

func floats(v interface{}) ([]float64, error) {
	switch t := v.(type) {
	case []float64:
		return convert(t), nil
	case []float32:
		return convert(t), nil
	case []int64:
		return convert(t), nil
	case []int32:
		return convert(t), nil
	case []int16:
		return convert(t), nil
	case []int8:
		return convert(t), nil
	case []uint8:
		return convert(t), nil
	case []uint16:
		return convert(t), nil
	case []uint32:
		return convert(t), nil
	default:
		return nil, fmt.Errorf("unsupported axis type %T", v)
	}
}

func scalar(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("unsupported scalar type %T", v)
	}
}

func firstPlane(v interface{}) ([][]float64, error) {
	switch t := v.(type) {
	case [][][]float64:
		return convertPlane(t)
	case [][][]float32:
		return convertPlane(t)
	case [][][]int32:
		return convertPlane(t)
	case [][][]int16:
		return convertPlane(t)
	case [][][]int8:
		return convertPlane(t)
	case [][][]uint8:
		return convertPlane(t)
	default:
		return nil, fmt.Errorf("expected a [year][lat][lon] variable, got %T", v)
	}
}

// nearest returns the index of the axis value closest to v, or -1.
func nearest(axis []float64, v float64) int {
	best := -1
	for i, a := range axis {
		if best < 0 || math.Abs(a-v) < math.Abs(axis[best]-v) {
			best = i
		}
	}
	return best
}
