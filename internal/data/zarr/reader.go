// Package zarr serves grids from Zarr v3 stores laid out as
// <root>/<source>/<model>/<scenario>/<index>[_<group>].zarr.
//
// Each store holds 1-D lat, lon and year arrays and a [year][lat][lon] array
// named after the index. Chunks are little-endian and either uncompressed or
// compressed with zstd or gzip.
package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/oceanatlas/server/internal/grid"
)

// Reader provides access to gridded Zarr stores.
type Reader struct {
	root    string
	decoder *zstd.Decoder

	// Cached array metadata by array path
	mu    sync.RWMutex
	metas map[string]*ArrayMeta
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	Codecs     []Codec     `json:"codecs"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// Codec is one entry of an array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// NewReader creates a new Zarr reader rooted at root.
func NewReader(root string) (*Reader, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{
		root:    root,
		decoder: decoder,
		metas:   make(map[string]*ArrayMeta),
	}, nil
}

// Close releases the zstd decoder.
func (r *Reader) Close() {
	r.decoder.Close()
}

// FetchGrid reads the grid identified by key.
func (r *Reader) FetchGrid(ctx context.Context, key grid.QueryKey) (*grid.Grid, error) {
	st, err := r.open(key.Source, key.Model, key.Scenario, key.Index, key.Group)
	if err != nil {
		return nil, err
	}

	t := -1
	for i, y := range st.years {
		if int(math.Round(y)) == key.Year {
			t = i
			break
		}
	}
	if t < 0 {
		return nil, fmt.Errorf("%w: %s has no year %d", grid.ErrUnavailable, st.path, key.Year)
	}

	values, err := r.plane(ctx, st, key.Index, t)
	if err != nil {
		return nil, err
	}

	g := &grid.Grid{Lats: st.lats, Lons: st.lons, Values: values}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, st.path, err)
	}
	return g, nil
}

// FetchTimeSeries returns the metric and environmental parameter at the cell
// nearest to (q.X, q.Y), followed by their trend lines.
func (r *Reader) FetchTimeSeries(ctx context.Context, q grid.SeriesQuery) (*grid.TimeSeries, error) {
	metric, err := r.series(ctx, q, q.Index, q.Group)
	if err != nil {
		return nil, err
	}

	env := grid.Series{X: []float64{}, Y: []float64{}}
	if q.EnvParam != "" {
		if env, err = r.series(ctx, q, q.EnvParam, ""); err != nil {
			return nil, err
		}
	}
	return grid.WithTrends(metric, env), nil
}

func (r *Reader) series(ctx context.Context, q grid.SeriesQuery, variable, group string) (grid.Series, error) {
	out := grid.Series{X: []float64{}, Y: []float64{}}

	st, err := r.open(q.Source, q.Model, q.Scenario, variable, group)
	if err != nil {
		return out, err
	}
	i, j := nearest(st.lats, q.Y), nearest(st.lons, q.X)
	if i < 0 || j < 0 {
		return out, fmt.Errorf("%w: %s has empty axes", grid.ErrUnavailable, st.path)
	}

	for t, year := range st.years {
		if year < float64(q.StartYear) || year > float64(q.EndYear) {
			continue
		}
		values, err := r.plane(ctx, st, variable, t)
		if err != nil {
			return out, err
		}
		if v := values[i][j]; grid.Valid(v) {
			out.X = append(out.X, year)
			out.Y = append(out.Y, v)
		}
	}
	return out, nil
}

type store struct {
	path  string
	lats  []float64
	lons  []float64
	years []float64
}

func (r *Reader) open(source, model, scenario, variable, group string) (*store, error) {
	for _, part := range []string{source, model, scenario, variable, group} {
		if strings.ContainsAny(part, `/\`) || part == ".." || part == "." {
			return nil, fmt.Errorf("%w: invalid path component %q", grid.ErrUnavailable, part)
		}
	}
	name := variable
	if group != "" {
		name += "_" + group
	}
	st := &store{path: filepath.Join(r.root, source, model, scenario, name+".zarr")}

	var err error
	if st.lats, err = r.vector(st.path, "lat"); err != nil {
		return nil, err
	}
	if st.lons, err = r.vector(st.path, "lon"); err != nil {
		return nil, err
	}
	if st.years, err = r.vector(st.path, "year"); err != nil {
		return nil, err
	}
	return st, nil
}

// vector reads a whole 1-D array.
func (r *Reader) vector(storePath, name string) ([]float64, error) {
	arrayPath := filepath.Join(storePath, name)
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) != 1 {
		return nil, fmt.Errorf("%w: %s: expected a 1-D array, got shape %v", grid.ErrUnavailable, arrayPath, meta.Shape)
	}

	n := meta.Shape[0]
	chunkLen := meta.ChunkGrid.Configuration.ChunkShape[0]
	out := make([]float64, n)
	for c := 0; c*chunkLen < n; c++ {
		data, shape, err := r.readChunkAt(arrayPath, meta, []int{c})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, arrayPath, err)
		}
		for k := 0; k < shape[0] && c*chunkLen+k < n; k++ {
			if data == nil {
				out[c*chunkLen+k] = math.NaN()
				continue
			}
			out[c*chunkLen+k] = decodeValue(meta.DataType, data, k)
		}
	}
	return out, nil
}

// plane reads time step t of a [year][lat][lon] array. Fill values and
// missing chunks become NaN.
func (r *Reader) plane(ctx context.Context, st *store, name string, t int) ([][]float64, error) {
	arrayPath := filepath.Join(st.path, name)
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) != 3 || meta.Shape[1] != len(st.lats) || meta.Shape[2] != len(st.lons) {
		return nil, fmt.Errorf("%w: %s: shape %v does not match %dx%d axes", grid.ErrUnavailable, arrayPath, meta.Shape, len(st.lats), len(st.lons))
	}
	fill, hasFill := fillValue(meta)

	nLat, nLon := meta.Shape[1], meta.Shape[2]
	cs := meta.ChunkGrid.Configuration.ChunkShape
	out := make([][]float64, nLat)
	for i := range out {
		out[i] = make([]float64, nLon)
	}

	ct, tOff := t/cs[0], t%cs[0]
	for ci := 0; ci*cs[1] < nLat; ci++ {
		for cj := 0; cj*cs[2] < nLon; cj++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			data, shape, err := r.readChunkAt(arrayPath, meta, []int{ct, ci, cj})
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, arrayPath, err)
			}
			for li := 0; li < shape[1] && ci*cs[1]+li < nLat; li++ {
				row := out[ci*cs[1]+li]
				for lj := 0; lj < shape[2] && cj*cs[2]+lj < nLon; lj++ {
					v := math.NaN()
					if data != nil {
						v = decodeValue(meta.DataType, data, (tOff*shape[1]+li)*shape[2]+lj)
						if hasFill && (v == fill || (math.IsNaN(fill) && math.IsNaN(v))) {
							v = math.NaN()
						}
					}
					row[cj*cs[2]+lj] = v
				}
			}
		}
	}
	return out, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	r.mu.RLock()
	meta, ok := r.metas[arrayPath]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrUnavailable, err)
	}
	meta = &ArrayMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, arrayPath, err)
	}
	if err := validateMeta(meta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", grid.ErrUnavailable, arrayPath, err)
	}

	r.mu.Lock()
	r.metas[arrayPath] = meta
	r.mu.Unlock()
	return meta, nil
}

func validateMeta(meta *ArrayMeta) error {
	if meta.ZarrFormat != 3 || meta.NodeType != "array" {
		return fmt.Errorf("not a zarr v3 array (format %d, node %q)", meta.ZarrFormat, meta.NodeType)
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return fmt.Errorf("shape %v does not match chunk shape %v", meta.Shape, meta.ChunkGrid.Configuration.ChunkShape)
	}
	for _, c := range meta.ChunkGrid.Configuration.ChunkShape {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape %v", meta.ChunkGrid.Configuration.ChunkShape)
		}
	}
	if _, err := dtypeSize(meta.DataType); err != nil {
		return err
	}
	switch meta.ChunkKeyEncoding.Name {
	case "", "default", "v2":
	default:
		return fmt.Errorf("unsupported chunk key encoding %q", meta.ChunkKeyEncoding.Name)
	}
	if sep := chunkKeySeparator(meta); sep != "/" && sep != "." {
		return fmt.Errorf("unsupported chunk key separator %q", sep)
	}
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes":
			if endian, _ := c.Configuration["endian"].(string); endian == "big" {
				return fmt.Errorf("big-endian chunks are not supported")
			}
		case "zstd", "gzip":
		default:
			return fmt.Errorf("unsupported codec %q", c.Name)
		}
	}
	return nil
}

// readChunk reads and decompresses a chunk from Zarr v3 format.
func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, chunkKey string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, filepath.FromSlash(chunkKey)))
	if err != nil {
		return nil, err
	}

	// Bytes-to-bytes codecs are undone in reverse order.
	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		switch meta.Codecs[i].Name {
		case "zstd":
			if data, err = r.decoder.DecodeAll(data, nil); err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			data, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		}
	}
	return data, nil
}

// encodeChunkKey returns the chunk's path relative to the array directory.
// The default encoding prefixes the indices with "c" ("c/0/1" or "c.0.1");
// the v2 encoding joins them bare ("0.1" or "0/1").
func (r *Reader) encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := chunkKeySeparator(meta)
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	if meta.ChunkKeyEncoding.Name == "v2" {
		return strings.Join(parts, sep)
	}
	return "c" + sep + strings.Join(parts, sep)
}

func chunkKeySeparator(meta *ArrayMeta) string {
	if sep := meta.ChunkKeyEncoding.Configuration.Separator; sep != "" {
		return sep
	}
	if meta.ChunkKeyEncoding.Name == "v2" {
		return "."
	}
	return "/"
}

// chunkShapeAt returns the shape of a chunk clipped to the array bounds.
func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		if remaining := meta.Shape[d] - start; remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}
	return actual, nil
}

// readChunkAt returns the decoded chunk and the shape its bytes are laid out
// in. Edge chunks are normally padded to the full chunk shape; writers that
// store them clipped are accepted too. A chunk absent from disk returns nil
// data, meaning every cell holds the fill value.
func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) ([]byte, []int, error) {
	clipped, err := chunkShapeAt(meta, chunkIndices)
	if err != nil {
		return nil, nil, err
	}

	data, err := r.readChunk(arrayPath, meta, r.encodeChunkKey(meta, chunkIndices))
	if os.IsNotExist(err) {
		return nil, clipped, nil
	}
	if err != nil {
		return nil, nil, err
	}

	size, _ := dtypeSize(meta.DataType)
	full := meta.ChunkGrid.Configuration.ChunkShape
	switch len(data) {
	case product(full) * size:
		return data, full, nil
	case product(clipped) * size:
		return data, clipped, nil
	default:
		return nil, nil, fmt.Errorf("chunk %v has %d bytes, expected %d", chunkIndices, len(data), product(full)*size)
	}
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "int16", "uint16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// decodeValue decodes element k of a little-endian chunk.
func decodeValue(dataType string, data []byte, k int) float64 {
	le := binary.LittleEndian
	switch dataType {
	case "int16":
		return float64(int16(le.Uint16(data[2*k:])))
	case "uint16":
		return float64(le.Uint16(data[2*k:]))
	case "float32":
		return float64(math.Float32frombits(le.Uint32(data[4*k:])))
	case "int32":
		return float64(int32(le.Uint32(data[4*k:])))
	case "uint32":
		return float64(le.Uint32(data[4*k:]))
	case "float64":
		return math.Float64frombits(le.Uint64(data[8*k:]))
	case "int64":
		return float64(int64(le.Uint64(data[8*k:])))
	case "uint64":
		return float64(le.Uint64(data[8*k:]))
	}
	return math.NaN()
}

// fillValue returns the array's fill value. Floating point fills may be
// given as "NaN", "Infinity" or "-Infinity".
func fillValue(meta *ArrayMeta) (float64, bool) {
	switch v := meta.FillValue.(type) {
	case float64:
		if meta.DataType == "float32" {
			return float64(float32(v)), true
		}
		return v, true
	case string:
		switch v {
		case "NaN":
			return math.NaN(), true
		case "Infinity":
			return math.Inf(1), true
		case "-Infinity":
			return math.Inf(-1), true
		}
	}
	return 0, false
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
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
