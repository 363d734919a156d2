// Package api provides HTTP handlers for the Ocean Atlas server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/oceanatlas/server/internal/cache"
	"github.com/oceanatlas/server/internal/grid"
	"github.com/oceanatlas/server/internal/legend"
	"github.com/oceanatlas/server/internal/render"
	"github.com/oceanatlas/server/internal/sampler"
	"github.com/oceanatlas/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.MapService
	Sources     *service.SourceRegistry
	Viewport    *service.Viewport
	Prefetcher  *service.Prefetcher
	Renderer    *render.Renderer
	Images      *cache.ImageCache
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Viewport == nil {
		cfg.Viewport = service.NewViewport(cfg.Service, nil)
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewRenderer(render.Config{})
	}
	h := &handlers{cfg: cfg}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/sources", h.sources)
		r.Get("/metrics", h.metrics)
		r.Get("/stats", h.stats)

		r.Get("/map", h.mapJSON)
		r.Get("/map.png", h.mapImage)
		r.Get("/globe", h.globe)
		r.Get("/legend", h.legend)
		r.Get("/legend.png", h.legendImage)
		r.Get("/colorbar", h.colorbar)
		r.Get("/timeseries", h.timeSeries)

		// Superseding per-view requests
		r.Get("/views/{view}", h.selection)
		r.Get("/views/{view}/map", h.viewMap)
	})

	return r
}

type handlers struct {
	cfg RouterConfig
}

type mapResponse struct {
	*service.Result
	Lats   []float64  `json:"lats"`
	Lons   []float64  `json:"lons"`
	Colors [][]string `json:"colors"`
}

type globeResponse struct {
	*service.Result
	Stride int                    `json:"stride"`
	Points []grid.RenderablePoint `json:"points"`
}

func newMapResponse(res *service.Result) mapResponse {
	return mapResponse{Result: res, Lats: res.Lats, Lons: res.Lons, Colors: res.Heatmap}
}

func (h *handlers) sources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default": h.cfg.Sources.DefaultID(),
		"sources": h.cfg.Sources.Sources(),
	})
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": h.cfg.Service.Resolver().Policies(),
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.cfg.Service.Stats()
	if h.cfg.Images != nil {
		stats["image_cache_len"] = h.cfg.Images.Len()
		stats["image_cache_bytes"] = h.cfg.Images.Capacity()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) load(w http.ResponseWriter, r *http.Request) (*service.Result, bool) {
	key, err := parseKey(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	res, err := h.cfg.Service.Load(r.Context(), key)
	if err != nil {
		writeLoadError(w, err)
		return nil, false
	}
	if h.cfg.Prefetcher != nil {
		h.cfg.Prefetcher.Around(res.Key)
	}
	return res, true
}

func (h *handlers) mapJSON(w http.ResponseWriter, r *http.Request) {
	res, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newMapResponse(res))
}

func (h *handlers) globe(w http.ResponseWriter, r *http.Request) {
	stride := 0
	if s := r.URL.Query().Get("stride"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid stride")
			return
		}
		stride = n
	}

	res, ok := h.load(w, r)
	if !ok {
		return
	}

	resp := globeResponse{Result: res, Stride: h.cfg.Service.Stride(), Points: res.Points}
	if stride > 0 && stride != resp.Stride && !res.Empty {
		resp.Stride = stride
		resp.Points = sampler.Sample(res.Grid, stride, res.ColorAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) mapImage(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.cfg.Service.Load(r.Context(), key)
	if err != nil {
		if errors.Is(err, grid.ErrUnavailable) {
			// Keep the map slot visible with an explanation.
			data, rerr := h.cfg.Renderer.RenderPlaceholder("Data unavailable")
			if rerr == nil {
				w.Header().Set("Content-Type", "image/png")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusBadGateway)
				w.Write(data)
				return
			}
		}
		writeLoadError(w, err)
		return
	}

	width, height := h.cfg.Renderer.Size()
	imageKey := cache.ImageKey("map", res.Key.String(), res.Palette, width, height)
	if h.cfg.Images != nil {
		if data, ok := h.cfg.Images.Get(imageKey); ok {
			writePNG(w, data)
			return
		}
	}

	data, err := h.cfg.Renderer.RenderMap(res.Grid, res.Domain, res.Stops)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.cfg.Images != nil {
		if err := h.cfg.Images.Set(imageKey, data); err != nil {
			log.Printf("[API] failed to cache %s: %v", imageKey, err)
		}
	}
	writePNG(w, data)
}

func (h *handlers) legend(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.parseLegend(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (h *handlers) legendImage(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.parseLegend(w, r)
	if !ok {
		return
	}
	data, err := h.cfg.Renderer.RenderLegend(desc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePNG(w, data)
}

func (h *handlers) parseLegend(w http.ResponseWriter, r *http.Request) (legend.Descriptor, bool) {
	q := r.URL.Query()
	metric := q.Get("index")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "missing index")
		return legend.Descriptor{}, false
	}
	minV, maxV, err := parseRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return legend.Descriptor{}, false
	}
	desc, err := h.cfg.Service.Legend(metric, minV, maxV)
	if err != nil {
		writeLoadError(w, err)
		return legend.Descriptor{}, false
	}
	return desc, true
}

func (h *handlers) colorbar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minV, maxV, err := parseRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bins := 5
	if s := q.Get("bins"); s != "" {
		bins, err = strconv.Atoi(s)
		if err != nil || bins < 1 || bins > 100 {
			writeError(w, http.StatusBadRequest, "invalid bins")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticks": legend.ColorbarTicks(minV, maxV, bins),
	})
}

func (h *handlers) timeSeries(w http.ResponseWriter, r *http.Request) {
	sq, err := parseSeriesQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ts, err := h.cfg.Service.TimeSeries(r.Context(), sq)
	if err != nil {
		writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *handlers) viewMap(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.cfg.Viewport.Request(r.Context(), chi.URLParam(r, "view"), key)
	if errors.Is(err, service.ErrSuperseded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeLoadError(w, err)
		return
	}
	if h.cfg.Prefetcher != nil {
		h.cfg.Prefetcher.Around(res.Key)
	}
	writeJSON(w, http.StatusOK, newMapResponse(res))
}

func (h *handlers) selection(w http.ResponseWriter, r *http.Request) {
	sel, ok := h.cfg.Viewport.Selection(chi.URLParam(r, "view"))
	if !ok {
		writeError(w, http.StatusNotFound, "view not found")
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func parseKey(q url.Values) (grid.QueryKey, error) {
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		return grid.QueryKey{}, errors.New("invalid year")
	}
	key := grid.QueryKey{
		Year:     year,
		Index:    strings.TrimSpace(q.Get("index")),
		Group:    strings.TrimSpace(q.Get("group")),
		Scenario: strings.TrimSpace(q.Get("scenario")),
		Model:    strings.TrimSpace(q.Get("model")),
		Source:   strings.TrimSpace(q.Get("source")),
	}
	return key, nil
}

func parseRange(q url.Values) (float64, float64, error) {
	minV, err := strconv.ParseFloat(q.Get("min"), 64)
	if err != nil {
		return 0, 0, errors.New("invalid min")
	}
	maxV, err := strconv.ParseFloat(q.Get("max"), 64)
	if err != nil {
		return 0, 0, errors.New("invalid max")
	}
	if !grid.Valid(minV) || !grid.Valid(maxV) || minV > maxV {
		return 0, 0, errors.New("invalid range")
	}
	return minV, maxV, nil
}

func parseSeriesQuery(q url.Values) (grid.SeriesQuery, error) {
	var sq grid.SeriesQuery
	var err error
	if sq.X, err = strconv.ParseFloat(q.Get("x"), 64); err != nil || !grid.Valid(sq.X) {
		return sq, errors.New("invalid x")
	}
	if sq.Y, err = strconv.ParseFloat(q.Get("y"), 64); err != nil || !grid.Valid(sq.Y) {
		return sq, errors.New("invalid y")
	}
	if sq.StartYear, err = strconv.Atoi(q.Get("startYear")); err != nil {
		return sq, errors.New("invalid startYear")
	}
	if sq.EndYear, err = strconv.Atoi(q.Get("endYear")); err != nil {
		return sq, errors.New("invalid endYear")
	}
	sq.Index = q.Get("index")
	sq.Group = q.Get("group")
	sq.Scenario = q.Get("scenario")
	sq.Model = q.Get("model")
	sq.EnvParam = q.Get("envParam")
	sq.Source = q.Get("source")
	return sq, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLoadError maps pipeline errors to HTTP statuses. Fetch failures are
// reported only as unavailable; details stay in the server log.
func writeLoadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, grid.ErrUnavailable):
		writeError(w, http.StatusBadGateway, grid.ErrUnavailable.Error())
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		log.Printf("[API] request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}
