// Package main is the entry point for the Ocean Atlas map server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oceanatlas/server/internal/api"
	"github.com/oceanatlas/server/internal/cache"
	"github.com/oceanatlas/server/internal/config"
	"github.com/oceanatlas/server/internal/data/netcdf"
	"github.com/oceanatlas/server/internal/data/remote"
	"github.com/oceanatlas/server/internal/data/zarr"
	"github.com/oceanatlas/server/internal/domain"
	"github.com/oceanatlas/server/internal/render"
	"github.com/oceanatlas/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Ocean Atlas server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize data sources
	sources := service.NewSourceRegistry(cfg.Data.DefaultSource)
	log.Printf("Initializing %d data source(s), default: %s", len(cfg.Data.Sources), cfg.Data.DefaultSource)
	for _, sc := range cfg.Data.Sources {
		fetcher, err := newFetcher(sc, cfg.Data)
		if err != nil {
			log.Fatalf("Failed to initialize data source %q: %v", sc.ID, err)
		}
		if c, ok := fetcher.(interface{ Close() }); ok {
			defer c.Close()
		}
		sources.Register(sc.ID, sc.Backend, fetcher)
	}

	// Initialize caches
	queryCache, err := cache.NewQueryCache[*service.Result](cfg.Cache.QueryEntries)
	if err != nil {
		log.Fatalf("Failed to initialize query cache: %v", err)
	}
	images, err := cache.NewImageCache(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         cfg.Cache.ImageTTL(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize image cache: %v", err)
	}
	defer images.Close()

	mapService, err := service.NewMapService(service.MapServiceConfig{
		Sources:      sources,
		Resolver:     domain.NewResolver(cfg.Metrics),
		Cache:        queryCache,
		Stride:       cfg.Pipeline.Stride,
		FetchTimeout: cfg.Data.Timeout(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize map service: %v", err)
	}

	var prefetcher *service.Prefetcher
	if len(cfg.Pipeline.Years) > 0 {
		prefetcher = service.NewPrefetcher(service.PrefetcherConfig{
			Workers: cfg.Pipeline.PrefetchWorkers,
			Years:   cfg.Pipeline.Years,
		}, mapService)
		prefetcher.Start()
		defer prefetcher.Stop()
		log.Printf("Prefetcher: workers=%d, years=%v", cfg.Pipeline.PrefetchWorkers, cfg.Pipeline.Years)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:    mapService,
		Sources:    sources,
		Viewport:   service.NewViewport(mapService, service.NewDebouncer(cfg.Pipeline.Debounce())),
		Prefetcher: prefetcher,
		Renderer: render.NewRenderer(render.Config{
			Width:        cfg.Render.Width,
			Height:       cfg.Render.Height,
			LegendWidth:  cfg.Render.LegendWidth,
			LegendHeight: cfg.Render.LegendHeight,
		}),
		Images:      images,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func newFetcher(sc config.SourceConfig, dc config.DataConfig) (service.Fetcher, error) {
	switch sc.Backend {
	case config.BackendNetCDF:
		src, err := netcdf.NewSource(sc.Root, netcdf.Axes{Lat: sc.LatVar, Lon: sc.LonVar, Year: sc.YearVar})
		if err != nil {
			return nil, err
		}
		log.Printf("  [%s] NetCDF files under: %s", sc.ID, sc.Root)
		return src, nil
	case config.BackendZarr:
		r, err := zarr.NewReader(sc.Root)
		if err != nil {
			return nil, err
		}
		log.Printf("  [%s] Zarr stores under: %s", sc.ID, sc.Root)
		return r, nil
	default:
		client, err := remote.NewClient(sc.URL, dc.Timeout(), dc.MaxConns)
		if err != nil {
			return nil, err
		}
		log.Printf("  [%s] Data service: %s", sc.ID, sc.URL)
		return client, nil
	}
}
