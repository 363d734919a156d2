// Package config handles configuration loading for the Ocean Atlas server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oceanatlas/server/internal/domain"
)

// Backends understood by the data section.
const (
	BackendRemote = "remote"
	BackendNetCDF = "netcdf"
	BackendZarr   = "zarr"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Data     DataConfig               `yaml:"data"`
	Cache    CacheConfig              `yaml:"cache"`
	Render   RenderConfig             `yaml:"render"`
	Pipeline PipelineConfig           `yaml:"pipeline"`
	Metrics  map[string]domain.Policy `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	DefaultSource  string         `yaml:"default_source"`
	Sources        []SourceConfig `yaml:"sources"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	MaxConns       int            `yaml:"max_conns"`
}

// SourceConfig describes one data source. Remote sources need a URL,
// NetCDF and Zarr sources a root directory.
type SourceConfig struct {
	ID      string `yaml:"id"`
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Root    string `yaml:"root"`
	LatVar  string `yaml:"lat_var"`
	LonVar  string `yaml:"lon_var"`
	YearVar string `yaml:"year_var"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	QueryEntries    int `yaml:"query_entries"`
	ImageSizeMB     int `yaml:"image_size_mb"`
	ImageTTLMinutes int `yaml:"image_ttl_minutes"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Width        int `yaml:"width"`
	Height       int `yaml:"height"`
	LegendWidth  int `yaml:"legend_width"`
	LegendHeight int `yaml:"legend_height"`
}

// PipelineConfig contains map pipeline settings.
type PipelineConfig struct {
	Stride          int   `yaml:"stride"`
	DebounceMS      int   `yaml:"debounce_ms"`
	PrefetchWorkers int   `yaml:"prefetch_workers"`
	Years           []int `yaml:"years"`
}

// Timeout returns the data fetch timeout.
func (c DataConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Debounce returns the viewport quiescence window.
func (c PipelineConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// ImageTTL returns the lifetime of cached images.
func (c CacheConfig) ImageTTL() time.Duration {
	return time.Duration(c.ImageTTLMinutes) * time.Minute
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			DefaultSource: "diversity",
			Sources: []SourceConfig{
				{ID: "diversity", Backend: BackendRemote, URL: "http://localhost:8000/api"},
			},
			TimeoutSeconds: 30,
			MaxConns:       8,
		},
		Cache: CacheConfig{
			QueryEntries:    4096,
			ImageSizeMB:     256,
			ImageTTLMinutes: 10,
		},
		Render: RenderConfig{
			Width:        720,
			Height:       360,
			LegendWidth:  320,
			LegendHeight: 48,
		},
		Pipeline: PipelineConfig{
			Stride:          2,
			DebounceMS:      250,
			PrefetchWorkers: 1,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Sources) == 0 {
		cfg.Data.Sources = defaults.Data.Sources
	}
	for i := range cfg.Data.Sources {
		if cfg.Data.Sources[i].Backend == "" {
			cfg.Data.Sources[i].Backend = BackendRemote
		}
	}
	if cfg.Data.DefaultSource == "" {
		// First source in YAML order is the default
		cfg.Data.DefaultSource = cfg.Data.Sources[0].ID
	}
	if cfg.Data.TimeoutSeconds == 0 {
		cfg.Data.TimeoutSeconds = defaults.Data.TimeoutSeconds
	}
	if cfg.Data.MaxConns == 0 {
		cfg.Data.MaxConns = defaults.Data.MaxConns
	}
	if cfg.Cache.QueryEntries == 0 {
		cfg.Cache.QueryEntries = defaults.Cache.QueryEntries
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = cfg.Render.Width / 2
	}
	if cfg.Render.LegendWidth == 0 {
		cfg.Render.LegendWidth = defaults.Render.LegendWidth
	}
	if cfg.Render.LegendHeight == 0 {
		cfg.Render.LegendHeight = defaults.Render.LegendHeight
	}
	if cfg.Pipeline.Stride == 0 {
		cfg.Pipeline.Stride = defaults.Pipeline.Stride
	}
	if cfg.Pipeline.PrefetchWorkers == 0 {
		cfg.Pipeline.PrefetchWorkers = defaults.Pipeline.PrefetchWorkers
	}
}

// Validate checks the data sources and numeric settings.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Data.Sources))
	for i, s := range c.Data.Sources {
		if s.ID == "" {
			return fmt.Errorf("data source %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate data source %q", s.ID)
		}
		seen[s.ID] = true

		switch s.Backend {
		case BackendRemote:
			if s.URL == "" {
				return fmt.Errorf("data source %q: remote backend needs a url", s.ID)
			}
		case BackendNetCDF, BackendZarr:
			if s.Root == "" {
				return fmt.Errorf("data source %q: %s backend needs a root", s.ID, s.Backend)
			}
		default:
			return fmt.Errorf("data source %q: unknown backend %q", s.ID, s.Backend)
		}
	}
	if !seen[c.Data.DefaultSource] {
		return fmt.Errorf("default source %q is not configured", c.Data.DefaultSource)
	}
	if c.Pipeline.Stride < 0 || c.Pipeline.DebounceMS < 0 {
		return errors.New("pipeline stride and debounce_ms must not be negative")
	}
	for name, p := range c.Metrics {
		if p.Bounds != "" && p.Bounds != domain.Sample && p.Bounds != domain.Symmetric {
			return fmt.Errorf("metric %q: unknown bounds %q", name, p.Bounds)
		}
	}
	return nil
}

// SourceIDs returns all data source IDs in config order.
func (c DataConfig) SourceIDs() []string {
	ids := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		ids[i] = s.ID
	}
	return ids
}
