// Package config handles configuration loading for the track server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Track kinds.
const (
	TrackSignal     = "signal"
	TrackAnnotation = "annotation"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Loader LoaderConfig `yaml:"loader"`
	Cache  CacheConfig  `yaml:"cache"`
	Source SourceConfig `yaml:"source"`
	Data   DataConfig   `yaml:"data"`
	Warmup WarmupConfig `yaml:"warmup"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// LoaderConfig contains tile geometry and request scheduling settings.
type LoaderConfig struct {
	TileWidth         int `yaml:"tile_width"`
	TilesPerBlock     int `yaml:"tiles_per_block"`
	MaxActiveRequests int `yaml:"max_active_requests"`
	MaxLoaders        int `yaml:"max_loaders"`
	WaitTimeoutMS     int `yaml:"wait_timeout_ms"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
	QueryCacheSize int `yaml:"query_cache_size"`
}

// SourceConfig throttles reads against the data sources.
type SourceConfig struct {
	MaxReadsPerSec float64 `yaml:"max_reads_per_sec"`
	Burst          int     `yaml:"burst"`
}

// WarmupConfig contains settings for background warm-up jobs.
type WarmupConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// TrackConfig describes one track of a dataset.
type TrackConfig struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	ZarrPath   string `yaml:"zarr_path"`
	SQLitePath string `yaml:"sqlite_path"`
	// MacroLOD splits annotation tracks into a detailed tier below it and an
	// overview tier at and above it.
	MacroLOD int `yaml:"macro_lod"`
}

// DatasetConfig lists the tracks of one dataset.
type DatasetConfig struct {
	Tracks []TrackConfig `yaml:"tracks"`
}

// DataConfig holds all datasets in the order they appear in the file.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// DatasetIDs returns dataset IDs in config order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// UnmarshalYAML accepts either a mapping of dataset ID to dataset, or a
// single dataset with a top-level tracks list, which becomes "default".
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil

	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected mapping, got %v", node.Tag)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "tracks" {
			var ds DatasetConfig
			if err := node.Decode(&ds); err != nil {
				return fmt.Errorf("data: %w", err)
			}
			d.Datasets["default"] = ds
			d.order = []string{"default"}
			d.DefaultDataset = "default"
			return nil
		}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
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
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
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
		Loader: LoaderConfig{
			TileWidth:         1024,
			TilesPerBlock:     8,
			MaxActiveRequests: 4,
			MaxLoaders:        64,
			WaitTimeoutMS:     5000,
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			QueryCacheSize: 1000,
		},
		Source: SourceConfig{
			MaxReadsPerSec: 0,
			Burst:          16,
		},
		Warmup: WarmupConfig{
			SQLitePath:    "./data/warmup_jobs.sqlite",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": {},
			},
			order: []string{"default"},
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
	if cfg.Loader.TileWidth == 0 {
		cfg.Loader.TileWidth = defaults.Loader.TileWidth
	}
	if cfg.Loader.TilesPerBlock == 0 {
		cfg.Loader.TilesPerBlock = defaults.Loader.TilesPerBlock
	}
	if cfg.Loader.MaxActiveRequests == 0 {
		cfg.Loader.MaxActiveRequests = defaults.Loader.MaxActiveRequests
	}
	if cfg.Loader.MaxLoaders == 0 {
		cfg.Loader.MaxLoaders = defaults.Loader.MaxLoaders
	}
	if cfg.Loader.WaitTimeoutMS == 0 {
		cfg.Loader.WaitTimeoutMS = defaults.Loader.WaitTimeoutMS
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Source.Burst == 0 {
		cfg.Source.Burst = defaults.Source.Burst
	}
	if cfg.Warmup.SQLitePath == "" {
		cfg.Warmup.SQLitePath = defaults.Warmup.SQLitePath
	}
	if cfg.Warmup.MaxConcurrent == 0 {
		cfg.Warmup.MaxConcurrent = defaults.Warmup.MaxConcurrent
	}
	if cfg.Warmup.RetentionDays == 0 {
		cfg.Warmup.RetentionDays = defaults.Warmup.RetentionDays
	}
	if len(cfg.Data.order) == 0 {
		cfg.Data = defaults.Data
	}
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	if c.Loader.TileWidth < 0 || c.Loader.TilesPerBlock < 0 {
		return fmt.Errorf("loader: tile_width and tiles_per_block must be positive")
	}
	for _, id := range c.Data.order {
		seen := make(map[string]bool)
		for _, tr := range c.Data.Datasets[id].Tracks {
			if tr.ID == "" {
				return fmt.Errorf("dataset %q: track with empty id", id)
			}
			if seen[tr.ID] {
				return fmt.Errorf("dataset %q: duplicate track %q", id, tr.ID)
			}
			seen[tr.ID] = true

			switch tr.Type {
			case TrackSignal:
				if tr.ZarrPath == "" {
					return fmt.Errorf("dataset %q track %q: signal tracks need zarr_path", id, tr.ID)
				}
			case TrackAnnotation:
				if tr.SQLitePath == "" {
					return fmt.Errorf("dataset %q track %q: annotation tracks need sqlite_path", id, tr.ID)
				}
			default:
				return fmt.Errorf("dataset %q track %q: unknown type %q", id, tr.ID, tr.Type)
			}
		}
	}
	return nil
}
