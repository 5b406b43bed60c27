// Package service exposes genome tracks backed by LOD tile loaders.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/genome-tiles/server/internal/cache"
	"github.com/genome-tiles/server/internal/lod"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned for contigs a track has no data for.
var ErrNotFound = errors.New("not found")

// errLoaderEvicted rejects fetches still queued for an evicted contig loader.
var errLoaderEvicted = errors.New("contig loader evicted")

// Track is one data track of a dataset.
type Track interface {
	ID() string
	Kind() string
	// Tiles touches and returns the tiles covering [x0, x1] at the level
	// matching density.
	Tiles(ctx context.Context, contig string, x0, x1, density float64, wait bool) (*TilesResult, error)
	// Tile touches and returns the tile containing x at lodLevel.
	Tile(ctx context.Context, contig string, x float64, lodLevel int, wait bool) (*TileView, error)
	// Clear drops the loader of a contig. It reports whether one existed.
	Clear(contig string) bool
	Stats() TrackStats
	Close() error
}

// Options configures the loaders of a track.
type Options struct {
	TileWidth         int64
	TilesPerBlock     int
	MaxActiveRequests int
	// MaxLoaders bounds the number of contigs with live loaders.
	MaxLoaders int
	// WaitTimeout bounds how long a waiting request blocks on tile loads.
	WaitTimeout time.Duration
	// Namespace prefixes cache keys, e.g. "<dataset>/<track>".
	Namespace string
	Cache     *cache.Manager
	Limiter   *rate.Limiter
	Logger    *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.TileWidth <= 0 {
		o.TileWidth = 1024
	}
	if o.TilesPerBlock <= 0 {
		o.TilesPerBlock = 8
	}
	if o.MaxLoaders <= 0 {
		o.MaxLoaders = 64
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// TileView is the JSON form of a tile.
type TileView struct {
	Key   string `json:"key"`
	LOD   int    `json:"lod"`
	LODX  int64  `json:"lod_x"`
	X     int64  `json:"x"`
	Span  int64  `json:"span"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
	// Range is the value range over the loaded tiles of the tile's block.
	Range *ValueRange `json:"range,omitempty"`
	// Fallback is the finest coarser tile with data, for tiles still loading.
	Fallback *TileView `json:"fallback,omitempty"`
}

// TilesResult is the response to a range query.
type TilesResult struct {
	Track  string     `json:"track"`
	Contig string     `json:"contig"`
	LOD    int        `json:"lod"`
	Tiles  []TileView `json:"tiles"`
}

// TrackStats reports loader and scheduler counters.
type TrackStats struct {
	ID        string                     `json:"id"`
	Kind      string                     `json:"kind"`
	Scheduler lod.SchedulerStats         `json:"scheduler"`
	Contigs   map[string]lod.LoaderStats `json:"contigs"`
	// Summaries counts live block summaries, signal tracks only.
	Summaries int64 `json:"summaries,omitempty"`
}

// NewSourceLimiter returns a limiter for source reads. A non-positive rate
// means unlimited.
func NewSourceLimiter(readsPerSec float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if readsPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(readsPerSec), burst)
}
