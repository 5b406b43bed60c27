// Package lod implements a level-of-detail aware tile cache for large
// one-dimensional datasets.
//
// A Loader maps a visible coordinate range and a sampling density (data units
// per pixel) to the tiles covering it at the matching LOD level. Each LOD
// level doubles the span of a tile. Tiles are stored in fixed-size blocks that
// are allocated lazily and kept until Clear. Missing tiles are fetched through
// a Scheduler that bounds the number of in-flight requests and dispatches the
// most recently touched tile first.
package lod

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync"
	"time"
)

// Config holds the tile geometry of a Loader.
type Config struct {
	// TileWidth is the number of LOD-space units covered by one tile.
	TileWidth int64
	// TilesPerBlock is the number of tiles allocated together.
	TilesPerBlock int
	// MaximumX is the data extent. Queries are clamped to [0, MaximumX].
	MaximumX float64
	// MaxActiveRequests bounds in-flight fetches when the loader creates its
	// own scheduler.
	MaxActiveRequests int
}

// BlockSize returns TileWidth·TilesPerBlock.
func (c Config) BlockSize() int64 {
	return c.TileWidth * int64(c.TilesPerBlock)
}

// BlockPayloadHooks create and release the payload shared by the tiles of one
// block. Neither hook may call back into the loader.
type BlockPayloadHooks[B any] struct {
	Create  func(lodLevel int, blockIndex, tileWidth int64, tilesPerBlock int) B
	Release func(B)
}

// Options configures a Loader.
type Options[P, B any] struct {
	Config

	// Fetch populates tiles. Required.
	Fetch FetchFunc[P]

	// BlockPayload is optional; without Create, GetBlockPayload fails.
	BlockPayload BlockPayloadHooks[B]

	// MapLODLevel quantizes requested LOD levels. Defaults to identity.
	MapLODLevel func(level int) int

	// Scheduler lets several loaders share one request budget. When nil the
	// loader creates its own.
	Scheduler *Scheduler[P]

	Logger *slog.Logger
}

// LoaderStats summarises loader storage.
type LoaderStats struct {
	Levels        int            `json:"levels"`
	Blocks        int            `json:"blocks"`
	Tiles         int            `json:"tiles"`
	Empty         int            `json:"empty"`
	Loading       int            `json:"loading"`
	Complete      int            `json:"complete"`
	BlockPayloads int            `json:"block_payloads"`
	MaximumX      float64        `json:"maximum_x"`
	Scheduler     SchedulerStats `json:"scheduler"`
}

// Loader is the tile cache for one logical dataset, such as a track on one
// contig. P is the tile payload type, B the block payload type.
type Loader[P, B any] struct {
	tileWidth     int64
	tilesPerBlock int
	blockSize     int64
	maxLevel      int

	fetch         FetchFunc[P]
	hooks         BlockPayloadHooks[B]
	mapLOD        func(int) int
	scheduler     *Scheduler[P]
	ownsScheduler bool
	logger        *slog.Logger

	mu       sync.Mutex
	maximumX float64
	table    levelTable[P]
}

// NewLoader creates a loader.
func NewLoader[P, B any](opts Options[P, B]) (*Loader[P, B], error) {
	if opts.TileWidth <= 0 {
		return nil, fmt.Errorf("lod: tile width must be positive, got %d", opts.TileWidth)
	}
	if opts.TilesPerBlock <= 0 {
		return nil, fmt.Errorf("lod: tiles per block must be positive, got %d", opts.TilesPerBlock)
	}
	if opts.Fetch == nil {
		return nil, fmt.Errorf("lod: fetch function is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Loader[P, B]{
		tileWidth:     opts.TileWidth,
		tilesPerBlock: opts.TilesPerBlock,
		blockSize:     opts.BlockSize(),
		maxLevel:      MaxLODLevel(opts.TileWidth),
		fetch:         opts.Fetch,
		hooks:         opts.BlockPayload,
		mapLOD:        opts.MapLODLevel,
		scheduler:     opts.Scheduler,
		logger:        opts.Logger,
		maximumX:      opts.MaximumX,
	}
	if l.scheduler == nil {
		l.scheduler = NewScheduler[P](SchedulerOptions{
			MaxActiveRequests: opts.MaxActiveRequests,
			Logger:            opts.Logger,
		})
		l.ownsScheduler = true
	}
	return l, nil
}

// Scheduler returns the scheduler used for fetches.
func (l *Loader[P, B]) Scheduler() *Scheduler[P] { return l.scheduler }

// TileWidth returns the LOD-space width of a tile.
func (l *Loader[P, B]) TileWidth() int64 { return l.tileWidth }

// TilesPerBlock returns the number of tiles per block.
func (l *Loader[P, B]) TilesPerBlock() int { return l.tilesPerBlock }

// MaximumX returns the current data extent.
func (l *Loader[P, B]) MaximumX() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maximumX
}

// SetMaximumX updates the data extent once it becomes known.
func (l *Loader[P, B]) SetMaximumX(x float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maximumX = x
}

// MapLODLevel returns the effective level for a requested level, clamped to
// [0, MaxLODLevel(TileWidth)].
func (l *Loader[P, B]) MapLODLevel(level int) int {
	if l.mapLOD != nil {
		level = l.mapLOD(level)
	}
	return min(max(level, 0), l.maxLevel)
}

// MaxLODLevel returns the highest level whose tile span,
// tileWidth·2^level, still fits in an int64.
func MaxLODLevel(tileWidth int64) int {
	if tileWidth <= 0 {
		return 0
	}
	return 63 - bits.Len64(uint64(tileWidth))
}

// ForEachTile visits the tiles covering [x0, x1] at the LOD level matching
// samplingDensity.
func (l *Loader[P, B]) ForEachTile(x0, x1, samplingDensity float64, loadEmpty bool, visit func(*Tile[P])) {
	l.ForEachTileAtLOD(x0, x1, LODForDensity(samplingDensity), loadEmpty, visit)
}

// ForEachTileAtLOD visits, in ascending order, every tile intersecting
// [x0, x1] at the mapped LOD level. The start is rounded down and the end up,
// so the visited tiles always cover the range. With loadEmpty set each tile is
// touched before it is visited.
func (l *Loader[P, B]) ForEachTileAtLOD(x0, x1 float64, lodLevel int, loadEmpty bool, visit func(*Tile[P])) {
	maxX := l.MaximumX()
	x0 = clamp(x0, 0, maxX)
	x1 = clamp(x1, 0, maxX)
	if !(x1 > x0) {
		return
	}

	level := l.MapLODLevel(lodLevel)
	density := math.Ldexp(1, level)
	lodX0 := int64(math.Floor(x0 / density))
	lodX1 := int64(math.Ceil(x1 / density))

	for lodX := floorDiv(lodX0, l.tileWidth) * l.tileWidth; lodX < lodX1; lodX += l.tileWidth {
		t := l.tileAt(level, lodX)
		if loadEmpty {
			l.scheduler.Touch(t, l.fetch)
		}
		if visit != nil {
			visit(t)
		}
	}
}

// GetTile returns the tile containing x at the LOD level matching
// samplingDensity.
func (l *Loader[P, B]) GetTile(x, samplingDensity float64, loadEmpty bool) *Tile[P] {
	return l.GetTileAtLOD(x, LODForDensity(samplingDensity), loadEmpty)
}

// GetTileAtLOD returns the tile containing x at the mapped LOD level.
func (l *Loader[P, B]) GetTileAtLOD(x float64, lodLevel int, loadEmpty bool) *Tile[P] {
	if x < 0 || math.IsNaN(x) {
		x = 0
	}
	level := l.MapLODLevel(lodLevel)
	t := l.tileAt(level, int64(math.Floor(x/math.Ldexp(1, level))))
	if loadEmpty {
		l.scheduler.Touch(t, l.fetch)
	}
	return t
}

// IsWithinInitializedLODRange reports whether the mapped level for
// samplingDensity is below TopTouchedLOD. A level counts as initialized as
// soon as storage up to it exists, whether or not any tile there has data.
func (l *Loader[P, B]) IsWithinInitializedLODRange(samplingDensity float64) bool {
	level := l.MapLODLevel(LODForDensity(samplingDensity))
	l.mu.Lock()
	defer l.mu.Unlock()
	return level < l.table.top()
}

// TopTouchedLOD returns one past the highest level with allocated storage.
func (l *Loader[P, B]) TopTouchedLOD() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.top()
}

// GetBlockPayload returns the payload shared by the tiles of t's block,
// creating it on first use.
func (l *Loader[P, B]) GetBlockPayload(t *Tile[P]) (B, error) {
	var zero B
	if l.hooks.Create == nil {
		return zero, ErrNoBlockPayloadFactory
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	b := t.block
	if b == nil || b.released || l.table.lookup(b.lodLevel, b.index) != b {
		return zero, fmt.Errorf("block payload for tile %s: %w", t.Key(), ErrTileDetached)
	}
	if !b.hasPayload {
		b.payload = l.hooks.Create(b.lodLevel, b.index, l.tileWidth, l.tilesPerBlock)
		b.hasPayload = true
	}
	p, _ := b.payload.(B)
	return p, nil
}

// Clear releases every block payload and drops all blocks and tiles. No tile
// events fire. Fetches already in flight still settle into the detached tiles.
func (l *Loader[P, B]) Clear() {
	l.mu.Lock()
	var payloads []B
	l.table.each(func(b *Block[P]) {
		if b.hasPayload {
			p, _ := b.payload.(B)
			payloads = append(payloads, p)
			b.payload = nil
			b.hasPayload = false
		}
		b.released = true
	})
	l.table.reset()
	l.mu.Unlock()

	if l.hooks.Release != nil {
		for _, p := range payloads {
			l.hooks.Release(p)
		}
	}
	l.logger.Debug("loader cleared", "block_payloads", len(payloads))
}

// Close clears the loader and stops its scheduler if the loader created it.
func (l *Loader[P, B]) Close() {
	l.Clear()
	if l.ownsScheduler {
		l.scheduler.Close()
	}
}

// FallbackTile returns the finest Complete tile containing x, searching from
// the level matching samplingDensity up to TopTouchedLOD. It never allocates
// storage and returns nil when no level has data for x.
func (l *Loader[P, B]) FallbackTile(x, samplingDensity float64) *Tile[P] {
	if x < 0 || math.IsNaN(x) {
		x = 0
	}
	level := l.MapLODLevel(LODForDensity(samplingDensity))

	l.mu.Lock()
	var candidates []*Tile[P]
	for lvl := level; lvl < l.table.top(); lvl++ {
		if t := l.peekLocked(lvl, int64(math.Floor(x/math.Ldexp(1, lvl)))); t != nil {
			candidates = append(candidates, t)
		}
	}
	l.mu.Unlock()

	for _, t := range candidates {
		if t.State() == StateComplete {
			return t
		}
	}
	return nil
}

// Stats returns storage and scheduler counters.
func (l *Loader[P, B]) Stats() LoaderStats {
	l.mu.Lock()
	st := LoaderStats{
		Levels:   l.table.top(),
		MaximumX: l.maximumX,
	}
	var tiles []*Tile[P]
	l.table.each(func(b *Block[P]) {
		st.Blocks++
		if b.hasPayload {
			st.BlockPayloads++
		}
		tiles = append(tiles, b.tiles...)
	})
	l.mu.Unlock()

	st.Tiles = len(tiles)
	for _, t := range tiles {
		switch t.State() {
		case StateEmpty:
			st.Empty++
		case StateLoading:
			st.Loading++
		case StateComplete:
			st.Complete++
		}
	}
	st.Scheduler = l.scheduler.Stats()
	return st
}

// tileAt returns the tile containing lodX at level, allocating its block.
func (l *Loader[P, B]) tileAt(level int, lodX int64) *Tile[P] {
	l.mu.Lock()
	defer l.mu.Unlock()
	index := floorDiv(lodX, l.blockSize)
	b := l.table.lookup(level, index)
	if b == nil {
		b = newBlock[P](level, index, l.tileWidth, l.tilesPerBlock)
		l.table.insert(b)
	}
	b.MarkUsed(time.Now())
	return b.tiles[floorMod(lodX, l.blockSize)/l.tileWidth]
}

func (l *Loader[P, B]) peekLocked(level int, lodX int64) *Tile[P] {
	b := l.table.lookup(level, floorDiv(lodX, l.blockSize))
	if b == nil {
		return nil
	}
	return b.tiles[floorMod(lodX, l.blockSize)/l.tileWidth]
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EvenLevels rounds a level down to the nearest even level.
func EvenLevels(level int) int {
	return level &^ 1
}

// TwoTier quantizes levels to two tiers: 0 below macroLevel and macroLevel
// at or above it.
func TwoTier(macroLevel int) func(int) int {
	return func(level int) int {
		if level < macroLevel {
			return 0
		}
		return macroLevel
	}
}
