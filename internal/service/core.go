package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/genome-tiles/server/internal/lod"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrOutOfRange is returned for positions outside a contig.
var ErrOutOfRange = errors.New("position out of range")

// contigLoader is the loader of one contig. evicted is set once the entry
// leaves the registry so queued fetches can bail out without touching the
// source.
type contigLoader[P, B any] struct {
	contig  string
	loader  *lod.Loader[P, B]
	evicted atomic.Bool
}

// trackCore holds what signal and annotation tracks share: a scheduler for
// all contigs, an LRU of contig loaders and the query paths.
type trackCore[P, B any] struct {
	id     string
	kind   string
	opts   Options
	logger *slog.Logger
	sched  *lod.Scheduler[P]

	// newLoader builds the loader of a contig. It must not touch tiles.
	newLoader func(ctx context.Context, e *contigLoader[P, B]) (*lod.Loader[P, B], error)
	// render fills the data fields of a Complete tile's view.
	render func(e *contigLoader[P, B], t *lod.Tile[P], payload P, v *TileView)

	mu      sync.Mutex
	loaders *lru.Cache[string, *contigLoader[P, B]]
}

func newTrackCore[P, B any](id, kind string, opts Options) (*trackCore[P, B], error) {
	opts.applyDefaults()
	logger := opts.Logger.With("track", id)

	c := &trackCore[P, B]{
		id:     id,
		kind:   kind,
		opts:   opts,
		logger: logger,
		sched: lod.NewScheduler[P](lod.SchedulerOptions{
			MaxActiveRequests: opts.MaxActiveRequests,
			Logger:            logger,
		}),
	}
	loaders, err := lru.NewWithEvict[string, *contigLoader[P, B]](opts.MaxLoaders, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create loader registry: %w", err)
	}
	c.loaders = loaders
	return c, nil
}

func (c *trackCore[P, B]) onEvict(contig string, e *contigLoader[P, B]) {
	e.evicted.Store(true)
	e.loader.Close()
	c.logger.Debug("contig loader released", "contig", contig)
}

// ID returns the track ID.
func (c *trackCore[P, B]) ID() string { return c.id }

// Kind returns the track kind.
func (c *trackCore[P, B]) Kind() string { return c.kind }

func (c *trackCore[P, B]) loader(ctx context.Context, contig string) (*contigLoader[P, B], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.loaders.Get(contig); ok {
		return e, nil
	}
	e := &contigLoader[P, B]{contig: contig}
	l, err := c.newLoader(ctx, e)
	if err != nil {
		return nil, err
	}
	e.loader = l
	c.loaders.Add(contig, e)
	c.logger.Debug("contig loader created", "contig", contig, "maximum_x", l.MaximumX())
	return e, nil
}

// fetchFunc adapts a blocking read into a loader fetch function.
func (c *trackCore[P, B]) fetchFunc(e *contigLoader[P, B], read func(ctx context.Context, t *lod.Tile[P]) (P, error)) lod.FetchFunc[P] {
	return func(ctx context.Context, t *lod.Tile[P]) *lod.Future[P] {
		if e.evicted.Load() {
			return lod.Rejected[P](errLoaderEvicted)
		}
		return lod.Go(ctx, func(ctx context.Context) (P, error) {
			return read(ctx, t)
		})
	}
}

// loaderOptions returns the shared part of every contig loader's options.
func (c *trackCore[P, B]) loaderOptions(maximumX float64) lod.Options[P, B] {
	return lod.Options[P, B]{
		Config: lod.Config{
			TileWidth:     c.opts.TileWidth,
			TilesPerBlock: c.opts.TilesPerBlock,
			MaximumX:      maximumX,
		},
		Scheduler: c.sched,
		Logger:    c.logger,
	}
}

// Tiles touches and returns the tiles covering [x0, x1].
func (c *trackCore[P, B]) Tiles(ctx context.Context, contig string, x0, x1, density float64, wait bool) (*TilesResult, error) {
	e, err := c.loader(ctx, contig)
	if err != nil {
		return nil, err
	}

	var tiles []*lod.Tile[P]
	e.loader.ForEachTile(x0, x1, density, true, func(t *lod.Tile[P]) {
		tiles = append(tiles, t)
	})
	if wait {
		c.wait(ctx, tiles)
	}

	res := &TilesResult{
		Track:  c.id,
		Contig: contig,
		LOD:    e.loader.MapLODLevel(lod.LODForDensity(density)),
		Tiles:  make([]TileView, 0, len(tiles)),
	}
	for _, t := range tiles {
		res.Tiles = append(res.Tiles, c.view(e, t, true))
	}
	return res, nil
}

// Tile touches and returns the tile containing x at lodLevel.
func (c *trackCore[P, B]) Tile(ctx context.Context, contig string, x float64, lodLevel int, wait bool) (*TileView, error) {
	e, err := c.loader(ctx, contig)
	if err != nil {
		return nil, err
	}
	if x < 0 || x >= e.loader.MaximumX() || math.IsNaN(x) {
		return nil, fmt.Errorf("%w: %s:%v", ErrOutOfRange, contig, x)
	}

	t := e.loader.GetTileAtLOD(x, lodLevel, true)
	if wait {
		c.wait(ctx, []*lod.Tile[P]{t})
	}
	v := c.view(e, t, true)
	return &v, nil
}

// wait blocks until every tile settled or the wait timeout passed.
func (c *trackCore[P, B]) wait(ctx context.Context, tiles []*lod.Tile[P]) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.WaitTimeout)
	defer cancel()
	for _, t := range tiles {
		_, _ = t.Wait(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *trackCore[P, B]) view(e *contigLoader[P, B], t *lod.Tile[P], withFallback bool) TileView {
	state := t.State()
	v := TileView{
		Key:   t.Key(),
		LOD:   t.LODLevel(),
		LODX:  t.LODX(),
		X:     t.X(),
		Span:  t.Span(),
		State: state.String(),
	}
	if payload, ok := t.Payload(); ok {
		c.render(e, t, payload, &v)
		return v
	}
	if err := t.LastError(); err != nil && state == lod.StateEmpty {
		v.Error = err.Error()
	}
	if withFallback {
		center := float64(t.X()) + float64(t.Span())/2
		if fb := e.loader.FallbackTile(center, math.Ldexp(1, t.LODLevel())); fb != nil && fb != t {
			fv := c.view(e, fb, false)
			v.Fallback = &fv
		}
	}
	return v
}

// Clear releases the loader of contig.
func (c *trackCore[P, B]) Clear(contig string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaders.Remove(contig)
}

// Stats returns scheduler and per-contig loader counters.
func (c *trackCore[P, B]) Stats() TrackStats {
	st := TrackStats{
		ID:        c.id,
		Kind:      c.kind,
		Scheduler: c.sched.Stats(),
		Contigs:   make(map[string]lod.LoaderStats),
	}
	for _, contig := range c.loaders.Keys() {
		if e, ok := c.loaders.Peek(contig); ok {
			st.Contigs[contig] = e.loader.Stats()
		}
	}
	return st
}

func (c *trackCore[P, B]) shutdown() {
	c.mu.Lock()
	c.loaders.Purge()
	c.mu.Unlock()
	c.sched.Close()
}
