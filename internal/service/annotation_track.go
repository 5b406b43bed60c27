package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/genome-tiles/server/internal/cache"
	"github.com/genome-tiles/server/internal/config"
	"github.com/genome-tiles/server/internal/data/annotstore"
	"github.com/genome-tiles/server/internal/lod"
)

// DefaultMaxFeaturesPerTile caps the features returned for one tile.
const DefaultMaxFeaturesPerTile = 1000

type features = []annotstore.Feature

// AnnotationTrack serves intervals from an annotation store. Levels are
// quantized to a detail tier and an overview tier starting at MacroLOD; the
// overview tier hides features shorter than one value at that level.
type AnnotationTrack struct {
	*trackCore[features, struct{}]
	store       *annotstore.Store
	macroLOD    int
	maxFeatures int
	gate        sourceGate
}

// AnnotationOptions adds annotation settings to Options.
type AnnotationOptions struct {
	Options
	MacroLOD           int
	MaxFeaturesPerTile int
}

// NewAnnotationTrack creates an annotation track reading from store. The
// track owns the store.
func NewAnnotationTrack(id string, store *annotstore.Store, opts AnnotationOptions) (*AnnotationTrack, error) {
	core, err := newTrackCore[features, struct{}](id, config.TrackAnnotation, opts.Options)
	if err != nil {
		return nil, err
	}
	if opts.MaxFeaturesPerTile <= 0 {
		opts.MaxFeaturesPerTile = DefaultMaxFeaturesPerTile
	}

	a := &AnnotationTrack{
		trackCore:   core,
		store:       store,
		macroLOD:    opts.MacroLOD,
		maxFeatures: opts.MaxFeaturesPerTile,
		gate:        sourceGate{limiter: core.opts.Limiter},
	}
	core.newLoader = a.newLoader
	core.render = a.render
	return a, nil
}

func (a *AnnotationTrack) newLoader(ctx context.Context, e *contigLoader[features, struct{}]) (*lod.Loader[features, struct{}], error) {
	length, err := a.store.ContigLength(ctx, e.contig)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: contig %s in track %s", ErrNotFound, e.contig, a.id)
	}

	opts := a.loaderOptions(float64(length))
	opts.Fetch = a.fetchFunc(e, func(ctx context.Context, t *lod.Tile[features]) (features, error) {
		return a.read(ctx, e.contig, t)
	})
	if a.macroLOD > 0 {
		opts.MapLODLevel = lod.TwoTier(a.macroLOD)
	}
	return lod.NewLoader(opts)
}

func (a *AnnotationTrack) read(ctx context.Context, contig string, t *lod.Tile[features]) (features, error) {
	start, end := t.X(), t.X()+t.Span()
	var minLength int64
	if t.LODLevel() > 0 {
		minLength = int64(1) << uint(t.LODLevel())
	}
	key := cache.QueryKey(a.opts.Namespace, contig, start, end, minLength, a.maxFeatures)

	if a.opts.Cache != nil {
		if data, ok := a.opts.Cache.GetQuery(key); ok {
			var out features
			if err := json.Unmarshal(data, &out); err == nil {
				return out, nil
			}
		}
	}

	v, err := a.gate.do(ctx, key, func() (any, error) {
		out, err := a.store.Overlapping(ctx, contig, start, end, minLength, a.maxFeatures)
		if err != nil {
			return nil, fmt.Errorf("query %s:%d-%d: %w", contig, start, end, err)
		}
		if a.opts.Cache != nil {
			if data, err := json.Marshal(out); err == nil {
				a.opts.Cache.SetQuery(key, data)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(features), nil
}

func (a *AnnotationTrack) render(_ *contigLoader[features, struct{}], _ *lod.Tile[features], payload features, v *TileView) {
	v.Data = payload
}

// Close releases all loaders and the store.
func (a *AnnotationTrack) Close() error {
	a.shutdown()
	return a.store.Close()
}
