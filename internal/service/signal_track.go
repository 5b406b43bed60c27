package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/genome-tiles/server/internal/cache"
	"github.com/genome-tiles/server/internal/config"
	"github.com/genome-tiles/server/internal/data/zarr"
	"github.com/genome-tiles/server/internal/lod"
)

// SignalTrack serves a numeric signal from a zarr pyramid. Tile payloads are
// the float32 values of one tile; blocks share a BlockSummary.
type SignalTrack struct {
	*trackCore[[]float32, *BlockSummary]
	reader    *zarr.Reader
	levels    int
	gate      sourceGate
	summaries atomic.Int64
}

// NewSignalTrack creates a signal track reading from reader. The track owns
// the reader.
func NewSignalTrack(id string, reader *zarr.Reader, opts Options) (*SignalTrack, error) {
	if md := reader.Metadata(); md.TileWidth > 0 {
		opts.TileWidth = int64(md.TileWidth)
	}
	core, err := newTrackCore[[]float32, *BlockSummary](id, config.TrackSignal, opts)
	if err != nil {
		return nil, err
	}

	s := &SignalTrack{
		trackCore: core,
		reader:    reader,
		levels:    reader.Metadata().LODLevels,
		gate:      sourceGate{limiter: core.opts.Limiter},
	}
	core.newLoader = s.newLoader
	core.render = s.render
	return s, nil
}

func (s *SignalTrack) newLoader(_ context.Context, e *contigLoader[[]float32, *BlockSummary]) (*lod.Loader[[]float32, *BlockSummary], error) {
	length, err := s.reader.ContigLength(e.contig)
	if errors.Is(err, zarr.ErrUnknownContig) {
		return nil, fmt.Errorf("%w: contig %s in track %s", ErrNotFound, e.contig, s.id)
	}
	if err != nil {
		return nil, err
	}

	opts := s.loaderOptions(float64(length))
	opts.Fetch = s.fetchFunc(e, func(ctx context.Context, t *lod.Tile[[]float32]) ([]float32, error) {
		values, err := s.read(ctx, e.contig, t)
		if err != nil {
			return nil, err
		}
		if sum, err := e.loader.GetBlockPayload(t); err == nil {
			sum.Set(t.RowIndex(), values)
		}
		return values, nil
	})
	opts.MapLODLevel = s.mapLevel
	opts.BlockPayload = lod.BlockPayloadHooks[*BlockSummary]{
		Create: func(_ int, _, _ int64, tilesPerBlock int) *BlockSummary {
			s.summaries.Add(1)
			return newBlockSummary(tilesPerBlock)
		},
		Release: func(b *BlockSummary) {
			s.summaries.Add(-1)
			b.reset()
		},
	}
	return lod.NewLoader(opts)
}

// mapLevel clamps levels to the coarsest level in the store.
func (s *SignalTrack) mapLevel(level int) int {
	return min(level, s.levels-1)
}

func (s *SignalTrack) read(ctx context.Context, contig string, t *lod.Tile[[]float32]) ([]float32, error) {
	key := cache.TileKey(s.opts.Namespace, contig, t.LODLevel(), t.LODX())
	if s.opts.Cache != nil {
		if data, ok := s.opts.Cache.GetTile(key); ok {
			return decodeFloats(data), nil
		}
	}

	v, err := s.gate.do(ctx, key, func() (any, error) {
		values, err := s.reader.ReadRange(contig, t.LODLevel(), t.LODX(), int(s.opts.TileWidth))
		if err != nil {
			return nil, err
		}
		if s.opts.Cache != nil {
			if err := s.opts.Cache.SetTile(key, encodeFloats(values)); err != nil {
				s.logger.Debug("tile not cached", "key", key, "error", err)
			}
		}
		return values, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (s *SignalTrack) render(e *contigLoader[[]float32, *BlockSummary], t *lod.Tile[[]float32], values []float32, v *TileView) {
	v.Data = jsonValues(values)
	if sum, err := e.loader.GetBlockPayload(t); err == nil {
		if r, ok := sum.Range(); ok {
			v.Range = &r
		}
	}
}

// Stats includes the number of live block summaries.
func (s *SignalTrack) Stats() TrackStats {
	st := s.trackCore.Stats()
	st.Summaries = s.summaries.Load()
	return st
}

// Close releases all loaders and the reader.
func (s *SignalTrack) Close() error {
	s.shutdown()
	s.reader.Close()
	return nil
}

// jsonValues replaces non-finite values with null.
func jsonValues(values []float32) any {
	finite := true
	for _, v := range values {
		if !isFinite(v) {
			finite = false
			break
		}
	}
	if finite {
		return values
	}
	out := make([]*float32, len(values))
	for i := range values {
		if isFinite(values[i]) {
			out[i] = &values[i]
		}
	}
	return out
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
