package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genome-tiles/server/internal/cache"
	"github.com/genome-tiles/server/internal/config"
	"github.com/genome-tiles/server/internal/data/annotstore"
	"github.com/genome-tiles/server/internal/data/zarr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Dataset is an ordered set of tracks.
type Dataset struct {
	id     string
	tracks map[string]Track
	order  []string
}

// NewDataset creates an empty dataset.
func NewDataset(id string) *Dataset {
	return &Dataset{id: id, tracks: make(map[string]Track)}
}

// ID returns the dataset ID.
func (d *Dataset) ID() string { return d.id }

// Add registers a track. A track with the same ID is replaced.
func (d *Dataset) Add(t Track) {
	if _, ok := d.tracks[t.ID()]; !ok {
		d.order = append(d.order, t.ID())
	}
	d.tracks[t.ID()] = t
}

// Track returns a track by ID, or nil.
func (d *Dataset) Track(id string) Track {
	return d.tracks[id]
}

// Tracks returns all tracks in registration order.
func (d *Dataset) Tracks() []Track {
	out := make([]Track, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.tracks[id])
	}
	return out
}

// Close closes every track.
func (d *Dataset) Close() error {
	var errs []error
	for _, t := range d.Tracks() {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("track %s: %w", t.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Deps are shared by all tracks of all datasets.
type Deps struct {
	Cache   *cache.Manager
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// OpenDataset opens the sources of every configured track concurrently.
func OpenDataset(ctx context.Context, id string, cfg config.DatasetConfig, loaderCfg config.LoaderConfig, deps Deps) (*Dataset, error) {
	tracks := make([]Track, len(cfg.Tracks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, tc := range cfg.Tracks {
		g.Go(func() error {
			t, err := openTrack(ctx, id, tc, loaderCfg, deps)
			if err != nil {
				return fmt.Errorf("dataset %s track %s: %w", id, tc.ID, err)
			}
			tracks[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, t := range tracks {
			if t != nil {
				t.Close()
			}
		}
		return nil, err
	}

	ds := NewDataset(id)
	for _, t := range tracks {
		ds.Add(t)
	}
	return ds, nil
}

func openTrack(ctx context.Context, datasetID string, tc config.TrackConfig, loaderCfg config.LoaderConfig, deps Deps) (Track, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := Options{
		TileWidth:         int64(loaderCfg.TileWidth),
		TilesPerBlock:     loaderCfg.TilesPerBlock,
		MaxActiveRequests: loaderCfg.MaxActiveRequests,
		MaxLoaders:        loaderCfg.MaxLoaders,
		WaitTimeout:       time.Duration(loaderCfg.WaitTimeoutMS) * time.Millisecond,
		Namespace:         datasetID + "/" + tc.ID,
		Cache:             deps.Cache,
		Limiter:           deps.Limiter,
		Logger:            logger.With("dataset", datasetID),
	}

	switch tc.Type {
	case config.TrackSignal:
		reader, err := zarr.NewReader(tc.ZarrPath)
		if err != nil {
			return nil, err
		}
		md := reader.Metadata()
		logger.Info("signal track opened",
			"dataset", datasetID,
			"track", tc.ID,
			"contigs", len(md.Contigs),
			"lod_levels", md.LODLevels,
		)
		t, err := NewSignalTrack(tc.ID, reader, opts)
		if err != nil {
			reader.Close()
			return nil, err
		}
		return t, nil

	case config.TrackAnnotation:
		store, err := annotstore.Open(tc.SQLitePath)
		if err != nil {
			return nil, err
		}
		contigs, err := store.Contigs(ctx)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to list contigs: %w", err)
		}
		logger.Info("annotation track opened",
			"dataset", datasetID,
			"track", tc.ID,
			"contigs", len(contigs),
			"macro_lod", tc.MacroLOD,
		)
		t, err := NewAnnotationTrack(tc.ID, store, AnnotationOptions{Options: opts, MacroLOD: tc.MacroLOD})
		if err != nil {
			store.Close()
			return nil, err
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unknown track type %q", tc.Type)
	}
}
