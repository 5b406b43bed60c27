package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/genome-tiles/server/internal/cache"
	"github.com/genome-tiles/server/internal/config"
	"github.com/genome-tiles/server/internal/data/annotstore"
	"github.com/genome-tiles/server/internal/data/zarr"
	"github.com/genome-tiles/server/internal/lod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func writeSignalStore(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "signal.zarr")
	w, err := zarr.NewWriter(dir, 32)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteMetadata(zarr.Metadata{
		DatasetName: "test",
		TileWidth:   64,
		LODLevels:   4,
		Aggregation: zarr.AggregateMean,
		Contigs:     map[string]int64{"chr1": 1000, "chr2": 500},
	}))
	require.NoError(t, w.WriteContig("chr1", ramp(1000), 4, zarr.AggregateMean))
	require.NoError(t, w.WriteContig("chr2", ramp(500), 4, zarr.AggregateMean))
	return dir
}

func writeAnnotationStore(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "genes.sqlite")
	store, err := annotstore.Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Insert(context.Background(), []annotstore.Feature{
		{Contig: "chr1", Start: 0, End: 100000, Name: "long", Strand: "+"},
		{Contig: "chr1", Start: 100, End: 110, Name: "short"},
		{Contig: "chr1", Start: 2000, End: 2010, Name: "far"},
	}))
	return path
}

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	m, err := cache.NewManager(cache.Config{TileCacheSizeMB: 16, TileTTL: time.Minute, QueryCacheSize: 100})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testOptions(t *testing.T) Options {
	return Options{
		TilesPerBlock:     8,
		MaxActiveRequests: 4,
		MaxLoaders:        8,
		WaitTimeout:       5 * time.Second,
		Namespace:         "test/" + t.Name(),
		Cache:             newTestCache(t),
	}
}

func newSignalTrack(t *testing.T, dir string, opts Options) *SignalTrack {
	t.Helper()
	reader, err := zarr.NewReader(dir)
	require.NoError(t, err)
	track, err := NewSignalTrack("phylop", reader, opts)
	require.NoError(t, err)
	t.Cleanup(func() { track.Close() })
	return track
}

func TestSignalTrack_Tiles(t *testing.T) {
	track := newSignalTrack(t, writeSignalStore(t), testOptions(t))
	ctx := context.Background()

	res, err := track.Tiles(ctx, "chr1", 0, 100, 1, true)
	require.NoError(t, err)
	assert.Equal(t, "phylop", res.Track)
	assert.Equal(t, 0, res.LOD)
	require.Len(t, res.Tiles, 2)

	values := ramp(1000)
	for i, v := range res.Tiles {
		assert.Equal(t, "complete", v.State)
		assert.Equal(t, int64(i*64), v.X)
		assert.Equal(t, int64(64), v.Span)
		assert.Equal(t, values[i*64:(i+1)*64], v.Data)
		require.NotNil(t, v.Range)
		assert.Equal(t, ValueRange{Min: 0, Max: 127}, *v.Range)
	}

	t.Run("past the contig end reads fill", func(t *testing.T) {
		res, err := track.Tiles(ctx, "chr1", 960, 1000, 1, true)
		require.NoError(t, err)
		require.Len(t, res.Tiles, 1)
		data := res.Tiles[0].Data.([]float32)
		assert.Equal(t, float32(999), data[39])
		assert.Equal(t, float32(0), data[40])
	})

	t.Run("coarse density is clamped to the store", func(t *testing.T) {
		res, err := track.Tiles(ctx, "chr1", 0, 1000, 1e6, true)
		require.NoError(t, err)
		assert.Equal(t, 3, res.LOD)
		require.Len(t, res.Tiles, 2)
		assert.Equal(t, int64(512), res.Tiles[0].Span)
	})

	t.Run("empty range", func(t *testing.T) {
		res, err := track.Tiles(ctx, "chr1", 500, 500, 1, false)
		require.NoError(t, err)
		assert.Empty(t, res.Tiles)
	})
}

func TestSignalTrack_Errors(t *testing.T) {
	track := newSignalTrack(t, writeSignalStore(t), testOptions(t))
	ctx := context.Background()

	_, err := track.Tiles(ctx, "chrX", 0, 100, 1, false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = track.Tile(ctx, "chr1", 1000, 0, false)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = track.Tile(ctx, "chr1", -1, 0, false)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSignalTrack_Tile(t *testing.T) {
	track := newSignalTrack(t, writeSignalStore(t), testOptions(t))

	v, err := track.Tile(context.Background(), "chr1", 130, 1, true)
	require.NoError(t, err)
	assert.Equal(t, "complete", v.State)
	assert.Equal(t, "1:64", v.Key)
	assert.Equal(t, int64(128), v.X)
	assert.Equal(t, int64(128), v.Span)
	data := v.Data.([]float32)
	assert.Equal(t, float32(128.5), data[0])
}

func TestSignalTrack_ServesFromCacheAfterClear(t *testing.T) {
	dir := writeSignalStore(t)
	track := newSignalTrack(t, dir, testOptions(t))
	ctx := context.Background()

	_, err := track.Tiles(ctx, "chr1", 0, 64, 1, true)
	require.NoError(t, err)

	assert.True(t, track.Clear("chr1"))
	assert.False(t, track.Clear("chr1"))
	assert.False(t, track.Clear("chr9"))

	// Chunks missing on disk read as zero, so ramp values must come from cache.
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "chr1", "lod_0", "values", "c")))

	res, err := track.Tiles(ctx, "chr1", 0, 64, 1, true)
	require.NoError(t, err)
	require.Len(t, res.Tiles, 1)
	assert.Equal(t, ramp(64), res.Tiles[0].Data)
}

func TestSignalTrack_EvictsLeastRecentContig(t *testing.T) {
	opts := testOptions(t)
	opts.MaxLoaders = 1
	track := newSignalTrack(t, writeSignalStore(t), opts)
	ctx := context.Background()

	_, err := track.Tiles(ctx, "chr1", 0, 1000, 1, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), track.Stats().Summaries)

	_, err = track.Tiles(ctx, "chr2", 0, 100, 1, true)
	require.NoError(t, err)

	st := track.Stats()
	assert.Len(t, st.Contigs, 1)
	assert.Contains(t, st.Contigs, "chr2")
	assert.Equal(t, int64(1), st.Summaries)
	assert.Equal(t, 4, st.Scheduler.MaxActive)
	assert.GreaterOrEqual(t, st.Scheduler.Dispatched, uint64(18))
}

func TestSignalTrack_FallbackWhileLoading(t *testing.T) {
	opts := testOptions(t)
	opts.Cache = nil
	// One read, then every further read blocks until the track closes.
	opts.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	track := newSignalTrack(t, writeSignalStore(t), opts)
	ctx := context.Background()

	coarse, err := track.Tiles(ctx, "chr1", 0, 100, 8, true)
	require.NoError(t, err)
	require.Len(t, coarse.Tiles, 1)
	require.Equal(t, "complete", coarse.Tiles[0].State)

	fine, err := track.Tiles(ctx, "chr1", 0, 100, 1, false)
	require.NoError(t, err)
	require.Len(t, fine.Tiles, 2)
	for _, v := range fine.Tiles {
		assert.Equal(t, "loading", v.State)
		assert.Nil(t, v.Data)
		require.NotNil(t, v.Fallback)
		assert.Equal(t, 3, v.Fallback.LOD)
		assert.Equal(t, "complete", v.Fallback.State)
		assert.NotNil(t, v.Fallback.Data)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = track.Tile(ctx, "chr1", 0, 0, true)
	require.NoError(t, err, "wait timeout is not an error")
}

func newAnnotationTrack(t *testing.T, macroLOD int) *AnnotationTrack {
	t.Helper()
	store, err := annotstore.Open(writeAnnotationStore(t))
	require.NoError(t, err)
	track, err := NewAnnotationTrack("genes", store, AnnotationOptions{
		Options:  testOptions(t),
		MacroLOD: macroLOD,
	})
	require.NoError(t, err)
	t.Cleanup(func() { track.Close() })
	return track
}

func featureNames(t *testing.T, v TileView) []string {
	t.Helper()
	fs, ok := v.Data.([]annotstore.Feature)
	require.True(t, ok, "unexpected data %T", v.Data)
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name
	}
	return names
}

func TestAnnotationTrack_TwoTiers(t *testing.T) {
	track := newAnnotationTrack(t, 12)
	ctx := context.Background()

	res, err := track.Tiles(ctx, "chr1", 0, 200, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.LOD)
	require.Len(t, res.Tiles, 4)
	assert.Equal(t, []string{"long"}, featureNames(t, res.Tiles[0]))
	assert.Equal(t, []string{"long", "short"}, featureNames(t, res.Tiles[1]))

	// Intermediate densities stay in the detail tier.
	res, err = track.Tiles(ctx, "chr1", 0, 200, 100, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.LOD)

	res, err = track.Tiles(ctx, "chr1", 0, 3000, 5000, true)
	require.NoError(t, err)
	assert.Equal(t, 12, res.LOD)
	require.Len(t, res.Tiles, 1)
	assert.Equal(t, []string{"long"}, featureNames(t, res.Tiles[0]))

	_, err = track.Tiles(ctx, "chr2", 0, 100, 1, false)
	assert.ErrorIs(t, err, ErrNotFound)

	st := track.Stats()
	assert.Equal(t, config.TrackAnnotation, st.Kind)
	assert.Zero(t, st.Summaries)
	assert.Contains(t, st.Contigs, "chr1")
}

func TestAnnotationTrack_QueryCache(t *testing.T) {
	track := newAnnotationTrack(t, 0)
	ctx := context.Background()

	res, err := track.Tiles(ctx, "chr1", 2000, 2001, 1, true)
	require.NoError(t, err)
	require.Len(t, res.Tiles, 1)
	assert.Equal(t, int64(1984), res.Tiles[0].X)
	assert.Equal(t, []string{"long", "far"}, featureNames(t, res.Tiles[0]))

	key := cache.QueryKey(track.opts.Namespace, "chr1", 1984, 2048, 0, DefaultMaxFeaturesPerTile)
	data, ok := track.opts.Cache.GetQuery(key)
	require.True(t, ok)
	assert.Contains(t, string(data), `"name":"far"`)
}

func TestAnnotationTrack_HugeDensityKeepsGeometry(t *testing.T) {
	track := newAnnotationTrack(t, 0)
	ctx := context.Background()

	var top int
	for _, density := range []float64{1e17, 1e19, 1e30} {
		res, err := track.Tiles(ctx, "chr1", 0, 3000, density, true)
		require.NoError(t, err)
		require.Len(t, res.Tiles, 1, "density %v", density)
		tile := res.Tiles[0]
		assert.Equal(t, lod.StateComplete.String(), tile.State)
		assert.Equal(t, int64(0), tile.X)
		assert.Positive(t, tile.Span)
		assert.Less(t, tile.LOD, 63)
		if top == 0 {
			top = tile.LOD
		}
		assert.Equal(t, top, tile.LOD)
	}
}

func TestOpenDataset(t *testing.T) {
	cfg := config.DatasetConfig{Tracks: []config.TrackConfig{
		{ID: "phylop", Type: config.TrackSignal, ZarrPath: writeSignalStore(t)},
		{ID: "genes", Type: config.TrackAnnotation, SQLitePath: writeAnnotationStore(t), MacroLOD: 12},
	}}
	loaderCfg := config.DefaultConfig().Loader

	ds, err := OpenDataset(context.Background(), "hg38", cfg, loaderCfg, Deps{Cache: newTestCache(t)})
	require.NoError(t, err)
	defer ds.Close()

	assert.Equal(t, "hg38", ds.ID())
	tracks := ds.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "phylop", tracks[0].ID())
	assert.Equal(t, config.TrackSignal, tracks[0].Kind())
	assert.Equal(t, "genes", tracks[1].ID())
	assert.Nil(t, ds.Track("missing"))

	res, err := ds.Track("genes").Tiles(context.Background(), "chr1", 0, 100, 1, true)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tiles)
}

func TestOpenDataset_BadSource(t *testing.T) {
	cfg := config.DatasetConfig{Tracks: []config.TrackConfig{
		{ID: "genes", Type: config.TrackAnnotation, SQLitePath: writeAnnotationStore(t)},
		{ID: "broken", Type: config.TrackSignal, ZarrPath: filepath.Join(t.TempDir(), "missing.zarr")},
	}}

	_, err := OpenDataset(context.Background(), "hg38", cfg, config.DefaultConfig().Loader, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "track broken")
}
