package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/genome-tiles/server/internal/jobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datasetMap map[string]*Dataset

func (m datasetMap) Get(id string) *Dataset { return m[id] }

func newWarmupFixture(t *testing.T) (*WarmupService, *SignalTrack, *jobstore.Store) {
	t.Helper()
	track := newSignalTrack(t, writeSignalStore(t), testOptions(t))
	ds := NewDataset("hg38")
	ds.Add(track)

	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "warmup.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewWarmupService(datasetMap{"hg38": ds}), track, store
}

func submitJob(t *testing.T, store *jobstore.Store, id string, p jobstore.WarmupParams) {
	t.Helper()
	require.NoError(t, store.CreateJob(&jobstore.Job{
		ID:        id,
		Status:    jobstore.JobStatusQueued,
		Params:    p,
		CreatedAt: time.Now(),
	}))
}

func TestWarmupService_LoadsRange(t *testing.T) {
	svc, track, store := newWarmupFixture(t)
	submitJob(t, store, "j1", jobstore.WarmupParams{
		DatasetID: "hg38", TrackID: "phylop", Contig: "chr1", X0: 0, X1: 1000, Density: 1,
	})

	require.NoError(t, svc.ExecuteWarmupJob(context.Background(), store, "j1"))

	job, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.Progress{Done: maxWarmupWindows, Total: maxWarmupWindows}, job.Progress)
	assert.GreaterOrEqual(t, job.Tiles, 16)

	st := track.Stats()
	require.Contains(t, st.Contigs, "chr1")
	assert.GreaterOrEqual(t, st.Contigs["chr1"].Complete, 16)
}

func TestWarmupService_Errors(t *testing.T) {
	svc, _, store := newWarmupFixture(t)

	err := svc.ExecuteWarmupJob(context.Background(), store, "missing")
	assert.ErrorContains(t, err, "job not found")

	submitJob(t, store, "bad-contig", jobstore.WarmupParams{
		DatasetID: "hg38", TrackID: "phylop", Contig: "chrX", X0: 0, X1: 100, Density: 1,
	})
	err = svc.ExecuteWarmupJob(context.Background(), store, "bad-contig")
	assert.ErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	submitJob(t, store, "cancelled", jobstore.WarmupParams{
		DatasetID: "hg38", TrackID: "phylop", Contig: "chr1", X0: 0, X1: 100, Density: 1,
	})
	err = svc.ExecuteWarmupJob(ctx, store, "cancelled")
	assert.ErrorIs(t, err, context.Canceled)
}

// failingProgress reads jobs from a real store and fails progress writes
// after the first okWrites.
type failingProgress struct {
	*jobstore.Store
	okWrites int
	writes   int
}

var errProgressWrite = errors.New("disk full")

func (f *failingProgress) UpdateJobProgress(jobID string, done, total, tiles int) error {
	f.writes++
	if f.writes > f.okWrites {
		return errProgressWrite
	}
	return f.Store.UpdateJobProgress(jobID, done, total, tiles)
}

func TestWarmupService_ProgressWriteFails(t *testing.T) {
	params := jobstore.WarmupParams{
		DatasetID: "hg38", TrackID: "phylop", Contig: "chr1", X0: 0, X1: 1000, Density: 1,
	}

	for _, okWrites := range []int{0, 3} {
		svc, _, store := newWarmupFixture(t)
		submitJob(t, store, "j1", params)

		ps := &failingProgress{Store: store, okWrites: okWrites}
		err := svc.executeWarmup(context.Background(), ps, "j1")
		assert.ErrorIs(t, err, errProgressWrite, "okWrites %d", okWrites)
		assert.Equal(t, okWrites+1, ps.writes)
	}
}

func TestWarmupService_ValidateParams(t *testing.T) {
	svc, _, _ := newWarmupFixture(t)
	ok := jobstore.WarmupParams{DatasetID: "hg38", TrackID: "phylop", Contig: "chr1", X0: 0, X1: 10, Density: 1}
	require.NoError(t, svc.ValidateParams(ok))

	tests := []struct {
		name   string
		mutate func(p *jobstore.WarmupParams)
		target error
	}{
		{"unknown dataset", func(p *jobstore.WarmupParams) { p.DatasetID = "mm10" }, ErrNotFound},
		{"unknown track", func(p *jobstore.WarmupParams) { p.TrackID = "genes" }, ErrNotFound},
		{"missing contig", func(p *jobstore.WarmupParams) { p.Contig = "" }, ErrOutOfRange},
		{"inverted range", func(p *jobstore.WarmupParams) { p.X0 = 20 }, ErrOutOfRange},
		{"zero density", func(p *jobstore.WarmupParams) { p.Density = 0 }, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ok
			tt.mutate(&p)
			assert.ErrorIs(t, svc.ValidateParams(p), tt.target)
		})
	}
}

func TestSplitRange(t *testing.T) {
	w := splitRange(0, 100, 4)
	require.Len(t, w, 4)
	assert.Equal(t, [2]float64{0, 25}, w[0])
	assert.Equal(t, [2]float64{75, 100}, w[3])

	assert.Len(t, splitRange(0, 3, 32), 3)
	assert.Equal(t, [][2]float64{{5, 5}}, splitRange(5, 5, 32))
}
