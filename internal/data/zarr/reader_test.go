package zarr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func writeTestStore(t *testing.T, values []float32, levels int) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "signal.zarr")
	w, err := NewWriter(dir, 16)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteMetadata(Metadata{
		DatasetName: "test",
		TileWidth:   8,
		LODLevels:   levels,
		Aggregation: AggregateMean,
		Contigs:     map[string]int64{"chr1": int64(len(values))},
	}))
	require.NoError(t, w.WriteContig("chr1", values, levels, AggregateMean))
	return dir
}

func TestReader_ReadRange(t *testing.T) {
	dir := writeTestStore(t, ramp(100), 3)
	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	t.Run("within one chunk", func(t *testing.T) {
		got, err := r.ReadRange("chr1", 0, 2, 4)
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 3, 4, 5}, got)
	})

	t.Run("across chunks", func(t *testing.T) {
		got, err := r.ReadRange("chr1", 0, 14, 4)
		require.NoError(t, err)
		assert.Equal(t, []float32{14, 15, 16, 17}, got)
	})

	t.Run("past the end reads fill", func(t *testing.T) {
		got, err := r.ReadRange("chr1", 0, 98, 4)
		require.NoError(t, err)
		assert.Equal(t, []float32{98, 99, 0, 0}, got)
	})

	t.Run("negative start reads fill", func(t *testing.T) {
		got, err := r.ReadRange("chr1", 0, -2, 3)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0, 0}, got)
	})

	t.Run("coarser level is aggregated", func(t *testing.T) {
		got, err := r.ReadRange("chr1", 1, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5, 2.5}, got)

		got, err = r.ReadRange("chr1", 2, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, []float32{1.5}, got)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := r.ReadRange("chrX", 0, 0, 1)
		assert.ErrorIs(t, err, ErrUnknownContig)
		_, err = r.ReadRange("chr1", 3, 0, 1)
		assert.Error(t, err)
		_, err = r.ReadRange("chr1", 0, 0, -1)
		assert.Error(t, err)
	})
}

func TestReader_MissingChunkReadsFill(t *testing.T) {
	values := make([]float32, 64)
	values[40] = 7
	dir := writeTestStore(t, values, 1)

	_, err := os.Stat(filepath.Join(dir, "chr1", "lod_0", "values", "c", "0"))
	require.True(t, os.IsNotExist(err), "all-zero chunk should not be written")

	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadRange("chr1", 0, 0, 48)
	require.NoError(t, err)
	require.Len(t, got, 48)
	assert.Equal(t, float32(7), got[40])
	assert.Equal(t, float32(0), got[3])
}

func TestReader_Metadata(t *testing.T) {
	dir := writeTestStore(t, ramp(10), 2)
	r, err := NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	md := r.Metadata()
	assert.Equal(t, "test", md.DatasetName)
	assert.Equal(t, []string{"chr1"}, md.ContigNames())

	n, err := r.ContigLength("chr1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestNewReader_MissingMetadata(t *testing.T) {
	_, err := NewReader(t.TempDir())
	assert.Error(t, err)
}

func TestBuildPyramid(t *testing.T) {
	levels := BuildPyramid([]float32{1, 3, 5, 7, 9}, 3, AggregateMean)
	require.Len(t, levels, 3)
	assert.Equal(t, []float32{2, 6, 9}, levels[1])
	assert.Equal(t, []float32{4, 9}, levels[2])

	maxLevels := BuildPyramid([]float32{1, 3, 5, 7, 9}, 2, AggregateMax)
	assert.Equal(t, []float32{3, 7, 9}, maxLevels[1])
}
