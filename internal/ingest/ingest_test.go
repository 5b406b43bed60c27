package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/genome-tiles/server/internal/data/annotstore"
	"github.com/genome-tiles/server/internal/data/zarr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bedGraph = `track type=bedGraph name=test
# comment
chr1	0	4	1.5
chr1	6	8	-2
chr2	2	3	7
`

func TestReadBedGraph(t *testing.T) {
	signal, err := ReadBedGraph(strings.NewReader(bedGraph))
	require.NoError(t, err)

	assert.Equal(t, []float32{1.5, 1.5, 1.5, 1.5, 0, 0, -2, -2}, signal["chr1"])
	assert.Equal(t, []float32{0, 0, 7}, signal["chr2"])
}

func TestReadBedGraph_Errors(t *testing.T) {
	tests := map[string]string{
		"too few columns": "chr1\t0\t4\n",
		"bad start":       "chr1\tx\t4\t1\n",
		"inverted":        "chr1\t5\t4\t1\n",
		"bad value":       "chr1\t0\t4\tabc\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadBedGraph(strings.NewReader(input))
			assert.ErrorContains(t, err, "line 1")
		})
	}
}

func TestReadBED(t *testing.T) {
	input := "browser position chr1\nchr1\t10\t20\nchr1\t30\t40\tGENE1\t.\t-\nchr2\t0\t5\tGENE2\t250\t+\n"
	features, err := ReadBED(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, features, 3)

	assert.Equal(t, annotstore.Feature{Contig: "chr1", Start: 10, End: 20}, features[0])
	assert.Equal(t, annotstore.Feature{Contig: "chr1", Start: 30, End: 40, Name: "GENE1", Strand: "-"}, features[1])
	assert.Equal(t, 250.0, features[2].Score)

	_, err = ReadBED(strings.NewReader("chr1\t1\t2\tx\tbad\n"))
	assert.ErrorContains(t, err, "invalid score")
}

func TestBuildSignalStore(t *testing.T) {
	signal, err := ReadBedGraph(strings.NewReader(bedGraph))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "signal.zarr")
	require.NoError(t, BuildSignalStore(dir, signal, SignalOptions{
		Name:        "test",
		ChunkLen:    4,
		TileWidth:   2,
		Levels:      2,
		Aggregation: zarr.AggregateMax,
	}))

	r, err := zarr.NewReader(dir)
	require.NoError(t, err)
	defer r.Close()

	md := r.Metadata()
	assert.Equal(t, 2, md.LODLevels)
	assert.Equal(t, map[string]int64{"chr1": 8, "chr2": 3}, md.Contigs)

	got, err := r.ReadRange("chr1", 1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 1.5, 0, -2}, got)

	err = BuildSignalStore(filepath.Join(t.TempDir(), "x.zarr"), signal, SignalOptions{ChunkLen: 4, Aggregation: "median"})
	assert.ErrorContains(t, err, "unknown aggregation")
}

func TestLoadFeatures(t *testing.T) {
	features := []annotstore.Feature{
		{Contig: "chr1", Start: 0, End: 10, Name: "a"},
		{Contig: "chr1", Start: 20, End: 30, Name: "b"},
		{Contig: "chr2", Start: 5, End: 6, Name: "c"},
	}
	path := filepath.Join(t.TempDir(), "genes.sqlite")
	require.NoError(t, LoadFeatures(context.Background(), path, features, 2))

	store, err := annotstore.Open(path)
	require.NoError(t, err)
	defer store.Close()

	contigs, err := store.Contigs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"chr1", "chr2"}, contigs)

	n, err := store.ContigLength(context.Background(), "chr1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)
}
