package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		TileCacheSizeMB: 16,
		TileTTL:         time.Minute,
		QueryCacheSize:  2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestTileKey(t *testing.T) {
	assert.Equal(t, "tile:hg38|phylop:chr1:3/2048", TileKey("hg38|phylop", "chr1", 3, 2048))
	assert.NotEqual(t, TileKey("a", "chr1", 3, 2048), TileKey("a", "chr2", 3, 2048))
	assert.NotEqual(t, TileKey("a", "chr1", 3, 2048), TileKey("a", "chr1", 4, 2048))
}

func TestQueryKey(t *testing.T) {
	assert.Equal(t, "query:genes:chr1:0-1024:min=0:limit=500", QueryKey("genes", "chr1", 0, 1024, 0, 500))
	assert.NotEqual(t, QueryKey("genes", "chr1", 0, 1024, 0, 500), QueryKey("genes", "chr1", 0, 1024, 8, 500))
}

func TestManager_Tiles(t *testing.T) {
	m := newTestManager(t)

	_, ok := m.GetTile("missing")
	assert.False(t, ok)

	require.NoError(t, m.SetTile("k", []byte{1, 2, 3}))
	got, ok := m.GetTile("k")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, m.DeleteTile("k"))
	require.NoError(t, m.DeleteTile("k"))
	_, ok = m.GetTile("k")
	assert.False(t, ok)
}

func TestManager_QueriesEvictLeastRecent(t *testing.T) {
	m := newTestManager(t)

	m.SetQuery("a", []byte("1"))
	m.SetQuery("b", []byte("2"))
	_, ok := m.GetQuery("a")
	require.True(t, ok)
	m.SetQuery("c", []byte("3"))

	_, ok = m.GetQuery("b")
	assert.False(t, ok)
	_, ok = m.GetQuery("a")
	assert.True(t, ok)

	stats := m.Stats()
	assert.Equal(t, 2, stats["query_cache_len"])
}
