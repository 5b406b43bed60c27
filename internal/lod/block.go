package lod

import (
	"math"
	"sync/atomic"
	"time"
)

// Block is a fixed-size run of co-located tiles at one LOD level. All of its
// tiles are allocated together when the block is created.
type Block[P any] struct {
	lodLevel int
	index    int64
	tiles    []*Tile[P]

	// guarded by the owning loader's mutex
	payload    any
	hasPayload bool
	released   bool

	lastUsed atomic.Int64
}

func newBlock[P any](lodLevel int, index, tileWidth int64, tilesPerBlock int) *Block[P] {
	b := &Block[P]{
		lodLevel: lodLevel,
		index:    index,
		tiles:    make([]*Tile[P], tilesPerBlock),
	}
	blockSize := tileWidth * int64(tilesPerBlock)
	for row := range b.tiles {
		lodX := int64(row)*tileWidth + index*blockSize
		b.tiles[row] = newTile(lodLevel, lodX, tileWidth, row, b)
	}
	return b
}

// LODLevel returns the block's level of detail.
func (b *Block[P]) LODLevel() int { return b.lodLevel }

// Index returns the block index within its level.
func (b *Block[P]) Index() int64 { return b.index }

// Len returns the number of tiles in the block.
func (b *Block[P]) Len() int { return len(b.tiles) }

// Tile returns the tile stored at row.
func (b *Block[P]) Tile(row int) *Tile[P] { return b.tiles[row] }

// MarkUsed records t as the last time a consumer used the block.
func (b *Block[P]) MarkUsed(t time.Time) { b.lastUsed.Store(t.UnixNano()) }

// LastUsed returns the time set by MarkUsed, or the zero time.
func (b *Block[P]) LastUsed() time.Time {
	ns := b.lastUsed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// levelTable holds the sparse block storage: a slice indexed by LOD level,
// each entry mapping block index to block. Entries for levels that were never
// requested stay nil.
type levelTable[P any] struct {
	levels []map[int64]*Block[P]
}

func (lt *levelTable[P]) lookup(lodLevel int, index int64) *Block[P] {
	if lodLevel < 0 || lodLevel >= len(lt.levels) {
		return nil
	}
	return lt.levels[lodLevel][index]
}

func (lt *levelTable[P]) insert(b *Block[P]) {
	for len(lt.levels) <= b.lodLevel {
		lt.levels = append(lt.levels, nil)
	}
	if lt.levels[b.lodLevel] == nil {
		lt.levels[b.lodLevel] = make(map[int64]*Block[P])
	}
	lt.levels[b.lodLevel][b.index] = b
}

func (lt *levelTable[P]) top() int { return len(lt.levels) }

func (lt *levelTable[P]) each(fn func(*Block[P])) {
	for _, level := range lt.levels {
		for _, b := range level {
			fn(b)
		}
	}
}

func (lt *levelTable[P]) reset() { lt.levels = nil }

// LODForDensity maps a sampling density (data units per pixel) to a LOD
// level: floor(log2(max(density, 1))).
func LODForDensity(density float64) int {
	if math.IsNaN(density) || density < 1 {
		density = 1
	}
	// log2 of +Inf is +Inf; 1024 bounds every finite density.
	return int(min(math.Floor(math.Log2(density)), 1024))
}

// floorDiv and floorMod round toward negative infinity so negative LOD-space
// coordinates still land in the right block.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}
