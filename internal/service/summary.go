package service

import (
	"math"
	"sync"
)

// ValueRange is a min/max pair.
type ValueRange struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
}

// BlockSummary keeps the value range of each loaded tile of a block, so
// neighbouring tiles can share a y-axis scale.
type BlockSummary struct {
	mu     sync.Mutex
	rows   []ValueRange
	loaded []bool
}

func newBlockSummary(tilesPerBlock int) *BlockSummary {
	return &BlockSummary{
		rows:   make([]ValueRange, tilesPerBlock),
		loaded: make([]bool, tilesPerBlock),
	}
}

// Set records the range of values for the tile at row. Non-finite values
// are skipped.
func (b *BlockSummary) Set(row int, values []float32) {
	r := ValueRange{Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	finite := false
	for _, v := range values {
		if !isFinite(v) {
			continue
		}
		finite = true
		r.Min = min(r.Min, v)
		r.Max = max(r.Max, v)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if row < 0 || row >= len(b.rows) {
		return
	}
	b.rows[row] = r
	b.loaded[row] = finite
}

// Range returns the combined range over loaded rows.
func (b *BlockSummary) Range() (ValueRange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out ValueRange
	found := false
	for i, ok := range b.loaded {
		if !ok {
			continue
		}
		if !found {
			out = b.rows[i]
			found = true
			continue
		}
		out.Min = min(out.Min, b.rows[i].Min)
		out.Max = max(out.Max, b.rows[i].Max)
	}
	return out, found
}

func (b *BlockSummary) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.loaded {
		b.loaded[i] = false
	}
}
