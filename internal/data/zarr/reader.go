// Package zarr reads per-contig signal pyramids stored as Zarr v3 arrays.
//
// A store is laid out as:
//
//	<root>/metadata.json
//	<root>/<contig>/lod_<n>/values/zarr.json
//	<root>/<contig>/lod_<n>/values/c/<chunk>
//
// Level n holds one float32 per 2^n bases, aggregated from level 0.
package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrUnknownContig is returned for contigs not listed in metadata.json.
var ErrUnknownContig = errors.New("zarr: unknown contig")

// Metadata contains metadata about the Zarr store.
type Metadata struct {
	DatasetName string           `json:"dataset_name"`
	TileWidth   int              `json:"tile_width"`
	LODLevels   int              `json:"lod_levels"`
	Aggregation string           `json:"aggregation"`
	Contigs     map[string]int64 `json:"contigs"`
}

// ContigNames returns contig names sorted by name.
func (m *Metadata) ContigNames() []string {
	names := make([]string, 0, len(m.Contigs))
	for name := range m.Contigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reader provides access to signal values.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder

	mu    sync.RWMutex
	metas map[string]*ZarrV3ArrayMeta
}

// NewReader opens the store at basePath.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
		metas:    make(map[string]*ZarrV3ArrayMeta),
	}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if md.LODLevels <= 0 {
		md.LODLevels = 1
	}
	r.metadata = &md
	return nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

// ContigLength returns the length of a contig in bases.
func (r *Reader) ContigLength(contig string) (int64, error) {
	n, ok := r.metadata.Contigs[contig]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownContig, contig)
	}
	return n, nil
}

func (r *Reader) arrayPath(contig string, lod int) string {
	return filepath.Join(r.basePath, contig, fmt.Sprintf("lod_%d", lod), "values")
}

func (r *Reader) arrayMeta(contig string, lod int) (string, *ZarrV3ArrayMeta, error) {
	path := r.arrayPath(contig, lod)

	r.mu.RLock()
	meta, ok := r.metas[path]
	r.mu.RUnlock()
	if ok {
		return path, meta, nil
	}

	meta, err := loadArrayMeta(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load %s lod %d metadata: %w", contig, lod, err)
	}

	r.mu.Lock()
	r.metas[path] = meta
	r.mu.Unlock()
	return path, meta, nil
}

// ReadRange returns count values of level lod starting at element start.
// Elements outside the array read as the fill value.
func (r *Reader) ReadRange(contig string, lod int, start int64, count int) ([]float32, error) {
	if _, err := r.ContigLength(contig); err != nil {
		return nil, err
	}
	if lod < 0 || lod >= r.metadata.LODLevels {
		return nil, fmt.Errorf("lod %d out of range (levels=%d)", lod, r.metadata.LODLevels)
	}
	if count < 0 {
		return nil, fmt.Errorf("negative count: %d", count)
	}

	path, meta, err := r.arrayMeta(contig, lod)
	if err != nil {
		return nil, err
	}
	chunkLen, err := meta.chunkLen()
	if err != nil {
		return nil, err
	}
	fill, err := fillValue(meta)
	if err != nil {
		return nil, err
	}

	out := make([]float32, count)
	if fill != 0 {
		for i := range out {
			out[i] = fill
		}
	}

	end := start + int64(count)
	lo := max(start, 0)
	hi := min(end, int64(meta.Shape[0]))
	if lo >= hi {
		return out, nil
	}

	for c := int(lo / int64(chunkLen)); int64(c)*int64(chunkLen) < hi; c++ {
		values, err := r.readChunkAt(path, meta, c)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s lod %d chunk %d: %w", contig, lod, c, err)
		}
		chunkStart := int64(c) * int64(chunkLen)
		from := max(lo, chunkStart)
		to := min(hi, chunkStart+int64(len(values)))
		copy(out[from-start:to-start], values[from-chunkStart:to-chunkStart])
	}
	return out, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}
