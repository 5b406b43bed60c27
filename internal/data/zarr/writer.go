package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// Aggregations supported by BuildPyramid.
const (
	AggregateMean = "mean"
	AggregateMax  = "max"
)

// Writer creates signal stores in the layout read by Reader.
type Writer struct {
	basePath string
	chunkLen int
	encoder  *zstd.Encoder
}

// NewWriter creates a writer rooted at basePath. chunkLen is the number of
// values per chunk file.
func NewWriter(basePath string, chunkLen int) (*Writer, error) {
	if chunkLen <= 0 {
		return nil, fmt.Errorf("chunk length must be positive, got %d", chunkLen)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{basePath: basePath, chunkLen: chunkLen, encoder: encoder}, nil
}

// WriteMetadata writes metadata.json.
func (w *Writer) WriteMetadata(md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.basePath, "metadata.json"), data, 0o644)
}

// WriteLevel writes one level of one contig. Chunks that are entirely zero
// are not written.
func (w *Writer) WriteLevel(contig string, lod int, values []float32) error {
	arrayPath := filepath.Join(w.basePath, contig, fmt.Sprintf("lod_%d", lod), "values")
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0o755); err != nil {
		return fmt.Errorf("failed to create array dir: %w", err)
	}

	meta := map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       []int{len(values)},
		"data_type":   "float32",
		"chunk_grid": map[string]interface{}{
			"name":          "regular",
			"configuration": map[string]interface{}{"chunk_shape": []int{w.chunkLen}},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name":          "default",
			"configuration": map[string]interface{}{"separator": "/"},
		},
		"fill_value": 0.0,
		"codecs": []map[string]interface{}{
			{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}},
			{"name": "zstd", "configuration": map[string]interface{}{"level": 3}},
		},
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), data, 0o644); err != nil {
		return err
	}

	buf := make([]byte, w.chunkLen*4)
	for c := 0; c*w.chunkLen < len(values); c++ {
		chunk := values[c*w.chunkLen : min((c+1)*w.chunkLen, len(values))]
		if allZero(chunk) {
			continue
		}
		raw := buf[:len(chunk)*4]
		for i, v := range chunk {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		compressed := w.encoder.EncodeAll(raw, nil)
		if err := os.WriteFile(filepath.Join(arrayPath, "c", strconv.Itoa(c)), compressed, 0o644); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", c, err)
		}
	}
	return nil
}

// WriteContig builds and writes every level for one contig.
func (w *Writer) WriteContig(contig string, values []float32, levels int, aggregation string) error {
	for lod, level := range BuildPyramid(values, levels, aggregation) {
		if err := w.WriteLevel(contig, lod, level); err != nil {
			return fmt.Errorf("contig %s lod %d: %w", contig, lod, err)
		}
	}
	return nil
}

// Close releases the encoder.
func (w *Writer) Close() error {
	return w.encoder.Close()
}

// BuildPyramid returns levels arrays where level n aggregates pairs of
// level n-1 values.
func BuildPyramid(values []float32, levels int, aggregation string) [][]float32 {
	if levels <= 0 {
		levels = 1
	}
	out := make([][]float32, 0, levels)
	out = append(out, values)
	for n := 1; n < levels; n++ {
		prev := out[n-1]
		next := make([]float32, (len(prev)+1)/2)
		for i := range next {
			a := prev[2*i]
			if 2*i+1 >= len(prev) {
				next[i] = a
				continue
			}
			b := prev[2*i+1]
			if aggregation == AggregateMax {
				next[i] = max(a, b)
			} else {
				next[i] = (a + b) / 2
			}
		}
		out = append(out, next)
	}
	return out
}

func allZero(values []float32) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}
