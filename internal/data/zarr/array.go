package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// chunkLen returns the chunk length of a 1-D array.
func (m *ZarrV3ArrayMeta) chunkLen() (int, error) {
	if len(m.Shape) != 1 || len(m.ChunkGrid.Configuration.ChunkShape) != 1 {
		return 0, fmt.Errorf("expected 1-D array, got shape %v chunks %v", m.Shape, m.ChunkGrid.Configuration.ChunkShape)
	}
	n := m.ChunkGrid.Configuration.ChunkShape[0]
	if n <= 0 {
		return 0, fmt.Errorf("invalid chunk shape: %v", m.ChunkGrid.Configuration.ChunkShape)
	}
	return n, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.DataType != "float32" {
		return nil, fmt.Errorf("unsupported zarr data_type: %s", meta.DataType)
	}
	return &meta, nil
}

// readChunk reads and decompresses a chunk from Zarr v3 format.
func (r *Reader) readChunk(arrayPath string, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	compressed, err := os.ReadFile(filepath.Join(arrayPath, "c", chunkKey))
	if err != nil {
		return nil, err
	}

	decompressed, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func fillValue(meta *ZarrV3ArrayMeta) (float32, error) {
	switch t := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return float32(t), nil
	case string:
		// Zarr v3 spells non-finite fill values as strings.
		switch t {
		case "NaN":
			return float32(math.NaN()), nil
		case "Infinity":
			return float32(math.Inf(1)), nil
		case "-Infinity":
			return float32(math.Inf(-1)), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value for float32: %v", meta.FillValue)
}

// readChunkAt decodes one chunk of a 1-D float32 array. A chunk missing on
// disk reads as the fill value.
func (r *Reader) readChunkAt(arrayPath string, meta *ZarrV3ArrayMeta, idx int) ([]float32, error) {
	chunkLen, err := meta.chunkLen()
	if err != nil {
		return nil, err
	}
	start := idx * chunkLen
	if start < 0 || start >= meta.Shape[0] {
		return nil, fmt.Errorf("chunk index out of range: start=%d shape=%d", start, meta.Shape[0])
	}
	n := min(chunkLen, meta.Shape[0]-start)

	data, err := r.readChunk(arrayPath, encodeChunkKey(meta, []int{idx}))
	if os.IsNotExist(err) {
		fill, fillErr := fillValue(meta)
		if fillErr != nil {
			return nil, fillErr
		}
		out := make([]float32, n)
		if fill != 0 {
			for i := range out {
				out[i] = fill
			}
		}
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	// Writers may pad the trailing chunk to the full chunk length.
	if len(data) < n*4 {
		return nil, fmt.Errorf("chunk %d too short: got %d bytes, expected %d", idx, len(data), n*4)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
