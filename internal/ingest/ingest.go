// Package ingest converts bedGraph and BED text files into the signal and
// annotation stores served by the track server.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/genome-tiles/server/internal/data/annotstore"
	"github.com/genome-tiles/server/internal/data/zarr"
)

// SignalOptions configures BuildSignalStore.
type SignalOptions struct {
	Name        string
	ChunkLen    int
	TileWidth   int
	Levels      int
	Aggregation string
}

type interval struct {
	start, end int64
	value      float32
}

// ReadBedGraph reads "contig start end value" lines into one dense array per
// contig, sized to the largest end seen. Uncovered positions are zero.
func ReadBedGraph(r io.Reader) (map[string][]float32, error) {
	byContig := make(map[string][]interval)
	lengths := make(map[string]int64)

	err := scanLines(r, func(lineNo int, fields []string) error {
		if len(fields) < 4 {
			return fmt.Errorf("line %d: expected 4 columns, got %d", lineNo, len(fields))
		}
		start, end, err := parseInterval(fields[1], fields[2])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		v, err := strconv.ParseFloat(fields[3], 32)
		if err != nil {
			return fmt.Errorf("line %d: invalid value %q", lineNo, fields[3])
		}
		contig := fields[0]
		byContig[contig] = append(byContig[contig], interval{start, end, float32(v)})
		lengths[contig] = max(lengths[contig], end)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]float32, len(byContig))
	for contig, ivs := range byContig {
		values := make([]float32, lengths[contig])
		for _, iv := range ivs {
			for i := iv.start; i < iv.end; i++ {
				values[i] = iv.value
			}
		}
		out[contig] = values
	}
	return out, nil
}

// ReadBED reads BED3 to BED6 lines. Missing or "." scores read as zero.
func ReadBED(r io.Reader) ([]annotstore.Feature, error) {
	var features []annotstore.Feature
	err := scanLines(r, func(lineNo int, fields []string) error {
		if len(fields) < 3 {
			return fmt.Errorf("line %d: expected at least 3 columns, got %d", lineNo, len(fields))
		}
		start, end, err := parseInterval(fields[1], fields[2])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		f := annotstore.Feature{Contig: fields[0], Start: start, End: end}
		if len(fields) > 3 {
			f.Name = fields[3]
		}
		if len(fields) > 4 && fields[4] != "." {
			if f.Score, err = strconv.ParseFloat(fields[4], 64); err != nil {
				return fmt.Errorf("line %d: invalid score %q", lineNo, fields[4])
			}
		}
		if len(fields) > 5 && fields[5] != "." {
			f.Strand = fields[5]
		}
		features = append(features, f)
		return nil
	})
	return features, err
}

// BuildSignalStore writes every contig with its LOD pyramid and the store
// metadata.
func BuildSignalStore(dir string, signal map[string][]float32, opts SignalOptions) error {
	if opts.Levels <= 0 {
		opts.Levels = 1
	}
	if opts.Aggregation == "" {
		opts.Aggregation = zarr.AggregateMean
	}
	if opts.Aggregation != zarr.AggregateMean && opts.Aggregation != zarr.AggregateMax {
		return fmt.Errorf("unknown aggregation %q", opts.Aggregation)
	}

	w, err := zarr.NewWriter(dir, opts.ChunkLen)
	if err != nil {
		return err
	}
	defer w.Close()

	contigs := make([]string, 0, len(signal))
	for c := range signal {
		contigs = append(contigs, c)
	}
	sort.Strings(contigs)

	md := zarr.Metadata{
		DatasetName: opts.Name,
		TileWidth:   opts.TileWidth,
		LODLevels:   opts.Levels,
		Aggregation: opts.Aggregation,
		Contigs:     make(map[string]int64, len(signal)),
	}
	for _, c := range contigs {
		if err := w.WriteContig(c, signal[c], opts.Levels, opts.Aggregation); err != nil {
			return fmt.Errorf("contig %s: %w", c, err)
		}
		md.Contigs[c] = int64(len(signal[c]))
	}
	return w.WriteMetadata(md)
}

// LoadFeatures inserts features into the store at dbPath in batches.
func LoadFeatures(ctx context.Context, dbPath string, features []annotstore.Feature, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 10000
	}
	store, err := annotstore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	for i := 0; i < len(features); i += batchSize {
		batch := features[i:min(i+batchSize, len(features))]
		if err := store.Insert(ctx, batch); err != nil {
			return fmt.Errorf("batch at %d: %w", i, err)
		}
	}
	return nil
}

// scanLines calls fn with the whitespace-separated fields of every data
// line, skipping blank, comment, "track" and "browser" lines.
func scanLines(r io.Reader, fn func(lineNo int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "track") || strings.HasPrefix(line, "browser") {
			continue
		}
		if err := fn(lineNo, strings.Fields(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseInterval(startStr, endStr string) (int64, int64, error) {
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start %q", startStr)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end %q", endStr)
	}
	if start < 0 || end < start {
		return 0, 0, fmt.Errorf("invalid interval [%d, %d)", start, end)
	}
	return start, end, nil
}
