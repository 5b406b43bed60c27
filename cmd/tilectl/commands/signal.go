package commands

import (
	"fmt"
	"os"

	"github.com/genome-tiles/server/internal/data/zarr"
	"github.com/genome-tiles/server/internal/ingest"
	"github.com/spf13/cobra"
)

var signalOpts struct {
	out         string
	name        string
	chunkLen    int
	tileWidth   int
	levels      int
	aggregation string
}

var signalCmd = &cobra.Command{
	Use:   "signal <file.bedGraph>",
	Short: "Build a zarr signal store from a bedGraph file",
	Long: `Build a zarr signal store from a bedGraph file.

Every contig gets a float32 array per LOD level; each level halves the
previous one with the chosen aggregation.

Examples:
  tilectl signal phylop.bedGraph --out data/hg38/phylop.zarr --levels 16
  tilectl signal depth.bedGraph --out depth.zarr --aggregation max`,
	Args: cobra.ExactArgs(1),
	RunE: runSignal,
}

func init() {
	f := signalCmd.Flags()
	f.StringVarP(&signalOpts.out, "out", "o", "", "output store directory (required)")
	f.StringVar(&signalOpts.name, "name", "", "dataset name written to metadata.json")
	f.IntVar(&signalOpts.chunkLen, "chunk", 65536, "values per chunk file")
	f.IntVar(&signalOpts.tileWidth, "tile-width", 1024, "tile width advertised to the server")
	f.IntVar(&signalOpts.levels, "levels", 12, "number of LOD levels")
	f.StringVar(&signalOpts.aggregation, "aggregation", zarr.AggregateMean, "pyramid aggregation (mean or max)")
	_ = signalCmd.MarkFlagRequired("out")
}

func runSignal(cmd *cobra.Command, args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	signal, err := ingest.ReadBedGraph(in)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	name := signalOpts.name
	if name == "" {
		name = args[0]
	}
	err = ingest.BuildSignalStore(signalOpts.out, signal, ingest.SignalOptions{
		Name:        name,
		ChunkLen:    signalOpts.chunkLen,
		TileWidth:   signalOpts.tileWidth,
		Levels:      signalOpts.levels,
		Aggregation: signalOpts.aggregation,
	})
	if err != nil {
		return fmt.Errorf("failed to build store: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d contig(s) to %s\n", len(signal), signalOpts.out)
	return nil
}
