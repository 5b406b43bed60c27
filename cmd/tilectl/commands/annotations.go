package commands

import (
	"fmt"
	"os"

	"github.com/genome-tiles/server/internal/ingest"
	"github.com/spf13/cobra"
)

var annotationsOpts struct {
	db        string
	batchSize int
}

var annotationsCmd = &cobra.Command{
	Use:   "annotations <file.bed>",
	Short: "Load BED intervals into an SQLite annotation store",
	Long: `Load BED intervals into an SQLite annotation store.

The database is created when missing; features are appended otherwise.

Examples:
  tilectl annotations genes.bed --db data/hg38/genes.sqlite`,
	Args: cobra.ExactArgs(1),
	RunE: runAnnotations,
}

func init() {
	f := annotationsCmd.Flags()
	f.StringVar(&annotationsOpts.db, "db", "", "SQLite database path (required)")
	f.IntVar(&annotationsOpts.batchSize, "batch", 10000, "features per transaction")
	_ = annotationsCmd.MarkFlagRequired("db")
}

func runAnnotations(cmd *cobra.Command, args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	features, err := ingest.ReadBED(in)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	if err := ingest.LoadFeatures(cmd.Context(), annotationsOpts.db, features, annotationsOpts.batchSize); err != nil {
		return fmt.Errorf("failed to load features: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d feature(s) into %s\n", len(features), annotationsOpts.db)
	return nil
}
