// Package commands implements the tilectl CLI commands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information injected at build time.
var Version = "dev"

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tilectl",
	Short: "Build track stores for the Genome-Tiles server",
	Long: `tilectl converts genomic text formats into the stores the Genome-Tiles
server reads: bedGraph signal into a zarr LOD pyramid, BED intervals into
an SQLite annotation table.

Use "tilectl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "tilectl", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(annotationsCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
