package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	// Loader families register themselves at init time.
	_ "github.com/geomediator/geomediator/internal/loader/arcgis"
	_ "github.com/geomediator/geomediator/internal/loader/wcs"
	_ "github.com/geomediator/geomediator/internal/loader/wfs"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "geomediator",
	Short: "SQL mediator for remote geospatial services",
	Long: `Geomediator sits between SQL clients and PostGIS. Statements that
reference remote geospatial services (WFS, WCS, ArcGIS) by URL are rewritten
to read from local tables, and the md_fetch_data statement materialises those
tables in the background.

Get started:
  geomediator daemon     Run the data load daemon
  geomediator rewrite    Rewrite a statement on the command line
  geomediator loaders    List the configured data loaders`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Geomediator %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Build Date: %s\n", BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(rewriteCmd)
	rootCmd.AddCommand(loadersCmd)
}
