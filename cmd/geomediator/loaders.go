package main

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/geomediator/geomediator/internal/config"
	"github.com/geomediator/geomediator/internal/loader"
	"github.com/geomediator/geomediator/internal/observability"
)

var loadersCmd = &cobra.Command{
	Use:   "loaders",
	Short: "List the configured data loaders",
	Long: `Prints the data loaders this build registers, in configuration order.
The same listing is available to SQL clients as md_list_data_loaders.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		deps := loader.NewDeps(loader.Config{Loader: cfg.Loader, Database: cfg.Database}, observability.NewMetrics())
		registry, err := loader.NewRegistry(cfg.Mediator.DataLoaders, deps)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Name", "Description"})
		for _, info := range registry.List() {
			table.Append([]string{info.Name, info.Description})
		}
		table.Render()
		return nil
	},
}
