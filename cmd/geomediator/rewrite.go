package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/geomediator/geomediator/internal/config"
	"github.com/geomediator/geomediator/internal/database"
	"github.com/geomediator/geomediator/internal/loader"
	"github.com/geomediator/geomediator/internal/observability"
	"github.com/geomediator/geomediator/internal/rewrite"
	"github.com/geomediator/geomediator/internal/status"
)

var rewriteUser string

var rewriteCmd = &cobra.Command{
	Use:   "rewrite [sql]",
	Short: "Rewrite one statement and print the result",
	Long: `Runs a statement through the mediator exactly as a proxied client
connection would: URL relation references are substituted, mediator
statements (md_fetch_data, md_list_data_loaders, md_remove_data) are
executed, and the translated SQL is printed. Reads from stdin when no
argument is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sql := strings.Join(args, " ")
		if strings.TrimSpace(sql) == "" {
			input, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read statement from stdin: %w", err)
			}
			sql = string(input)
		}
		if strings.TrimSpace(sql) == "" {
			return fmt.Errorf("no statement given")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		db, err := database.NewConnection(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return err
		}

		mediator, err := buildMediator(cfg, db)
		if err != nil {
			return err
		}

		translated, err := mediator.Rewrite(context.Background(), rewriteUser, sql, false)
		if err != nil {
			return err
		}

		fmt.Println(translated)
		return nil
	},
}

// buildMediator wires the rewrite path the way an embedding proxy would.
func buildMediator(cfg *config.Config, db *database.Connection) (*rewrite.Mediator, error) {
	metrics := observability.NewMetrics()
	db.SetMetrics(metrics)

	deps := loader.NewDeps(loader.Config{Loader: cfg.Loader, Database: cfg.Database}, metrics)
	registry, err := loader.NewRegistry(cfg.Mediator.DataLoaders, deps)
	if err != nil {
		return nil, err
	}

	store := status.NewStore(db, cfg.Mediator.NotifyChannel)
	hasher := rewrite.NewHasher(cfg.Mediator.SecretKey)
	return rewrite.NewMediator(hasher, store, registryAdapter{registry}, metrics), nil
}

// registryAdapter exposes the loader registry through the rewrite package's
// narrower interface.
type registryAdapter struct {
	registry *loader.Registry
}

func (a registryAdapter) Accepts(ctx context.Context, url string) bool {
	return a.registry.Accepts(ctx, url)
}

func (a registryAdapter) List() []rewrite.LoaderInfo {
	infos := a.registry.List()
	out := make([]rewrite.LoaderInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, rewrite.LoaderInfo{Name: info.Name, Description: info.Description})
	}
	return out
}

func init() {
	rewriteCmd.Flags().StringVarP(&rewriteUser, "user", "u", "geomediator",
		"username recorded as the fetch requester")
}
