package main

import (
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/geomediator/geomediator/internal/config"
	"github.com/geomediator/geomediator/internal/daemon"
	"github.com/geomediator/geomediator/internal/database"
	"github.com/geomediator/geomediator/internal/loader"
	"github.com/geomediator/geomediator/internal/observability"
)

var metricsAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the data load daemon",
	Long: `Listens on the load request channel and materialises remote services
into PostGIS tables. Runs until interrupted; in-flight loads are allowed to
finish on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		log.Info().
			Str("version", Version).
			Str("channel", cfg.Mediator.NotifyChannel).
			Msg("Starting geomediator daemon")

		metrics := observability.NewMetrics()

		db, err := database.NewConnection(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMetrics(metrics)

		if err := db.Migrate(); err != nil {
			return err
		}

		deps := loader.NewDeps(loader.Config{Loader: cfg.Loader, Database: cfg.Database}, metrics)
		registry, err := loader.NewRegistry(cfg.Mediator.DataLoaders, deps)
		if err != nil {
			return err
		}

		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.Handle("/healthz", observability.HealthHandler(db.Health))
				log.Info().Str("address", metricsAddr).Msg("Serving metrics")
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Error().Err(err).Msg("Metrics server failed")
				}
			}()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d := daemon.New(cfg.Database.ConnectionString(), cfg.Mediator.NotifyChannel, registry, deps)
		return d.Run(ctx)
	},
}

func init() {
	daemonCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"address for the Prometheus /metrics endpoint, empty to disable")
}
