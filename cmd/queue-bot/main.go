package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/StationQueue/config"
	"github.com/BearBump/StationQueue/internal/geo"
	"github.com/BearBump/StationQueue/internal/models"
	"github.com/BearBump/StationQueue/internal/services/queue"
	"github.com/spf13/cobra"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "queue-bot",
		Short: "Station-scoped FIFO queue for taxi drivers",
		Long: `queue-bot keeps one first-in-first-out queue per taxi station.
Drivers join by sharing their location, every driver sees a live view of
the station queue, drivers that leave the station are evicted and the
driver reaching first place is alerted once.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if cfgPath == "" {
				cfgPath = os.Getenv("configPath")
			}
			if cfgPath == "" {
				cfgPath = "config.yaml"
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path (default $configPath or config.yaml)")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newStationsCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot: receiver, reconciliation loop and ops servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("ошибка парсинга конфига, %w", err)
			}
			setupLogger(cfg.Log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			err = RunQueueBot(ctx, cfg, defaultBotFactories(), serveOptsFromConfig(cfg))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the drivers table and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("ошибка парсинга конфига, %w", err)
			}
			// opening the store applies the schema
			st, closeFn, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := st.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema is up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func newStationsCmd() *cobra.Command {
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "List configured stations, or resolve a point with --lat/--lon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("ошибка парсинга конфига, %w", err)
			}
			stations, err := geo.LoadStations(cfg.Queue.StationsPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !cmd.Flags().Changed("lat") && !cmd.Flags().Changed("lon") {
				for _, s := range stations {
					fmt.Fprintf(out, "%s\t%.6f\t%.6f\n", s.Name, s.Position.Lat, s.Position.Lon)
				}
				return nil
			}
			res := geo.NewResolver(stations).Resolve(models.Coordinate{Lat: lat, Lon: lon})
			fmt.Fprintf(out, "%s\t%s\n", res.Station, queue.FormatDistance(res.Distance))
			return nil
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude of the point to resolve")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude of the point to resolve")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
