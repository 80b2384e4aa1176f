// Command harvest downloads GeoMAC fire perimeter reports for one state and
// year and writes per-fire TopoJSON files plus a fire index.
//
// Usage:
//
//	harvest --state Oregon --year 2020 --dest rcwildfires-data
//
// Every flag has a GEOMAC_* environment counterpart; flags win.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/http"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/filestore"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/geomac"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/openmeteo"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/shapefile"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/config"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/forest"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/observability"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/pipeline"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		slog.Error("harvest failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:   "harvest",
		Usage:  "Harvest GeoMAC wildfire perimeters for a state and year",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "state", Aliases: []string{"s"}, Usage: "state directory name", DefaultText: "Oregon"},
			&cli.StringFlag{Name: "year", Aliases: []string{"y"}, Usage: "fire season year", DefaultText: "current_year"},
			&cli.StringFlag{Name: "dest", Aliases: []string{"d"}, Usage: "output directory", DefaultText: "rcwildfires-data"},
			&cli.StringFlag{Name: "forest", Aliases: []string{"f"}, Usage: `forest land GeoJSON URL, or "ignore"`},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log progress at info level"},
			&cli.BoolFlag{Name: "noelev", Aliases: []string{"n"}, Usage: "skip elevation lookup"},
		},
	}
}

// applyFlags overrides environment configuration with flags given on the
// command line.
func applyFlags(cfg *config.Config, cmd *cli.Command) {
	if cmd.IsSet("state") {
		cfg.State = cmd.String("state")
	}
	if cmd.IsSet("year") {
		cfg.Year = cmd.String("year")
	}
	if cmd.IsSet("dest") {
		cfg.Dest = cmd.String("dest")
	}
	if cmd.IsSet("forest") {
		cfg.ForestURL = cmd.String("forest")
	}
	if cmd.IsSet("verbose") {
		cfg.Verbose = cmd.Bool("verbose")
	}
	if cmd.IsSet("noelev") {
		cfg.NoElevation = cmd.Bool("noelev")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := observability.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck // nothing left to report to
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()
	defer writeMetrics(cfg, logger)

	h, cleanup, err := buildHarvester(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.HTTPAddr != "" {
		srv := httpadapter.NewServer(cfg.HTTPAddr, h, h, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown error", "error", err)
			}
		}()
	}

	_, err = h.Run(ctx)
	return err
}

// buildHarvester wires the harvester's collaborators. The forest layer is
// loaded here, once, before any fire is processed.
func buildHarvester(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*pipeline.Harvester, func(), error) {
	client := geomac.NewClient(cfg.RequestTimeout, cfg.RetryMax, metrics, logger)
	cleanup := func() {}

	var opts []pipeline.Option
	if cfg.ForestEnabled() {
		est, err := forest.Load(ctx, client, cfg.ForestURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("forest layer loaded", "parts", est.Parts(), "dropped", est.Dropped())
		opts = append(opts, pipeline.WithForest(est))
	} else {
		logger.Info("forest overlap disabled")
	}

	if !cfg.NoElevation {
		elev := openmeteo.NewClient(cfg.ElevationURL, cfg.ElevationTimeout, cfg.ElevationBatchSize, metrics, logger)
		cached := openmeteo.NewCachedResolver(elev, cfg.ElevationCacheTTL, metrics)
		cleanup = cached.Close
		metrics.ElevationEnabled.Set(1)
		opts = append(opts, pipeline.WithElevation(cached))
	}

	h := pipeline.New(pipeline.Options{
		ListingURL:        cfg.ListingURL(),
		Year:              cfg.Year,
		FireConcurrency:   cfg.FireConcurrency,
		ReportConcurrency: cfg.ReportConcurrency,
		AcreageThreshold:  cfg.AcreageThreshold,
	}, client, geomac.LinkParser{}, shapefile.NewDecoder(), filestore.New(cfg.Dest), logger, metrics, opts...)
	return h, cleanup, nil
}

func writeMetrics(cfg *config.Config, logger *slog.Logger) {
	if cfg.MetricsTextfile == "" {
		return
	}
	if err := observability.WriteTextfile(cfg.MetricsTextfile); err != nil {
		logger.Error("metrics textfile not written", "path", cfg.MetricsTextfile, "error", err)
	}
}
