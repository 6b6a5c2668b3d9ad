package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver
	"gtfsflow.org/internal/app"
	"gtfsflow.org/internal/appconf"
	"gtfsflow.org/internal/importer"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/realtime"
)

type config struct {
	env     string
	verbose bool

	dbPath      string
	blobDir     string
	metricsAddr string

	sourceName string
	sourceDesc string
	sourceLang string

	staticURL           string
	tripUpdatesURL      string
	vehiclePositionsURL string
	alertsURL           string

	runID        string
	importBudget time.Duration
	keepVersions int
	pollInterval time.Duration
	pollOnce     bool
	listRuns     bool
}

func main() {
	// A missing .env file is fine; flags and real environment variables
	// still apply.
	_ = godotenv.Load()

	var cfg config
	flag.StringVar(&cfg.env, "env", "development", "Environment (development|test|production)")
	flag.BoolVar(&cfg.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&cfg.dbPath, "db", envOr("GTFSFLOW_DB", "gtfsflow.db"), "Path to the SQLite database file")
	flag.StringVar(&cfg.blobDir, "blob-dir", envOr("GTFSFLOW_BLOB_DIR", "blobs"), "Directory for staged archives and tables")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", envOr("GTFSFLOW_METRICS_ADDR", ""), "Prometheus listen address, blank to disable")
	flag.StringVar(&cfg.sourceName, "source", "default", "Feed source name")
	flag.StringVar(&cfg.sourceDesc, "source-desc", "", "Feed source description")
	flag.StringVar(&cfg.sourceLang, "source-lang", "", "Feed source language code")
	flag.StringVar(&cfg.staticURL, "static-url", envOr("GTFSFLOW_STATIC_URL", ""), "URL for the static GTFS zip archive")
	flag.StringVar(&cfg.tripUpdatesURL, "trip-updates-url", envOr("GTFSFLOW_TRIP_UPDATES_URL", ""), "URL for the GTFS-RT trip updates feed")
	flag.StringVar(&cfg.vehiclePositionsURL, "vehicle-positions-url", envOr("GTFSFLOW_VEHICLE_POSITIONS_URL", ""), "URL for the GTFS-RT vehicle positions feed")
	flag.StringVar(&cfg.alertsURL, "alerts-url", envOr("GTFSFLOW_ALERTS_URL", ""), "URL for the GTFS-RT service alerts feed")
	flag.StringVar(&cfg.runID, "run-id", "", "Import run id; pass a previous run's id to resume it")
	flag.DurationVar(&cfg.importBudget, "import-budget", 0, "Wall-clock budget for one import run, 0 for the default")
	flag.IntVar(&cfg.keepVersions, "keep-versions", 2, "Inactive feed versions to retain per source after import")
	flag.DurationVar(&cfg.pollInterval, "poll-interval", 0, "Pause between real-time poll cycles, 0 for the default")
	flag.BoolVar(&cfg.pollOnce, "poll-once", false, "Run a single real-time poll cycle and exit")
	flag.BoolVar(&cfg.listRuns, "list-runs", false, "List recent import runs and exit")
	flag.Parse()

	logLevel := slog.LevelInfo
	if cfg.verbose {
		logLevel = slog.LevelDebug
	}
	logger := logging.NewStructuredLogger(os.Stdout, logLevel)

	if err := run(cfg, logger); err != nil {
		logging.LogError(logger, "gtfsflow_failed", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(app.Config{
		App: appconf.Config{
			Env:         appconf.EnvFlagToEnvironment(cfg.env),
			Verbose:     cfg.verbose,
			MetricsAddr: cfg.metricsAddr,
		},
		DBPath:          cfg.dbPath,
		BlobDir:         cfg.blobDir,
		AuthHeaderKey:   os.Getenv("GTFSFLOW_AUTH_HEADER"),
		AuthHeaderValue: os.Getenv("GTFSFLOW_AUTH_VALUE"),
		PollInterval:    cfg.pollInterval,
		ImportBudget:    cfg.importBudget,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logging.LogError(logger, "application_close_failed", err)
		}
	}()

	if cfg.listRuns {
		runs, err := application.DB.ListImportRuns(ctx, 20)
		if err != nil {
			return err
		}
		for _, r := range runs {
			logging.LogOperation(logger, "import_run",
				slog.String("run_id", r.ID),
				slog.String("source", r.FeedSourceName),
				slog.String("status", r.Status),
				slog.String("error", r.Error.String),
				slog.Int64("updated_at", r.UpdatedAt))
		}
		return nil
	}

	metricsDone := make(chan error, 1)
	go func() { metricsDone <- application.ServeMetrics(ctx) }()

	if cfg.staticURL != "" {
		runID := cfg.runID
		if runID == "" {
			runID = uuid.NewString()
		}
		source := importer.Source{
			Name:        cfg.sourceName,
			Description: cfg.sourceDesc,
			Lang:        cfg.sourceLang,
			StaticURL:   cfg.staticURL,
		}
		outcome, err := application.Importer.Import(ctx, source, runID)
		if err != nil {
			return err
		}
		logging.LogOperation(logger, "import_finished",
			slog.String("run_id", outcome.RunID),
			slog.String("label", outcome.Label),
			slog.Bool("duplicate", outcome.Duplicate))

		if !outcome.Duplicate && cfg.keepVersions >= 0 {
			purged, err := application.Importer.PurgeSupersededVersions(ctx, outcome.FeedSourceID, cfg.keepVersions)
			if err != nil {
				return err
			}
			if purged > 0 {
				logging.LogOperation(logger, "superseded_versions_purged",
					slog.Int("count", purged))
			}
		}
	}

	feeds := realtime.SourceFeeds{
		Name:                cfg.sourceName,
		TripUpdatesURL:      cfg.tripUpdatesURL,
		VehiclePositionsURL: cfg.vehiclePositionsURL,
		AlertsURL:           cfg.alertsURL,
	}
	hasRealtime := feeds.TripUpdatesURL != "" || feeds.VehiclePositionsURL != "" || feeds.AlertsURL != ""

	switch {
	case hasRealtime && cfg.pollOnce:
		if err := application.Poller.PollOnce(ctx, feeds); err != nil {
			return err
		}
	case hasRealtime:
		if err := application.Poller.Run(ctx, []realtime.SourceFeeds{feeds}); err != nil && ctx.Err() == nil {
			return err
		}
	}

	stop()
	return <-metricsDone
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
