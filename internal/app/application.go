// Package app assembles the pipeline's dependencies. main constructs one
// Application and drives imports and polling through it.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/appconf"
	"gtfsflow.org/internal/blob"
	"gtfsflow.org/internal/clock"
	"gtfsflow.org/internal/fetch"
	"gtfsflow.org/internal/importer"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/metrics"
	"gtfsflow.org/internal/realtime"
)

// Config holds everything the Application needs that comes from flags or
// the environment.
type Config struct {
	App     appconf.Config
	DBPath  string
	BlobDir string

	// Optional authentication header added to every upstream request.
	AuthHeaderKey   string
	AuthHeaderValue string

	PollInterval time.Duration
	ImportBudget time.Duration
}

// Application holds the constructed dependency graph for the pipeline.
type Application struct {
	Config   Config
	Logger   *slog.Logger
	DB       *gtfsdb.Client
	Blob     blob.Store
	Fetcher  *fetch.Client
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Importer *importer.Importer
	Poller   *realtime.Poller
}

// NewApplication wires the full pipeline from config. The caller owns the
// returned Application and must Close it.
func NewApplication(cfg Config, logger *slog.Logger) (*Application, error) {
	db, err := gtfsdb.NewClient(gtfsdb.NewConfig(cfg.DBPath, cfg.App.Env, cfg.App.Verbose))
	if err != nil {
		return nil, err
	}

	store, err := blob.NewFSStore(cfg.BlobDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var fetchOpts []fetch.Option
	if cfg.AuthHeaderKey != "" {
		fetchOpts = append(fetchOpts, fetch.WithAuthHeader(cfg.AuthHeaderKey, cfg.AuthHeaderValue))
	}
	fetcher := fetch.NewClient(fetchOpts...)

	clk := clock.RealClock{}
	m := metrics.NewWithLogger(logger)
	m.StartDBStatsCollector(db.DB, 30*time.Second)

	imp := &importer.Importer{
		DB:      db,
		Blob:    store,
		Fetcher: fetcher,
		Clock:   clk,
		Logger:  logger,
		Metrics: m,
		Budget:  cfg.ImportBudget,
	}

	merger := realtime.NewMerger(db, clk, logger, m)
	var pollerOpts []realtime.PollerOption
	if cfg.PollInterval > 0 {
		pollerOpts = append(pollerOpts, realtime.WithInterval(cfg.PollInterval))
	}
	poller := realtime.NewPoller(db, merger, fetcher, clk, logger, m, pollerOpts...)

	return &Application{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Blob:     store,
		Fetcher:  fetcher,
		Clock:    clk,
		Metrics:  m,
		Importer: imp,
		Poller:   poller,
	}, nil
}

// ServeMetrics exposes the Prometheus registry over HTTP until ctx is
// cancelled. A blank address disables the listener.
func (app *Application) ServeMetrics(ctx context.Context) error {
	addr := app.Config.App.MetricsAddr
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.Metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(app.Logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logging.LogOperation(app.Logger, "metrics_listener_started", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops the metrics collector and releases the Application's
// resources.
func (app *Application) Close() error {
	app.Metrics.Shutdown()
	return app.DB.Close()
}
