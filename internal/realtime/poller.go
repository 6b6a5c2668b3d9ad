package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/clock"
	"gtfsflow.org/internal/fetch"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/metrics"
)

const (
	defaultPollInterval = 30 * time.Second
	// defaultQuotaPause applies when the upstream reports exhaustion
	// without a reset header.
	defaultQuotaPause = time.Minute
)

// SourceFeeds names the real-time endpoints of one source. Empty URLs
// are skipped.
type SourceFeeds struct {
	Name                string
	TripUpdatesURL      string
	VehiclePositionsURL string
	AlertsURL           string
}

// Poller drives periodic real-time synchronization for a set of sources
// sharing one upstream quota. Calls are paced by a token bucket, and a
// zero remaining-requests count pauses the whole cycle until the window
// resets instead of failing.
type Poller struct {
	db      *gtfsdb.Client
	merger  *Merger
	fetcher *fetch.Client
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	interval time.Duration
	limiter  *rate.Limiter
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the pause between poll cycles.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithCallRate bounds outbound calls per second across all sources.
func WithCallRate(callsPerSecond float64, burst int) PollerOption {
	return func(p *Poller) { p.limiter = rate.NewLimiter(rate.Limit(callsPerSecond), burst) }
}

func NewPoller(db *gtfsdb.Client, merger *Merger, fetcher *fetch.Client, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics, opts ...PollerOption) *Poller {
	p := &Poller{
		db:       db,
		merger:   merger,
		fetcher:  fetcher,
		clock:    clk,
		logger:   logger.With(slog.String("component", "poller")),
		metrics:  m,
		interval: defaultPollInterval,
		limiter:  rate.NewLimiter(rate.Limit(5), 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls every source in cycles until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, sources []SourceFeeds) error {
	for {
		for _, src := range sources {
			if err := p.PollOnce(ctx, src); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logging.LogError(p.logger, "poll_cycle_error", err,
					slog.String("source", src.Name))
			}
		}
		if err := p.clock.Sleep(ctx, p.interval); err != nil {
			return err
		}
	}
}

// PollOnce runs one synchronization cycle for one source: trip updates,
// vehicle positions, then alerts. Quota exhaustion mid-cycle skips the
// remaining calls and sleeps out the window; it is not an error.
func (p *Poller) PollOnce(ctx context.Context, src SourceFeeds) error {
	sourceID, err := p.db.GetOrCreateFeedSource(ctx, src.Name, "", "")
	if err != nil {
		return err
	}

	feeds := []struct {
		url   string
		apply func(context.Context, int64, []byte) error
	}{
		{src.TripUpdatesURL, func(ctx context.Context, id int64, b []byte) error {
			_, err := p.merger.ApplyTripUpdates(ctx, id, b)
			return err
		}},
		{src.VehiclePositionsURL, func(ctx context.Context, id int64, b []byte) error {
			_, err := p.merger.ApplyVehiclePositions(ctx, id, b)
			return err
		}},
		{src.AlertsURL, func(ctx context.Context, id int64, b []byte) error {
			return p.merger.ApplyAlerts(ctx, id, b)
		}},
	}

	for _, feed := range feeds {
		if feed.url == "" {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		result, err := p.fetcher.GetRealtime(ctx, feed.url)
		if err != nil {
			var statusErr *fetch.StatusError
			if errors.As(err, &statusErr) && statusErr.IsRateLimited() {
				p.countPoll(src.Name, "rate_limited")
				return p.pauseForQuota(ctx, src.Name, statusErr.Rate)
			}
			p.countPoll(src.Name, "error")
			return err
		}

		p.observeQuota(src.Name, result.Rate)

		if err := feed.apply(ctx, sourceID, result.Body); err != nil {
			p.countPoll(src.Name, "error")
			return err
		}
		p.countPoll(src.Name, "success")

		if result.Rate.Remaining == 0 {
			// Quota spent; drop the rest of this cycle and wait for
			// the window to reset.
			return p.pauseForQuota(ctx, src.Name, result.Rate)
		}
	}
	return nil
}

func (p *Poller) countPoll(source, outcome string) {
	if p.metrics != nil {
		p.metrics.RealtimePollsTotal.WithLabelValues(source, outcome).Inc()
	}
}

func (p *Poller) observeQuota(source string, info fetch.RateInfo) {
	if p.metrics != nil && info.Remaining >= 0 {
		p.metrics.RateLimitRemaining.WithLabelValues(source).Set(float64(info.Remaining))
	}
}

func (p *Poller) pauseForQuota(ctx context.Context, source string, info fetch.RateInfo) error {
	pause := defaultQuotaPause
	if !info.ResetAt.IsZero() {
		if until := info.ResetAt.Sub(p.clock.Now()); until > 0 {
			pause = until
		}
	}
	logging.LogOperation(p.logger, "rate_limit_pause",
		slog.String("source", source),
		slog.Duration("pause", pause))
	return p.clock.Sleep(ctx, pause)
}
