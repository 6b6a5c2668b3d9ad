package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/appconf"
	"gtfsflow.org/internal/clock"
	"gtfsflow.org/internal/fetch"
	"gtfsflow.org/internal/logging"
)

type feedResponse struct {
	status    int
	body      []byte
	remaining int
	resetAt   int64
}

type pollerEnv struct {
	poller    *Poller
	db        *gtfsdb.Client
	clk       *clock.MockClock
	server    *httptest.Server
	responses map[string]*feedResponse
	hits      map[string]*atomic.Int64
}

func newPollerEnv(t *testing.T) *pollerEnv {
	t.Helper()
	db, err := gtfsdb.NewClient(gtfsdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &pollerEnv{
		db:        db,
		clk:       clock.NewMockClock(time.Unix(1700000000, 0)),
		responses: map[string]*feedResponse{},
		hits:      map[string]*atomic.Int64{},
	}
	for _, path := range []string{"/tu", "/vp", "/alerts"} {
		env.responses[path] = &feedResponse{status: http.StatusOK, remaining: 100}
		env.hits[path] = &atomic.Int64{}
	}

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, ok := env.responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		env.hits[r.URL.Path].Add(1)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(resp.remaining))
		if resp.resetAt != 0 {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resp.resetAt, 10))
		}
		w.WriteHeader(resp.status)
		_, _ = w.Write(resp.body)
	}))
	t.Cleanup(env.server.Close)

	logger := logging.NewStructuredLogger(io.Discard, slog.LevelError)
	merger := NewMerger(db, env.clk, logger, nil)
	env.poller = NewPoller(db, merger, fetch.NewClient(), env.clk, logger, nil,
		WithCallRate(1000, 10))
	return env
}

func (e *pollerEnv) source() SourceFeeds {
	return SourceFeeds{
		Name:                "bay",
		TripUpdatesURL:      e.server.URL + "/tu",
		VehiclePositionsURL: e.server.URL + "/vp",
		AlertsURL:           e.server.URL + "/alerts",
	}
}

func TestPollOnceAppliesAllFeeds(t *testing.T) {
	env := newPollerEnv(t)
	ctx := context.Background()

	env.responses["/tu"].body = marshalFeed(t,
		tripUpdateEntity("e1", "t1", func(tu *gtfsrt.TripUpdate) {
			tu.Delay = proto.Int32(90)
			tu.Timestamp = proto.Uint64(1700000000)
		}))
	env.responses["/vp"].body = marshalFeed(t, &gtfsrt.FeedEntity{
		Id: proto.String("v1"),
		Vehicle: &gtfsrt.VehiclePosition{
			Vehicle:   &gtfsrt.VehicleDescriptor{Id: proto.String("bus-7")},
			Position:  &gtfsrt.Position{Latitude: proto.Float32(37.5), Longitude: proto.Float32(-122.25)},
			Timestamp: proto.Uint64(1700000000),
		},
	})
	env.responses["/alerts"].body = marshalFeed(t, alertEntity("X", &gtfsrt.Alert{
		HeaderText: &gtfsrt.TranslatedString{Translation: []*gtfsrt.TranslatedString_Translation{
			{Text: proto.String("Delays")},
		}},
	}))

	require.NoError(t, env.poller.PollOnce(ctx, env.source()))

	for _, path := range []string{"/tu", "/vp", "/alerts"} {
		assert.EqualValues(t, 1, env.hits[path].Load(), path)
	}

	sourceID, err := env.db.GetOrCreateFeedSource(ctx, "bay", "", "")
	require.NoError(t, err)
	updates, err := env.db.ListTripUpdates(ctx, sourceID, "t1")
	require.NoError(t, err)
	assert.Len(t, updates, 1)
	open, err := env.db.CountOpenAlerts(ctx, sourceID, env.clk.Now().Unix())
	require.NoError(t, err)
	assert.EqualValues(t, 1, open)
	assert.Empty(t, env.clk.Sleeps())
}

func TestPollOnceSkipsEmptyURLs(t *testing.T) {
	env := newPollerEnv(t)
	env.responses["/tu"].body = marshalFeed(t)

	src := env.source()
	src.VehiclePositionsURL = ""
	src.AlertsURL = ""
	require.NoError(t, env.poller.PollOnce(context.Background(), src))

	assert.EqualValues(t, 1, env.hits["/tu"].Load())
	assert.EqualValues(t, 0, env.hits["/vp"].Load())
	assert.EqualValues(t, 0, env.hits["/alerts"].Load())
}

func TestPollOnceQuotaExhaustionSkipsRestOfCycle(t *testing.T) {
	env := newPollerEnv(t)
	env.responses["/tu"].body = marshalFeed(t)
	env.responses["/tu"].remaining = 0
	env.responses["/tu"].resetAt = env.clk.Now().Unix() + 45

	require.NoError(t, env.poller.PollOnce(context.Background(), env.source()))

	// Trip updates were still applied, but the remaining feeds were
	// not fetched and the poller slept until the quota window reset.
	assert.EqualValues(t, 1, env.hits["/tu"].Load())
	assert.EqualValues(t, 0, env.hits["/vp"].Load())
	assert.EqualValues(t, 0, env.hits["/alerts"].Load())
	require.Len(t, env.clk.Sleeps(), 1)
	assert.Equal(t, 45*time.Second, env.clk.Sleeps()[0])
}

func TestPollOnceRateLimitedResponsePauses(t *testing.T) {
	env := newPollerEnv(t)
	env.responses["/tu"].status = http.StatusTooManyRequests
	env.responses["/tu"].remaining = 0
	env.responses["/tu"].resetAt = env.clk.Now().Unix() + 30

	require.NoError(t, env.poller.PollOnce(context.Background(), env.source()))

	assert.EqualValues(t, 0, env.hits["/vp"].Load())
	require.Len(t, env.clk.Sleeps(), 1)
	assert.Equal(t, 30*time.Second, env.clk.Sleeps()[0])
}

func TestPollOnceRateLimitedWithoutResetUsesDefaultPause(t *testing.T) {
	env := newPollerEnv(t)
	env.responses["/tu"].status = http.StatusTooManyRequests
	env.responses["/tu"].remaining = 0

	require.NoError(t, env.poller.PollOnce(context.Background(), env.source()))

	require.Len(t, env.clk.Sleeps(), 1)
	assert.Equal(t, defaultQuotaPause, env.clk.Sleeps()[0])
}

func TestPollOnceServerErrorIsReturned(t *testing.T) {
	env := newPollerEnv(t)
	env.responses["/tu"].status = http.StatusInternalServerError

	err := env.poller.PollOnce(context.Background(), env.source())
	require.Error(t, err)
	assert.EqualValues(t, 0, env.hits["/vp"].Load())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newPollerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.poller.Run(ctx, []SourceFeeds{env.source()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollOnceAcrossCyclesUpdatesAlertLifecycle(t *testing.T) {
	env := newPollerEnv(t)
	ctx := context.Background()
	src := env.source()
	src.TripUpdatesURL = ""
	src.VehiclePositionsURL = ""

	env.responses["/alerts"].body = marshalFeed(t, alertEntity("X", &gtfsrt.Alert{}))
	require.NoError(t, env.poller.PollOnce(ctx, src))

	// Next cycle: the alert is gone from the snapshot, so it closes.
	env.clk.Advance(30 * time.Second)
	env.responses["/alerts"].body = marshalFeed(t)
	require.NoError(t, env.poller.PollOnce(ctx, src))

	sourceID, err := env.db.GetOrCreateFeedSource(ctx, "bay", "", "")
	require.NoError(t, err)
	open, err := env.db.CountOpenAlerts(ctx, sourceID, env.clk.Now().Unix()+1)
	require.NoError(t, err)
	assert.Zero(t, open)
}
