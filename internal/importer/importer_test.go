package importer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/appconf"
	"gtfsflow.org/internal/blob"
	"gtfsflow.org/internal/clock"
	"gtfsflow.org/internal/fetch"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/workflow"
)

func buildArchive(t *testing.T, tables map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range tables {
		w, err := zw.Create(name + ".txt")
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func fixtureTables() map[string]string {
	return map[string]string{
		"agency": "agency_id,agency_name,agency_url,agency_timezone\n" +
			"BA,Bay Transit,https://example.com,America/Los_Angeles\n",
		"levels": "level_id,level_index,level_name\n" +
			"L1,0,Street\n",
		"stops": "stop_id,stop_name,stop_lat,stop_lon,location_type,parent_station,level_id\n" +
			"STATION,Main Station,37.0000,-122.0000,1,,L1\n" +
			"PLAT-1,Platform 1,37.0001,-122.0001,0,STATION,\n" +
			"PLAT-2,Platform 2,37.0002,-122.0002,0,STATION,\n" +
			"GHOST,Orphan Stop,37.1000,-122.1000,0,MISSING,\n",
		"routes": "route_id,agency_id,route_short_name,route_type\n" +
			"Red,BA,R,1\n" +
			"Broken,BA,B,not_a_number\n",
		"calendar": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
			"weekday,1,1,1,1,1,0,0,20240101,20241231\n",
		"calendar_dates": "service_id,date,exception_type\n" +
			"weekday,20240704,2\n",
		"trips": "route_id,service_id,trip_id,shape_id\n" +
			"Red,weekday,t1,sh1\n" +
			"Nonexistent,weekday,t2,\n",
		"stop_times": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"t1,08:00:00,08:00:30,PLAT-1,1\n" +
			"t1,08:05:00,08:05:30,PLAT-2,2\n" +
			"t1,08:10:00,08:10:30,NOWHERE,3\n" +
			"t2,09:00:00,09:00:30,PLAT-1,1\n",
		"shapes": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
			"sh1,37.0000,-122.0000,1\n" +
			"sh1,37.0001,-122.0001,2\n" +
			"sh1,37.0002,-122.0002,3\n",
		"transfers": "from_stop_id,to_stop_id,transfer_type,min_transfer_time\n" +
			"PLAT-1,PLAT-2,2,120\n",
		"frequencies": "trip_id,start_time,end_time,headway_secs\n" +
			"t1,06:00:00,10:00:00,600\n",
		"fare_attributes": "fare_id,price,currency_type,payment_method,transfers,agency_id\n" +
			"base,2.50,USD,0,0,BA\n",
		"fare_rules": "fare_id,route_id\n" +
			"base,Red\n",
		"attributions": "attribution_id,organization_name,is_producer\n" +
			"a1,Fixture Transit Data,1\n",
		"pathways": "pathway_id,from_stop_id,to_stop_id,pathway_mode,is_bidirectional\n" +
			"pw1,PLAT-1,PLAT-2,1,1\n",
	}
}

type testEnv struct {
	imp      *Importer
	db       *gtfsdb.Client
	store    blob.Store
	clk      *clock.MockClock
	server   *httptest.Server
	fetches  *atomic.Int64
	archives map[string][]byte
}

// newTestEnv serves archives["static"] at /static.zip and wires a full
// importer against in-memory storage.
func newTestEnv(t *testing.T, archive []byte) *testEnv {
	t.Helper()

	db, err := gtfsdb.NewClient(gtfsdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		db:       db,
		store:    store,
		clk:      clock.NewMockClock(time.Unix(1700000000, 0)),
		fetches:  &atomic.Int64{},
		archives: map[string][]byte{"static": archive},
	}

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.fetches.Add(1)
		_, _ = w.Write(env.archives["static"])
	}))
	t.Cleanup(env.server.Close)

	env.imp = &Importer{
		DB:      db,
		Blob:    store,
		Fetcher: fetch.NewClient(),
		Clock:   env.clk,
		Logger:  logging.NewStructuredLogger(io.Discard, slog.LevelError),
	}
	return env
}

func TestImportEndToEnd(t *testing.T) {
	env := newTestEnv(t, buildArchive(t, fixtureTables()))
	ctx := context.Background()

	outcome, err := env.imp.Import(ctx, Source{Name: "bay", StaticURL: env.server.URL}, "run-1")
	require.NoError(t, err)

	assert.False(t, outcome.Duplicate)
	assert.True(t, strings.HasPrefix(outcome.Label, "bay-"))
	assert.Equal(t, 2, outcome.StopTimeRows, "rows with unresolved trip or stop are dropped")
	assert.Equal(t, 3, outcome.ShapeRows)

	active, err := env.db.GetActiveFeedVersion(ctx, outcome.FeedSourceID)
	require.NoError(t, err)
	assert.Equal(t, outcome.VersionID, active.ID)
	assert.True(t, active.StartDate.Valid)
	assert.True(t, active.EndDate.Valid)
	assert.Less(t, active.StartDate.Int64, active.EndDate.Int64)

	for table, want := range map[string]int64{
		"agencies":        1,
		"levels":          1,
		"stops":           4,
		"routes":          1, // the row with an unparsable type is dropped
		"calendars":       1,
		"calendar_dates":  1,
		"trips":           1, // the trip referencing an unknown route is dropped
		"stop_times":      2,
		"shapes":          3,
		"shape_polylines": 1,
		"transfers":       1,
		"frequencies":     1,
		"fare_attributes": 1,
		"fare_rules":      1,
		"attributions":    1,
		"pathways":        1,
	} {
		n, err := env.db.CountRows(ctx, table, outcome.VersionID)
		require.NoError(t, err, table)
		assert.Equal(t, want, n, table)
	}

	// Parent links: platforms point at the station, the orphan stays
	// unlinked, the station itself has no parent.
	station, err := env.db.GetStopByNaturalID(ctx, outcome.VersionID, "STATION")
	require.NoError(t, err)
	for _, id := range []string{"PLAT-1", "PLAT-2"} {
		s, err := env.db.GetStopByNaturalID(ctx, outcome.VersionID, id)
		require.NoError(t, err)
		require.True(t, s.ParentStationID.Valid, id)
		assert.Equal(t, station.ID, s.ParentStationID.Int64, id)
	}
	ghost, err := env.db.GetStopByNaturalID(ctx, outcome.VersionID, "GHOST")
	require.NoError(t, err)
	assert.False(t, ghost.ParentStationID.Valid)

	// The precomputed polyline carries the shape's on-ground length.
	var length float64
	err = env.db.DB.QueryRowContext(ctx,
		`SELECT length_meters FROM shape_polylines WHERE feed_version_id = ? AND shape_id = 'sh1'`,
		outcome.VersionID).Scan(&length)
	require.NoError(t, err)
	assert.Greater(t, length, 0.0)

	// Staging is deleted once the version is active.
	keys, err := env.store.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	run, err := env.db.GetImportRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Done", run.Status)
}

func TestImportStoresPastMidnightTimes(t *testing.T) {
	tables := fixtureTables()
	tables["stop_times"] = "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
		"t1,25:30:00,25:31:00,PLAT-1,1\n" +
		"t1,25:40:00,25:41:00,PLAT-2,2\n"
	env := newTestEnv(t, buildArchive(t, tables))
	ctx := context.Background()

	outcome, err := env.imp.Import(ctx, Source{Name: "bay", StaticURL: env.server.URL}, "run-1")
	require.NoError(t, err)

	var arrival int64
	err = env.db.DB.QueryRowContext(ctx, `
		SELECT arrival_time FROM stop_times
		WHERE feed_version_id = ? AND stop_sequence = 1
	`, outcome.VersionID).Scan(&arrival)
	require.NoError(t, err)
	assert.EqualValues(t, 25*3600+30*60, arrival)
}

func TestImportLinksParentListedAfterChildren(t *testing.T) {
	tables := fixtureTables()
	tables["stops"] = "stop_id,stop_name,stop_lat,stop_lon,location_type,parent_station,level_id\n" +
		"PLAT-1,Platform 1,37.0001,-122.0001,0,STATION,\n" +
		"PLAT-2,Platform 2,37.0002,-122.0002,0,STATION,\n" +
		"STATION,Main Station,37.0000,-122.0000,1,,L1\n"
	env := newTestEnv(t, buildArchive(t, tables))
	ctx := context.Background()

	outcome, err := env.imp.Import(ctx, Source{Name: "bay", StaticURL: env.server.URL}, "run-1")
	require.NoError(t, err)

	// Children appear before their parent in the file; the second pass
	// resolves them once every stop row exists.
	station, err := env.db.GetStopByNaturalID(ctx, outcome.VersionID, "STATION")
	require.NoError(t, err)
	for _, id := range []string{"PLAT-1", "PLAT-2"} {
		s, err := env.db.GetStopByNaturalID(ctx, outcome.VersionID, id)
		require.NoError(t, err)
		require.True(t, s.ParentStationID.Valid, id)
		assert.Equal(t, station.ID, s.ParentStationID.Int64, id)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	env := newTestEnv(t, buildArchive(t, fixtureTables()))
	ctx := context.Background()
	source := Source{Name: "bay", StaticURL: env.server.URL}

	first, err := env.imp.Import(ctx, source, "run-1")
	require.NoError(t, err)

	// Same bytes under a new run id: detected as duplicate, no second
	// version, the active version is untouched.
	second, err := env.imp.Import(ctx, source, "run-2")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.VersionID, second.VersionID)
	assert.Equal(t, first.Label, second.Label)

	versions, err := env.db.ListFeedVersions(ctx, first.FeedSourceID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	n, err := env.db.CountRows(ctx, "stop_times", first.VersionID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestImportResumedRunSkipsCompletedSteps(t *testing.T) {
	env := newTestEnv(t, buildArchive(t, fixtureTables()))
	ctx := context.Background()
	source := Source{Name: "bay", StaticURL: env.server.URL}

	_, err := env.imp.Import(ctx, source, "run-1")
	require.NoError(t, err)
	fetchesAfterFirst := env.fetches.Load()

	// Re-entering the same run id replays memoized checkpoints without
	// touching the network again.
	outcome, err := env.imp.Import(ctx, source, "run-1")
	require.NoError(t, err)
	assert.False(t, outcome.Duplicate)
	assert.Equal(t, fetchesAfterFirst, env.fetches.Load())
}

func TestImportNewContentActivatesNewVersion(t *testing.T) {
	env := newTestEnv(t, buildArchive(t, fixtureTables()))
	ctx := context.Background()
	source := Source{Name: "bay", StaticURL: env.server.URL}

	first, err := env.imp.Import(ctx, source, "run-1")
	require.NoError(t, err)

	changed := fixtureTables()
	changed["stops"] = strings.Replace(changed["stops"], "Main Station", "Main Station Rebuilt", 1)
	env.archives["static"] = buildArchive(t, changed)

	second, err := env.imp.Import(ctx, source, "run-2")
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.VersionID, second.VersionID)
	assert.NotEqual(t, first.Label, second.Label)

	active, err := env.db.GetActiveFeedVersion(ctx, first.FeedSourceID)
	require.NoError(t, err)
	assert.Equal(t, second.VersionID, active.ID)

	versions, err := env.db.ListFeedVersions(ctx, first.FeedSourceID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestImportMissingRequiredTableIsFatal(t *testing.T) {
	tables := fixtureTables()
	delete(tables, "stops")
	env := newTestEnv(t, buildArchive(t, tables))
	ctx := context.Background()

	_, err := env.imp.Import(ctx, Source{Name: "bay", StaticURL: env.server.URL}, "run-1")
	require.Error(t, err)
	assert.True(t, workflow.IsFatal(err))
	assert.Contains(t, err.Error(), "stops.txt")

	run, err := env.db.GetImportRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Failed", run.Status)

	// Nothing partial became visible.
	sourceID, err := env.db.GetOrCreateFeedSource(ctx, "bay", "", "")
	require.NoError(t, err)
	_, err = env.db.GetActiveFeedVersion(ctx, sourceID)
	assert.Error(t, err)
}

func TestImportGarbageArchiveIsFatal(t *testing.T) {
	env := newTestEnv(t, []byte("this is not a zip file"))
	ctx := context.Background()

	_, err := env.imp.Import(ctx, Source{Name: "bay", StaticURL: env.server.URL}, "run-1")
	require.Error(t, err)
	assert.True(t, workflow.IsFatal(err))
}

func TestPurgeSupersededVersions(t *testing.T) {
	env := newTestEnv(t, buildArchive(t, fixtureTables()))
	ctx := context.Background()
	source := Source{Name: "bay", StaticURL: env.server.URL}

	first, err := env.imp.Import(ctx, source, "run-1")
	require.NoError(t, err)

	changed := fixtureTables()
	changed["agency"] = strings.Replace(changed["agency"], "Bay Transit", "Bay Transit Inc", 1)
	env.archives["static"] = buildArchive(t, changed)
	second, err := env.imp.Import(ctx, source, "run-2")
	require.NoError(t, err)

	purged, err := env.imp.PurgeSupersededVersions(ctx, first.FeedSourceID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	versions, err := env.db.ListFeedVersions(ctx, first.FeedSourceID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, second.VersionID, versions[0].ID)

	n, err := env.db.CountRows(ctx, "stop_times", first.VersionID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
