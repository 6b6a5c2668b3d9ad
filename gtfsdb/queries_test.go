package gtfsdb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gtfsflow.org/internal/appconf"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGetOrCreateFeedSourceIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.GetOrCreateFeedSource(ctx, "bart", "Bay Area Rapid Transit", "en")
	require.NoError(t, err)

	second, err := client.GetOrCreateFeedSource(ctx, "bart", "", "")
	require.NoError(t, err)
	assert.Equal(t, first, second, "same source name must resolve to the same id")

	src, err := client.GetFeedSourceByName(ctx, "bart")
	require.NoError(t, err)
	assert.Equal(t, "Bay Area Rapid Transit", src.Description.String,
		"empty fields on re-create must not clobber existing metadata")

	other, err := client.GetOrCreateFeedSource(ctx, "muni", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestActivateFeedVersionDeactivatesSiblings(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	sourceID, err := client.GetOrCreateFeedSource(ctx, "bart", "", "")
	require.NoError(t, err)

	v1, err := client.CreateFeedVersion(ctx, sourceID, "bart-aaaa111122223333", 100)
	require.NoError(t, err)
	v2, err := client.CreateFeedVersion(ctx, sourceID, "bart-bbbb111122223333", 200)
	require.NoError(t, err)

	require.NoError(t, client.ActivateFeedVersion(ctx, v1))
	active, err := client.GetActiveFeedVersion(ctx, sourceID)
	require.NoError(t, err)
	assert.Equal(t, v1, active.ID)

	require.NoError(t, client.ActivateFeedVersion(ctx, v2))
	active, err = client.GetActiveFeedVersion(ctx, sourceID)
	require.NoError(t, err)
	assert.Equal(t, v2, active.ID)

	var activeCount int64
	err = client.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feed_versions WHERE feed_source_id = ? AND is_active = 1`,
		sourceID).Scan(&activeCount)
	require.NoError(t, err)
	assert.EqualValues(t, 1, activeCount, "at most one version may be active per source")
}

func TestTripUpdateDuplicatesAreIgnored(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	sourceID, err := client.GetOrCreateFeedSource(ctx, "bart", "", "")
	require.NoError(t, err)

	params := CreateTripUpdateParams{
		FeedSourceID:  sourceID,
		TripNaturalID: "trip-1",
		Timestamp:     1000,
		DelaySeconds:  120,
		Status:        "SCHEDULED",
	}

	inserted, err := client.InsertTripUpdate(ctx, params, 1000)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same observation again: first write wins, no error.
	params.DelaySeconds = 999
	inserted, err = client.InsertTripUpdate(ctx, params, 1001)
	require.NoError(t, err)
	assert.False(t, inserted)

	// A later timestamp is a new observation.
	params.Timestamp = 1060
	params.DelaySeconds = 180
	inserted, err = client.InsertTripUpdate(ctx, params, 1060)
	require.NoError(t, err)
	assert.True(t, inserted)

	updates, err := client.ListTripUpdates(ctx, sourceID, "trip-1")
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.EqualValues(t, 120, updates[0].DelaySeconds)
	assert.EqualValues(t, 180, updates[1].DelaySeconds)
}

func TestCloseAlertPreservesHistory(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	sourceID, err := client.GetOrCreateFeedSource(ctx, "bart", "", "")
	require.NoError(t, err)

	_, err = client.InsertServiceAlert(ctx, CreateServiceAlertParams{
		FeedSourceID:   sourceID,
		AlertNaturalID: "alert-1",
		Header:         toNullString("Elevator outage"),
	}, 500)
	require.NoError(t, err)

	open, err := client.ListOpenAlertIDs(ctx, sourceID, 600)
	require.NoError(t, err)
	assert.Equal(t, []string{"alert-1"}, open)

	require.NoError(t, client.CloseAlert(ctx, sourceID, "alert-1", 700))

	open, err = client.ListOpenAlertIDs(ctx, sourceID, 800)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Closed rows stay queryable.
	alerts, err := client.ListAlerts(ctx, sourceID, "alert-1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.EqualValues(t, 700, alerts[0].EndTime.Int64)
}

func TestImportStepMemoization(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.CreateImportRun(ctx, "run-1", "bart", "Fetching", 100))

	_, done, err := client.GetStepResult(ctx, "run-1", "fetch")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, client.SaveStepResult(ctx, "run-1", "fetch", []byte(`{"key":"x"}`), 150))

	result, done, err := client.GetStepResult(ctx, "run-1", "fetch")
	require.NoError(t, err)
	assert.True(t, done)
	assert.JSONEq(t, `{"key":"x"}`, string(result))

	require.NoError(t, client.UpdateImportRunStatus(ctx, "run-1", "Done", sql.NullString{}, 200))
	run, err := client.GetImportRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Done", run.Status)
	assert.EqualValues(t, 200, run.UpdatedAt)
}

func TestListImportRunsNewestFirst(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.CreateImportRun(ctx, "run-1", "bart", "Done", 100))
	require.NoError(t, client.CreateImportRun(ctx, "run-2", "bart", "Failed", 200))
	require.NoError(t, client.CreateImportRun(ctx, "run-3", "sound", "Fetching", 300))

	runs, err := client.ListImportRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)
	assert.Equal(t, "Failed", runs[1].Status)
}

func TestDeleteFeedVersionDataClearsAllTables(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	sourceID, err := client.GetOrCreateFeedSource(ctx, "bart", "", "")
	require.NoError(t, err)
	versionID, err := client.CreateFeedVersion(ctx, sourceID, "bart-cccc111122223333", 100)
	require.NoError(t, err)

	agencies, err := client.BulkUpsertAgencies(ctx, versionID, []CreateAgencyParams{
		{AgencyID: "BA", Name: "BART", Timezone: "America/Los_Angeles"},
	})
	require.NoError(t, err)

	routes, err := client.BulkUpsertRoutes(ctx, versionID, []CreateRouteParams{
		{RouteID: "Red", AgencyID: ToNullInt64(agencies["BA"]), Type: 1},
	})
	require.NoError(t, err)
	require.Len(t, routes, 1)

	require.NoError(t, client.DeleteFeedVersionData(ctx, versionID))

	n, err := client.CountRows(ctx, "agencies", versionID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = client.CountRows(ctx, "routes", versionID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, client.DeleteFeedVersion(ctx, versionID))
	_, err = client.GetFeedVersionByLabel(ctx, sourceID, "bart-cccc111122223333")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
