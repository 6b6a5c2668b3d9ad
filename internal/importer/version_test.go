package importer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/appconf"
)

func TestVersionLabelIsDeterministic(t *testing.T) {
	archive := []byte("agency.txt contents")
	hash := HashArchive(archive)
	assert.Equal(t, hash, HashArchive(archive))
	assert.Equal(t, "sound-"+hash[:16], VersionLabel("sound", hash))
	assert.NotEqual(t, hash, HashArchive([]byte("different contents")))
}

func TestCheckVersionRepeatSafe(t *testing.T) {
	db, err := gtfsdb.NewClient(gtfsdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	sourceID, err := db.GetOrCreateFeedSource(ctx, "sound", "", "")
	require.NoError(t, err)

	first, err := CheckVersion(ctx, db, sourceID, "sound-aaaa111122223333", 100)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	// A retried call finds the version it created and reports it the
	// same way.
	again, err := CheckVersion(ctx, db, sourceID, "sound-aaaa111122223333", 200)
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, again.VersionID)
	assert.True(t, again.IsNew)
}

func TestCheckVersionPurgesPartialLoad(t *testing.T) {
	db, err := gtfsdb.NewClient(gtfsdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	sourceID, err := db.GetOrCreateFeedSource(ctx, "sound", "", "")
	require.NoError(t, err)
	versionID, err := db.CreateFeedVersion(ctx, sourceID, "sound-bbbb111122223333", 100)
	require.NoError(t, err)

	// An interrupted load left rows behind without activating.
	_, err = db.BulkUpsertAgencies(ctx, versionID, []gtfsdb.CreateAgencyParams{
		{AgencyID: "ST", Name: "Sound Transit", Timezone: "America/Los_Angeles"},
	})
	require.NoError(t, err)

	check, err := CheckVersion(ctx, db, sourceID, "sound-bbbb111122223333", 200)
	require.NoError(t, err)
	assert.Equal(t, versionID, check.VersionID)
	assert.True(t, check.IsNew)

	n, err := db.CountRows(ctx, "agencies", versionID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckVersionLeavesActiveVersionAlone(t *testing.T) {
	db, err := gtfsdb.NewClient(gtfsdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	sourceID, err := db.GetOrCreateFeedSource(ctx, "sound", "", "")
	require.NoError(t, err)
	versionID, err := db.CreateFeedVersion(ctx, sourceID, "sound-cccc111122223333", 100)
	require.NoError(t, err)
	_, err = db.BulkUpsertAgencies(ctx, versionID, []gtfsdb.CreateAgencyParams{
		{AgencyID: "ST", Name: "Sound Transit", Timezone: "America/Los_Angeles"},
	})
	require.NoError(t, err)
	require.NoError(t, db.ActivateFeedVersion(ctx, versionID))

	check, err := CheckVersion(ctx, db, sourceID, "sound-cccc111122223333", 200)
	require.NoError(t, err)
	assert.False(t, check.IsNew)

	n, err := db.CountRows(ctx, "agencies", versionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
