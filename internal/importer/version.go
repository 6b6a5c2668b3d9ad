package importer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"gtfsflow.org/gtfsdb"
)

// HashArchive returns the hex SHA-256 of the raw archive bytes. Two
// byte-identical archives always hash to the same version label, which
// is what makes re-imports idempotent.
func HashArchive(archive []byte) string {
	sum := sha256.Sum256(archive)
	return hex.EncodeToString(sum[:])
}

// VersionLabel derives the human-readable version label from the source
// name and the content hash.
func VersionLabel(sourceName, hash string) string {
	return fmt.Sprintf("%s-%s", sourceName, hash[:16])
}

// VersionCheck is the outcome of looking up a content hash against the
// versions already imported for a source.
type VersionCheck struct {
	VersionID int64
	Label     string
	IsNew     bool
}

// CheckVersion resolves a label to an existing version or creates a new,
// inactive one. Safe to repeat: a retried call after the create finds
// the row it created and reports it the same way. An existing inactive
// version is a partial load left by an interrupted run under another run
// id; its rows are purged so the reload starts from a clean slate.
func CheckVersion(ctx context.Context, db *gtfsdb.Client, feedSourceID int64, label string, now int64) (VersionCheck, error) {
	existing, err := db.GetFeedVersionByLabel(ctx, feedSourceID, label)
	if err == nil {
		if !existing.IsActive {
			if err := db.DeleteFeedVersionData(ctx, existing.ID); err != nil {
				return VersionCheck{}, err
			}
		}
		return VersionCheck{VersionID: existing.ID, Label: label, IsNew: !existing.IsActive}, nil
	}
	if err != sql.ErrNoRows {
		return VersionCheck{}, err
	}

	id, err := db.CreateFeedVersion(ctx, feedSourceID, label, now)
	if err != nil {
		return VersionCheck{}, err
	}
	return VersionCheck{VersionID: id, Label: label, IsNew: true}, nil
}
