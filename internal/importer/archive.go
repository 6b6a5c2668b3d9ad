// Package importer ingests static GTFS feed archives into the versioned
// relational schema: archives are staged to blob storage, tables are
// streamed out of staging in dependency order, natural string ids are
// remapped to surrogate integer keys, and the finished version is
// activated atomically.
package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"gtfsflow.org/internal/blob"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/workflow"
)

// requiredTables must all be present in a static archive. calendar is
// checked separately since either calendars or calendar dates satisfies
// the service-definition requirement.
var requiredTables = []string{"agency", "stops", "routes", "trips", "stop_times"}

// archiveKey is the staging location of the raw downloaded archive.
func archiveKey(runID string) string {
	return path.Join(runID, "archive.zip")
}

// tableKey is the staging location of one extracted table.
func tableKey(runID, table string) string {
	return path.Join(runID, "tables", table+".txt")
}

// StageArchive extracts every table file from the zip archive into blob
// staging under the run's partition and returns the staged table names.
// A malformed archive or a missing required table is fatal: retrying
// cannot fix the upstream bytes.
func StageArchive(ctx context.Context, store blob.Store, logger *slog.Logger, runID string, archive []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, workflow.Fatal(fmt.Errorf("archive is not a readable zip: %w", err))
	}

	var staged []string
	for _, f := range zr.File {
		name := path.Base(f.Name)
		if !strings.HasSuffix(name, ".txt") || f.FileInfo().IsDir() {
			continue
		}
		table := strings.TrimSuffix(name, ".txt")

		rc, err := f.Open()
		if err != nil {
			return nil, workflow.Fatal(fmt.Errorf("cannot open %s in archive: %w", f.Name, err))
		}
		data, err := io.ReadAll(rc)
		closeErr := rc.Close()
		if err != nil {
			return nil, workflow.Fatal(fmt.Errorf("cannot read %s in archive: %w", f.Name, err))
		}
		if closeErr != nil {
			return nil, workflow.Fatal(fmt.Errorf("cannot read %s in archive: %w", f.Name, closeErr))
		}

		if err := store.Put(ctx, tableKey(runID, table), data); err != nil {
			return nil, workflow.Transient(fmt.Errorf("error staging %s: %w", table, err))
		}
		staged = append(staged, table)

		logging.LogOperation(logger, "table_staged",
			slog.String("table", table),
			slog.Int("bytes", len(data)))
	}

	if err := checkRequiredTables(staged); err != nil {
		return nil, workflow.Fatal(err)
	}

	return staged, nil
}

func checkRequiredTables(staged []string) error {
	have := make(map[string]bool, len(staged))
	for _, t := range staged {
		have[t] = true
	}
	for _, t := range requiredTables {
		if !have[t] {
			return fmt.Errorf("archive is missing required table %s.txt", t)
		}
	}
	if !have["calendar"] && !have["calendar_dates"] {
		return fmt.Errorf("archive defines no service: neither calendar.txt nor calendar_dates.txt present")
	}
	return nil
}

// CleanupStaging removes everything the run staged, including the raw
// archive. Called once the version is activated or found duplicate.
func CleanupStaging(ctx context.Context, store blob.Store, runID string) error {
	keys, err := store.List(ctx, runID)
	if err != nil {
		return err
	}
	return store.Delete(ctx, keys...)
}
