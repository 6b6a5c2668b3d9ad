package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/blob"
	"gtfsflow.org/internal/clock"
	"gtfsflow.org/internal/fetch"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/metrics"
	"gtfsflow.org/internal/workflow"
)

// Source describes one upstream feed publisher.
type Source struct {
	Name        string
	Description string
	Lang        string
	StaticURL   string
}

// Outcome summarizes one finished import run.
type Outcome struct {
	RunID        string
	FeedSourceID int64
	VersionID    int64
	Label        string
	Duplicate    bool
	StopTimeRows int
	ShapeRows    int
}

// Importer runs the durable static-feed import workflow. One Importer is
// shared across sources; each Import call is an independent run.
type Importer struct {
	DB      *gtfsdb.Client
	Blob    blob.Store
	Fetcher *fetch.Client
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Budget bounds one run's wall-clock time; zero means the default.
	Budget time.Duration
}

// Import executes the full workflow for one source under the given run
// id. Passing the run id of an interrupted run resumes it past its
// completed steps. Every step either repeats safely or is checkpointed,
// so the schedule a reader sees is always a fully activated version.
func (imp *Importer) Import(ctx context.Context, source Source, runID string) (Outcome, error) {
	logger := imp.Logger.With(
		slog.String("component", "importer"),
		slog.String("source", source.Name))
	started := imp.Clock.Now()

	runner, err := workflow.NewRunner(ctx, imp.DB, imp.Clock, logger, runID, source.Name, imp.Budget,
		workflow.WithMetrics(imp.Metrics))
	if err != nil {
		return Outcome{}, err
	}

	outcome, err := imp.run(ctx, runner, source, runID)
	if err != nil {
		if failErr := runner.Fail(ctx, err); failErr != nil {
			logging.LogError(logger, "error_recording_run_failure", failErr)
		}
		imp.countImport(source.Name, "failed")
		return Outcome{}, err
	}

	if err := runner.SetStatus(ctx, "Done"); err != nil {
		return Outcome{}, err
	}

	duration := imp.Clock.Now().Sub(started)
	if imp.Metrics != nil {
		imp.Metrics.ImportDuration.WithLabelValues(source.Name).Observe(duration.Seconds())
	}
	if outcome.Duplicate {
		imp.countImport(source.Name, "duplicate")
	} else {
		imp.countImport(source.Name, "imported")
	}

	logging.LogOperation(logger, "import_completed",
		slog.String("label", outcome.Label),
		slog.Bool("duplicate", outcome.Duplicate),
		slog.Duration("duration", duration))

	return outcome, nil
}

func (imp *Importer) countImport(source, result string) {
	if imp.Metrics != nil {
		imp.Metrics.ImportsTotal.WithLabelValues(source, result).Inc()
	}
}

func (imp *Importer) run(ctx context.Context, runner *workflow.Runner, source Source, runID string) (Outcome, error) {
	outcome := Outcome{RunID: runID}

	sourceID, err := workflow.Step(ctx, runner, "register_source", func(ctx context.Context) (int64, error) {
		return imp.DB.GetOrCreateFeedSource(ctx, source.Name, source.Description, source.Lang)
	})
	if err != nil {
		return outcome, err
	}
	outcome.FeedSourceID = sourceID

	if err := runner.SetStatus(ctx, "Fetching"); err != nil {
		return outcome, err
	}
	archiveSize, err := workflow.Step(ctx, runner, "fetch", func(ctx context.Context) (int64, error) {
		result, err := imp.Fetcher.GetStatic(ctx, source.StaticURL)
		if err != nil {
			return 0, workflow.Transient(fmt.Errorf("error downloading %s: %w", source.StaticURL, err))
		}
		if err := imp.Blob.Put(ctx, archiveKey(runID), result.Body); err != nil {
			return 0, workflow.Transient(err)
		}
		return int64(len(result.Body)), nil
	})
	if err != nil {
		return outcome, err
	}
	if archiveSize == 0 {
		return outcome, workflow.Fatal(errors.New("upstream returned an empty archive"))
	}

	if err := runner.SetStatus(ctx, "Hashing"); err != nil {
		return outcome, err
	}
	label, err := workflow.Step(ctx, runner, "hash", func(ctx context.Context) (string, error) {
		archive, err := imp.Blob.GetRange(ctx, archiveKey(runID), 0, -1)
		if err != nil {
			return "", workflow.Transient(err)
		}
		return VersionLabel(source.Name, HashArchive(archive)), nil
	})
	if err != nil {
		return outcome, err
	}
	outcome.Label = label

	if err := runner.SetStatus(ctx, "VersionCheck"); err != nil {
		return outcome, err
	}
	check, err := workflow.Step(ctx, runner, "version_check", func(ctx context.Context) (VersionCheck, error) {
		return CheckVersion(ctx, imp.DB, sourceID, label, imp.Clock.Now().Unix())
	})
	if err != nil {
		return outcome, err
	}
	outcome.VersionID = check.VersionID

	if !check.IsNew {
		outcome.Duplicate = true
		if err := runner.SetStatus(ctx, "Cleanup"); err != nil {
			return outcome, err
		}
		_, err = workflow.Step(ctx, runner, "cleanup", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, CleanupStaging(ctx, imp.Blob, runID)
		})
		return outcome, err
	}

	if err := runner.SetStatus(ctx, "Staging"); err != nil {
		return outcome, err
	}
	_, err = workflow.Step(ctx, runner, "stage", func(ctx context.Context) ([]string, error) {
		archive, err := imp.Blob.GetRange(ctx, archiveKey(runID), 0, -1)
		if err != nil {
			return nil, workflow.Transient(err)
		}
		return StageArchive(ctx, imp.Blob, imp.Logger, runID, archive)
	})
	if err != nil {
		return outcome, err
	}

	if err := runner.SetStatus(ctx, "LoadingTables"); err != nil {
		return outcome, err
	}
	loader := NewLoader(imp.DB, imp.Blob, imp.Logger, imp.Metrics, runID, check.VersionID)

	tzName, err := workflow.Step(ctx, runner, "agency_timezone", func(ctx context.Context) (string, error) {
		loc, err := loader.AgencyTimezone(ctx)
		if err != nil {
			return "", err
		}
		return loc.String(), nil
	})
	if err != nil {
		return outcome, err
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}

	// Tables load in dependency order: each step returns the remap its
	// dependents consume, and the checkpoint preserves those remaps
	// across resumption.
	agencies, err := workflow.Step(ctx, runner, "load_agencies", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadAgencies(ctx)
	})
	if err != nil {
		return outcome, err
	}

	levels, err := workflow.Step(ctx, runner, "load_levels", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadLevels(ctx)
	})
	if err != nil {
		return outcome, err
	}

	stops, err := workflow.Step(ctx, runner, "load_stops", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadStops(ctx, levels)
	})
	if err != nil {
		return outcome, err
	}

	routes, err := workflow.Step(ctx, runner, "load_routes", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadRoutes(ctx, agencies)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "load_calendars", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadCalendars(ctx, loc)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "load_calendar_dates", func(ctx context.Context) (int, error) {
		return loader.LoadCalendarDates(ctx, loc)
	})
	if err != nil {
		return outcome, err
	}

	trips, err := workflow.Step(ctx, runner, "load_trips", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadTrips(ctx, routes)
	})
	if err != nil {
		return outcome, err
	}

	outcome.StopTimeRows, err = workflow.Step(ctx, runner, "load_stop_times", func(ctx context.Context) (int, error) {
		return loader.LoadStopTimes(ctx, trips, stops)
	})
	if err != nil {
		return outcome, err
	}

	outcome.ShapeRows, err = workflow.Step(ctx, runner, "load_shapes", func(ctx context.Context) (int, error) {
		return loader.LoadShapes(ctx)
	})
	if err != nil {
		return outcome, err
	}

	fares, err := workflow.Step(ctx, runner, "load_fare_attributes", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadFareAttributes(ctx, agencies)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "load_fare_rules", func(ctx context.Context) (int, error) {
		return loader.LoadFareRules(ctx, fares, routes)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "load_transfers", func(ctx context.Context) (int, error) {
		return loader.LoadTransfers(ctx, stops)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "load_frequencies", func(ctx context.Context) (int, error) {
		return loader.LoadFrequencies(ctx, trips)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "load_attributions", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadAttributions(ctx)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "load_pathways", func(ctx context.Context) (gtfsdb.IDMap, error) {
		return loader.LoadPathways(ctx, stops)
	})
	if err != nil {
		return outcome, err
	}

	if err := runner.SetStatus(ctx, "ResolvingParentLinks"); err != nil {
		return outcome, err
	}
	_, err = workflow.Step(ctx, runner, "resolve_parent_links", func(ctx context.Context) (int, error) {
		return loader.ResolveParentLinks(ctx, stops)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "compute_validity", func(ctx context.Context) (struct{}, error) {
		start, end, err := loader.ComputeValidity(ctx, loc)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, imp.DB.SetFeedVersionValidity(ctx, check.VersionID, start, end)
	})
	if err != nil {
		return outcome, err
	}

	_, err = workflow.Step(ctx, runner, "precompute_polylines", func(ctx context.Context) (int, error) {
		return PrecomputePolylines(ctx, imp.DB, imp.Logger, check.VersionID)
	})
	if err != nil {
		return outcome, err
	}

	// Activation is last: until this step commits, readers still see the
	// previous version, and a failed run leaves nothing visible.
	if err := runner.SetStatus(ctx, "Activate"); err != nil {
		return outcome, err
	}
	_, err = workflow.Step(ctx, runner, "activate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, imp.DB.ActivateFeedVersion(ctx, check.VersionID)
	})
	if err != nil {
		return outcome, err
	}

	if err := runner.SetStatus(ctx, "Cleanup"); err != nil {
		return outcome, err
	}
	_, err = workflow.Step(ctx, runner, "cleanup", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, CleanupStaging(ctx, imp.Blob, runID)
	})
	return outcome, err
}

// PurgeSupersededVersions deletes the static rows of every inactive
// version of a source except the most recent keep versions, reclaiming
// space while preserving recent history for rollback.
func (imp *Importer) PurgeSupersededVersions(ctx context.Context, feedSourceID int64, keep int) (int, error) {
	versions, err := imp.DB.ListFeedVersions(ctx, feedSourceID)
	if err != nil {
		return 0, err
	}

	var inactive []gtfsdb.FeedVersion
	for _, v := range versions {
		if !v.IsActive {
			inactive = append(inactive, v)
		}
	}
	if keep < 0 {
		keep = 0
	}
	if len(inactive) <= keep {
		return 0, nil
	}

	purged := 0
	for _, v := range inactive[keep:] {
		if err := imp.DB.DeleteFeedVersionData(ctx, v.ID); err != nil {
			return purged, err
		}
		if err := imp.DB.DeleteFeedVersion(ctx, v.ID); err != nil {
			return purged, err
		}
		purged++
	}

	logging.LogOperation(imp.Logger, "superseded_versions_purged",
		slog.Int64("feed_source_id", feedSourceID),
		slog.Int("purged", purged))
	return purged, nil
}
