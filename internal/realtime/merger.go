// Package realtime layers live trip delays, vehicle positions, and
// service alerts onto the active schedule version. Observations are
// historized, never overwritten: each poll appends rows keyed by
// observation timestamp, and alerts are closed by set difference against
// the upstream snapshot rather than deleted.
package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/clock"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/metrics"
)

// Merger writes real-time facts for one or more sources. It never
// mutates static entities; schedule correlation is limited to resolving
// surrogate keys against the active version, and a fact whose reference
// cannot be resolved is recorded with a null link rather than dropped.
type Merger struct {
	db      *gtfsdb.Client
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewMerger(db *gtfsdb.Client, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Merger {
	return &Merger{
		db:      db,
		clock:   clk,
		logger:  logger.With(slog.String("component", "realtime")),
		metrics: m,
	}
}

// activeVersion returns the active feed version id for the source, or
// invalid when no version has been activated yet.
func (m *Merger) activeVersion(ctx context.Context, feedSourceID int64) sql.NullInt64 {
	v, err := m.db.GetActiveFeedVersion(ctx, feedSourceID)
	if err != nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v.ID, Valid: true}
}

func (m *Merger) resolveTrip(ctx context.Context, version sql.NullInt64, tripNaturalID string) sql.NullInt64 {
	if !version.Valid || tripNaturalID == "" {
		return sql.NullInt64{}
	}
	key, err := m.db.ResolveTripKey(ctx, version.Int64, tripNaturalID)
	if err != nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: key, Valid: true}
}

func decodeFeed(payload []byte) (*gtfsrt.FeedMessage, error) {
	var feed gtfsrt.FeedMessage
	if err := proto.Unmarshal(payload, &feed); err != nil {
		return nil, fmt.Errorf("error decoding realtime feed: %w", err)
	}
	return &feed, nil
}

// statusFor maps the wire schedule-relationship enum onto the stored
// status vocabulary. Values outside the vocabulary read as SCHEDULED.
func statusFor(rel gtfsrt.TripDescriptor_ScheduleRelationship) string {
	switch rel {
	case gtfsrt.TripDescriptor_ADDED:
		return "ADDED"
	case gtfsrt.TripDescriptor_UNSCHEDULED:
		return "UNSCHEDULED"
	case gtfsrt.TripDescriptor_CANCELED:
		return "CANCELED"
	default:
		return "SCHEDULED"
	}
}

// effectiveDelay computes a single delay figure for one trip update: the
// top-level delay when present, else the first stop-time update carrying
// an arrival or departure delay, else zero. Deterministic per message so
// duplicate observations at one timestamp collapse cleanly.
func effectiveDelay(tu *gtfsrt.TripUpdate) int64 {
	if tu.Delay != nil {
		return int64(tu.GetDelay())
	}
	for _, stu := range tu.GetStopTimeUpdate() {
		if arr := stu.GetArrival(); arr != nil && arr.Delay != nil {
			return int64(arr.GetDelay())
		}
		if dep := stu.GetDeparture(); dep != nil && dep.Delay != nil {
			return int64(dep.GetDelay())
		}
	}
	return 0
}

// ApplyTripUpdates decodes one trip-update feed and historizes every
// observation. Returns how many new rows were recorded; duplicates at
// an already-seen timestamp are ignored.
func (m *Merger) ApplyTripUpdates(ctx context.Context, feedSourceID int64, payload []byte) (int, error) {
	feed, err := decodeFeed(payload)
	if err != nil {
		return 0, err
	}
	version := m.activeVersion(ctx, feedSourceID)
	now := m.clock.Now().Unix()

	recorded := 0
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}
		tripNaturalID := tu.GetTrip().GetTripId()
		if tripNaturalID == "" {
			continue
		}

		timestamp := int64(tu.GetTimestamp())
		if timestamp == 0 {
			timestamp = int64(feed.GetHeader().GetTimestamp())
		}
		if timestamp == 0 {
			timestamp = now
		}

		var vehicleID sql.NullString
		if id := tu.GetVehicle().GetId(); id != "" {
			vehicleID = sql.NullString{String: id, Valid: true}
		}

		inserted, err := m.db.InsertTripUpdate(ctx, gtfsdb.CreateTripUpdateParams{
			FeedSourceID:  feedSourceID,
			TripNaturalID: tripNaturalID,
			TripID:        m.resolveTrip(ctx, version, tripNaturalID),
			Timestamp:     timestamp,
			DelaySeconds:  effectiveDelay(tu),
			Status:        statusFor(tu.GetTrip().GetScheduleRelationship()),
			VehicleID:     vehicleID,
		}, now)
		if err != nil {
			return recorded, err
		}
		if inserted {
			recorded++
			if m.metrics != nil {
				m.metrics.TripUpdatesRecorded.Inc()
			}
		}
	}

	logging.LogOperation(m.logger, "trip_updates_applied",
		slog.Int64("feed_source_id", feedSourceID),
		slog.Int("entities", len(feed.GetEntity())),
		slog.Int("recorded", recorded))
	return recorded, nil
}

// ApplyVehiclePositions decodes one vehicle-position feed and historizes
// every observation with the same duplicate policy as trip updates.
func (m *Merger) ApplyVehiclePositions(ctx context.Context, feedSourceID int64, payload []byte) (int, error) {
	feed, err := decodeFeed(payload)
	if err != nil {
		return 0, err
	}
	version := m.activeVersion(ctx, feedSourceID)
	now := m.clock.Now().Unix()

	recorded := 0
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil {
			continue
		}
		vehicleID := vp.GetVehicle().GetId()
		if vehicleID == "" {
			// No stable vehicle identity, nothing to historize against.
			continue
		}

		timestamp := int64(vp.GetTimestamp())
		if timestamp == 0 {
			timestamp = int64(feed.GetHeader().GetTimestamp())
		}
		if timestamp == 0 {
			timestamp = now
		}

		var tripNaturalID sql.NullString
		if id := vp.GetTrip().GetTripId(); id != "" {
			tripNaturalID = sql.NullString{String: id, Valid: true}
		}

		var lat, lon, bearing sql.NullFloat64
		if pos := vp.GetPosition(); pos != nil {
			lat = sql.NullFloat64{Float64: float64(pos.GetLatitude()), Valid: true}
			lon = sql.NullFloat64{Float64: float64(pos.GetLongitude()), Valid: true}
			if pos.Bearing != nil {
				bearing = sql.NullFloat64{Float64: float64(pos.GetBearing()), Valid: true}
			}
		}

		var status sql.NullString
		if vp.CurrentStatus != nil {
			status = sql.NullString{String: vp.GetCurrentStatus().String(), Valid: true}
		}

		inserted, err := m.db.InsertVehiclePosition(ctx, gtfsdb.CreateVehiclePositionParams{
			FeedSourceID:     feedSourceID,
			VehicleNaturalID: vehicleID,
			TripNaturalID:    tripNaturalID,
			TripID:           m.resolveTrip(ctx, version, tripNaturalID.String),
			Lat:              lat,
			Lon:              lon,
			Bearing:          bearing,
			Status:           status,
			Timestamp:        timestamp,
		}, now)
		if err != nil {
			return recorded, err
		}
		if inserted {
			recorded++
			if m.metrics != nil {
				m.metrics.VehiclePositionsRecorded.Inc()
			}
		}
	}

	logging.LogOperation(m.logger, "vehicle_positions_applied",
		slog.Int64("feed_source_id", feedSourceID),
		slog.Int("recorded", recorded))
	return recorded, nil
}

func translation(ts *gtfsrt.TranslatedString) sql.NullString {
	for _, tr := range ts.GetTranslation() {
		if text := tr.GetText(); text != "" {
			return sql.NullString{String: text, Valid: true}
		}
	}
	return sql.NullString{}
}

// ApplyAlerts reconciles the stored alert set against one full upstream
// snapshot: open alerts absent from the snapshot are closed at the sync
// time, and snapshot alerts not currently open are inserted, one row per
// informed entity. Alerts are never deleted.
func (m *Merger) ApplyAlerts(ctx context.Context, feedSourceID int64, payload []byte) error {
	feed, err := decodeFeed(payload)
	if err != nil {
		return err
	}
	version := m.activeVersion(ctx, feedSourceID)
	now := m.clock.Now().Unix()

	present := make(map[string]bool)
	for _, entity := range feed.GetEntity() {
		if entity.GetAlert() != nil && entity.GetId() != "" {
			present[entity.GetId()] = true
		}
	}

	openIDs, err := m.db.ListOpenAlertIDs(ctx, feedSourceID, now)
	if err != nil {
		return err
	}
	open := make(map[string]bool, len(openIDs))
	closed := 0
	for _, id := range openIDs {
		open[id] = true
		if !present[id] {
			if err := m.db.CloseAlert(ctx, feedSourceID, id, now); err != nil {
				return err
			}
			closed++
		}
	}

	inserted := 0
	for _, entity := range feed.GetEntity() {
		alert := entity.GetAlert()
		alertID := entity.GetId()
		if alert == nil || alertID == "" || open[alertID] {
			continue
		}

		var start, end sql.NullInt64
		if periods := alert.GetActivePeriod(); len(periods) > 0 {
			if periods[0].Start != nil {
				start = sql.NullInt64{Int64: int64(periods[0].GetStart()), Valid: true}
			}
			if periods[0].End != nil {
				end = sql.NullInt64{Int64: int64(periods[0].GetEnd()), Valid: true}
			}
		}
		if !start.Valid {
			start = sql.NullInt64{Int64: now, Valid: true}
		}

		base := gtfsdb.CreateServiceAlertParams{
			FeedSourceID:   feedSourceID,
			AlertNaturalID: alertID,
			Cause:          sql.NullString{String: alert.GetCause().String(), Valid: true},
			Effect:         sql.NullString{String: alert.GetEffect().String(), Valid: true},
			Header:         translation(alert.GetHeaderText()),
			Description:    translation(alert.GetDescriptionText()),
			Url:            translation(alert.GetUrl()),
			StartTime:      start,
			EndTime:        end,
		}

		entities := alert.GetInformedEntity()
		if len(entities) == 0 {
			if _, err := m.db.InsertServiceAlert(ctx, base, now); err != nil {
				return err
			}
			inserted++
			continue
		}

		// One row per informed entity, all sharing the alert id.
		for _, sel := range entities {
			params := base
			if version.Valid {
				if routeID := sel.GetRouteId(); routeID != "" {
					if key, err := m.db.ResolveRouteKey(ctx, version.Int64, routeID); err == nil {
						params.RouteID = sql.NullInt64{Int64: key, Valid: true}
					}
				}
				if stopID := sel.GetStopId(); stopID != "" {
					if key, err := m.db.ResolveStopKey(ctx, version.Int64, stopID); err == nil {
						params.StopID = sql.NullInt64{Int64: key, Valid: true}
					}
				}
			}
			params.TripID = m.resolveTrip(ctx, version, sel.GetTrip().GetTripId())
			if _, err := m.db.InsertServiceAlert(ctx, params, now); err != nil {
				return err
			}
			inserted++
		}
	}

	if m.metrics != nil {
		if n, err := m.db.CountOpenAlerts(ctx, feedSourceID, now); err == nil {
			m.metrics.AlertsOpen.Set(float64(n))
		}
	}

	logging.LogOperation(m.logger, "alerts_reconciled",
		slog.Int64("feed_source_id", feedSourceID),
		slog.Int("present", len(present)),
		slog.Int("closed", closed),
		slog.Int("inserted", inserted))
	return nil
}
