package gtfsdb

import (
	"context"
	"database/sql"
	"fmt"
)

// GetOrCreateFeedSource returns the id of the named source, creating the
// row on first import of that source.
func (c *Client) GetOrCreateFeedSource(ctx context.Context, name, description, lang string) (int64, error) {
	row := c.DB.QueryRowContext(ctx, `
		INSERT INTO feed_sources (name, description, lang)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = COALESCE(excluded.description, feed_sources.description),
			lang = COALESCE(excluded.lang, feed_sources.lang)
		RETURNING id
	`, name, toNullString(description), toNullString(lang))

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("error upserting feed source %s: %w", name, err)
	}
	return id, nil
}

// GetFeedSourceByName returns the source row, or sql.ErrNoRows.
func (c *Client) GetFeedSourceByName(ctx context.Context, name string) (FeedSource, error) {
	var s FeedSource
	err := c.DB.QueryRowContext(ctx,
		`SELECT id, name, description, lang FROM feed_sources WHERE name = ?`, name).
		Scan(&s.ID, &s.Name, &s.Description, &s.Lang)
	return s, err
}

// GetFeedVersionByLabel returns the version row for (source, label), or
// sql.ErrNoRows when the label has never been imported.
func (c *Client) GetFeedVersionByLabel(ctx context.Context, feedSourceID int64, label string) (FeedVersion, error) {
	var v FeedVersion
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, feed_source_id, label, created_at, start_date, end_date, is_active
		FROM feed_versions
		WHERE feed_source_id = ? AND label = ?
	`, feedSourceID, label).
		Scan(&v.ID, &v.FeedSourceID, &v.Label, &v.CreatedAt, &v.StartDate, &v.EndDate, &v.IsActive)
	return v, err
}

// CreateFeedVersion inserts a new, inactive version row.
func (c *Client) CreateFeedVersion(ctx context.Context, feedSourceID int64, label string, createdAt int64) (int64, error) {
	row := c.DB.QueryRowContext(ctx, `
		INSERT INTO feed_versions (feed_source_id, label, created_at, is_active)
		VALUES (?, ?, ?, 0)
		RETURNING id
	`, feedSourceID, label, createdAt)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("error creating feed version %s: %w", label, err)
	}
	return id, nil
}

// ActivateFeedVersion marks the given version active and deactivates all
// sibling versions of the same source in one transaction, preserving the
// at-most-one-active invariant.
func (c *Client) ActivateFeedVersion(ctx context.Context, feedVersionID int64) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE feed_versions SET is_active = 0
		WHERE feed_source_id = (SELECT feed_source_id FROM feed_versions WHERE id = ?)
	`, feedVersionID)
	if err != nil {
		return fmt.Errorf("error deactivating sibling versions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE feed_versions SET is_active = 1 WHERE id = ?`, feedVersionID)
	if err != nil {
		return fmt.Errorf("error activating feed version: %w", err)
	}

	return tx.Commit()
}

// GetActiveFeedVersion returns the active version for a source, or
// sql.ErrNoRows when none is active.
func (c *Client) GetActiveFeedVersion(ctx context.Context, feedSourceID int64) (FeedVersion, error) {
	var v FeedVersion
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, feed_source_id, label, created_at, start_date, end_date, is_active
		FROM feed_versions
		WHERE feed_source_id = ? AND is_active = 1
	`, feedSourceID).
		Scan(&v.ID, &v.FeedSourceID, &v.Label, &v.CreatedAt, &v.StartDate, &v.EndDate, &v.IsActive)
	return v, err
}

// SetFeedVersionValidity records the schedule validity window.
func (c *Client) SetFeedVersionValidity(ctx context.Context, feedVersionID int64, startDate, endDate sql.NullInt64) error {
	_, err := c.DB.ExecContext(ctx,
		`UPDATE feed_versions SET start_date = ?, end_date = ? WHERE id = ?`,
		startDate, endDate, feedVersionID)
	return err
}

// ListFeedVersions returns all versions of a source, newest first.
func (c *Client) ListFeedVersions(ctx context.Context, feedSourceID int64) ([]FeedVersion, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, feed_source_id, label, created_at, start_date, end_date, is_active
		FROM feed_versions
		WHERE feed_source_id = ?
		ORDER BY created_at DESC, id DESC
	`, feedSourceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []FeedVersion
	for rows.Next() {
		var v FeedVersion
		if err := rows.Scan(&v.ID, &v.FeedSourceID, &v.Label, &v.CreatedAt, &v.StartDate, &v.EndDate, &v.IsActive); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// staticTablesInDeleteOrder lists static entity tables in reverse
// dependency order so deletes respect foreign key constraints.
var staticTablesInDeleteOrder = []string{
	"pathways",
	"attributions",
	"frequencies",
	"transfers",
	"fare_rules",
	"fare_attributes",
	"shape_polylines",
	"shapes",
	"stop_times",
	"trips",
	"calendar_dates",
	"calendars",
	"routes",
	"stops",
	"levels",
	"agencies",
}

// DeleteFeedVersionData removes every static entity row belonging to the
// version. Used both for defensive cleanup of partial imports and for
// purging superseded versions.
func (c *Client) DeleteFeedVersionData(ctx context.Context, feedVersionID int64) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Historized real-time rows outlive static versions; detach their
	// schedule references before the referenced rows go away.
	detach := []string{
		`UPDATE trip_updates SET trip_id = NULL
		 WHERE trip_id IN (SELECT id FROM trips WHERE feed_version_id = ?)`,
		`UPDATE vehicle_positions SET trip_id = NULL
		 WHERE trip_id IN (SELECT id FROM trips WHERE feed_version_id = ?)`,
		`UPDATE service_alerts SET trip_id = NULL
		 WHERE trip_id IN (SELECT id FROM trips WHERE feed_version_id = ?)`,
		`UPDATE service_alerts SET route_id = NULL
		 WHERE route_id IN (SELECT id FROM routes WHERE feed_version_id = ?)`,
		`UPDATE service_alerts SET stop_id = NULL
		 WHERE stop_id IN (SELECT id FROM stops WHERE feed_version_id = ?)`,
	}
	for _, query := range detach {
		if _, err := tx.ExecContext(ctx, query, feedVersionID); err != nil {
			return fmt.Errorf("error detaching realtime references: %w", err)
		}
	}

	for _, table := range staticTablesInDeleteOrder {
		query := fmt.Sprintf("DELETE FROM %s WHERE feed_version_id = ?", table) // nolint:gosec // table names are a fixed list
		if _, err := tx.ExecContext(ctx, query, feedVersionID); err != nil {
			return fmt.Errorf("error clearing %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// DeleteFeedVersion removes the version row itself. The version's static
// data must already be deleted.
func (c *Client) DeleteFeedVersion(ctx context.Context, feedVersionID int64) error {
	_, err := c.DB.ExecContext(ctx, `DELETE FROM feed_versions WHERE id = ?`, feedVersionID)
	return err
}

// CountRows returns the number of rows in table scoped to a feed version.
func (c *Client) CountRows(ctx context.Context, table string, feedVersionID int64) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE feed_version_id = ?", table) // nolint:gosec // table names come from callers with fixed lists
	var n int64
	err := c.DB.QueryRowContext(ctx, query, feedVersionID).Scan(&n)
	return n, err
}

// GetStopByNaturalID returns one stop row for a version.
func (c *Client) GetStopByNaturalID(ctx context.Context, feedVersionID int64, stopID string) (Stop, error) {
	var s Stop
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, feed_version_id, stop_id, name, parent_station, parent_station_id
		FROM stops
		WHERE feed_version_id = ? AND stop_id = ?
	`, feedVersionID, stopID).
		Scan(&s.ID, &s.FeedVersionID, &s.StopID, &s.Name, &s.ParentStation, &s.ParentStationID)
	return s, err
}

// UpdateStopParents applies the second pass of parent-station resolution:
// each pair links a child stop's surrogate key to its parent's.
func (c *Client) UpdateStopParents(ctx context.Context, pairs map[int64]int64) error {
	if len(pairs) == 0 {
		return nil
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE stops SET parent_station_id = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("error preparing parent update: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for childID, parentID := range pairs {
		if _, err := stmt.ExecContext(ctx, parentID, childID); err != nil {
			return fmt.Errorf("error linking stop %d to parent %d: %w", childID, parentID, err)
		}
	}

	return tx.Commit()
}

// InsertTripUpdate historizes one trip delay observation. Duplicate
// observations at the same (source, trip, timestamp) are ignored, not
// merged. Returns true when a row was written.
func (c *Client) InsertTripUpdate(ctx context.Context, params CreateTripUpdateParams, createdAt int64) (bool, error) {
	res, err := c.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO trip_updates (
			feed_source_id, trip_natural_id, trip_id, timestamp,
			delay_seconds, status, vehicle_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, params.FeedSourceID, params.TripNaturalID, params.TripID, params.Timestamp,
		params.DelaySeconds, params.Status, params.VehicleID, createdAt)
	if err != nil {
		return false, fmt.Errorf("error inserting trip update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListTripUpdates returns all observations for one trip, oldest first.
func (c *Client) ListTripUpdates(ctx context.Context, feedSourceID int64, tripNaturalID string) ([]TripUpdate, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, feed_source_id, trip_natural_id, trip_id, timestamp,
			delay_seconds, status, vehicle_id, created_at
		FROM trip_updates
		WHERE feed_source_id = ? AND trip_natural_id = ?
		ORDER BY timestamp ASC
	`, feedSourceID, tripNaturalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var updates []TripUpdate
	for rows.Next() {
		var u TripUpdate
		if err := rows.Scan(&u.ID, &u.FeedSourceID, &u.TripNaturalID, &u.TripID, &u.Timestamp,
			&u.DelaySeconds, &u.Status, &u.VehicleID, &u.CreatedAt); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// InsertVehiclePosition historizes one vehicle observation with the same
// duplicate policy as trip updates.
func (c *Client) InsertVehiclePosition(ctx context.Context, params CreateVehiclePositionParams, createdAt int64) (bool, error) {
	res, err := c.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO vehicle_positions (
			feed_source_id, vehicle_natural_id, trip_natural_id, trip_id,
			lat, lon, bearing, status, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, params.FeedSourceID, params.VehicleNaturalID, params.TripNaturalID, params.TripID,
		params.Lat, params.Lon, params.Bearing, params.Status, params.Timestamp, createdAt)
	if err != nil {
		return false, fmt.Errorf("error inserting vehicle position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListOpenAlertIDs returns the distinct natural ids of alerts that are
// still open (no end time, or an end time after now) for a source.
func (c *Client) ListOpenAlertIDs(ctx context.Context, feedSourceID int64, now int64) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT DISTINCT alert_natural_id
		FROM service_alerts
		WHERE feed_source_id = ? AND (end_time IS NULL OR end_time > ?)
	`, feedSourceID, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CloseAlert sets the end time on every open row of one alert. Alerts are
// never deleted, only closed, to preserve history.
func (c *Client) CloseAlert(ctx context.Context, feedSourceID int64, alertNaturalID string, endTime int64) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE service_alerts SET end_time = ?
		WHERE feed_source_id = ? AND alert_natural_id = ?
		  AND (end_time IS NULL OR end_time > ?)
	`, endTime, feedSourceID, alertNaturalID, endTime)
	return err
}

// InsertServiceAlert inserts one alert row; alerts with multiple informed
// entities fan out into multiple rows sharing the alert natural id.
func (c *Client) InsertServiceAlert(ctx context.Context, params CreateServiceAlertParams, createdAt int64) (int64, error) {
	row := c.DB.QueryRowContext(ctx, `
		INSERT INTO service_alerts (
			feed_source_id, alert_natural_id, cause, effect, header, description,
			url, start_time, end_time, route_id, stop_id, trip_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, params.FeedSourceID, params.AlertNaturalID, params.Cause, params.Effect,
		params.Header, params.Description, params.Url, params.StartTime, params.EndTime,
		params.RouteID, params.StopID, params.TripID, createdAt)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("error inserting service alert: %w", err)
	}
	return id, nil
}

// ListAlerts returns all rows for one alert natural id.
func (c *Client) ListAlerts(ctx context.Context, feedSourceID int64, alertNaturalID string) ([]ServiceAlert, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, feed_source_id, alert_natural_id, cause, effect, header, description,
			url, start_time, end_time, route_id, stop_id, trip_id, created_at
		FROM service_alerts
		WHERE feed_source_id = ? AND alert_natural_id = ?
		ORDER BY id ASC
	`, feedSourceID, alertNaturalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var alerts []ServiceAlert
	for rows.Next() {
		var a ServiceAlert
		if err := rows.Scan(&a.ID, &a.FeedSourceID, &a.AlertNaturalID, &a.Cause, &a.Effect,
			&a.Header, &a.Description, &a.Url, &a.StartTime, &a.EndTime,
			&a.RouteID, &a.StopID, &a.TripID, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountOpenAlerts returns how many alert rows are currently open.
func (c *Client) CountOpenAlerts(ctx context.Context, feedSourceID int64, now int64) (int64, error) {
	var n int64
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM service_alerts
		WHERE feed_source_id = ? AND (end_time IS NULL OR end_time > ?)
	`, feedSourceID, now).Scan(&n)
	return n, err
}

// ResolveTripKey maps a trip natural id to its surrogate key within one
// feed version. Returns sql.ErrNoRows when unresolved.
func (c *Client) ResolveTripKey(ctx context.Context, feedVersionID int64, tripNaturalID string) (int64, error) {
	var id int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT id FROM trips WHERE feed_version_id = ? AND trip_id = ?`,
		feedVersionID, tripNaturalID).Scan(&id)
	return id, err
}

// ResolveRouteKey maps a route natural id to its surrogate key.
func (c *Client) ResolveRouteKey(ctx context.Context, feedVersionID int64, routeNaturalID string) (int64, error) {
	var id int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT id FROM routes WHERE feed_version_id = ? AND route_id = ?`,
		feedVersionID, routeNaturalID).Scan(&id)
	return id, err
}

// ResolveStopKey maps a stop natural id to its surrogate key.
func (c *Client) ResolveStopKey(ctx context.Context, feedVersionID int64, stopNaturalID string) (int64, error) {
	var id int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT id FROM stops WHERE feed_version_id = ? AND stop_id = ?`,
		feedVersionID, stopNaturalID).Scan(&id)
	return id, err
}

// UpsertShapePolyline stores the precomputed encoded polyline for a shape.
func (c *Client) UpsertShapePolyline(ctx context.Context, feedVersionID int64, shapeID, encoded string, pointCount int64, lengthMeters float64) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO shape_polylines (feed_version_id, shape_id, encoded, point_count, length_meters)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (feed_version_id, shape_id) DO UPDATE SET
			encoded = excluded.encoded,
			point_count = excluded.point_count,
			length_meters = excluded.length_meters
	`, feedVersionID, shapeID, encoded, pointCount, lengthMeters)
	return err
}

// ListShapeIDs returns the distinct shape natural ids of one version.
func (c *Client) ListShapeIDs(ctx context.Context, feedVersionID int64) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT DISTINCT shape_id FROM shapes WHERE feed_version_id = ? ORDER BY shape_id`,
		feedVersionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListShapePoints returns one shape's points in sequence order.
func (c *Client) ListShapePoints(ctx context.Context, feedVersionID int64, shapeID string) ([][2]float64, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT lat, lon FROM shapes
		WHERE feed_version_id = ? AND shape_id = ?
		ORDER BY pt_sequence ASC
	`, feedVersionID, shapeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var points [][2]float64
	for rows.Next() {
		var lat, lon float64
		if err := rows.Scan(&lat, &lon); err != nil {
			return nil, err
		}
		points = append(points, [2]float64{lat, lon})
	}
	return points, rows.Err()
}
