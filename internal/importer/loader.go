package importer

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/blob"
	"gtfsflow.org/internal/gtfscsv"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/metrics"
	"gtfsflow.org/internal/workflow"
)

const (
	// defaultChunkSize bounds how much of a staged table is held in
	// memory at once while streaming it out of blob storage.
	defaultChunkSize = 8 << 20

	// flushSize bounds how many parsed rows accumulate before a bulk
	// write, for the tables too large to hold fully parsed.
	flushSize = 50000
)

// Loader streams one staged feed's tables into the store, remapping
// natural ids to surrogate keys as it goes. Rows whose foreign natural
// ids cannot be resolved are dropped and counted, never fatal.
type Loader struct {
	db        *gtfsdb.Client
	store     blob.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics
	runID     string
	versionID int64
	chunkSize int64
}

// NewLoader binds a loader to one run's staging partition and one
// feed version.
func NewLoader(db *gtfsdb.Client, store blob.Store, logger *slog.Logger, m *metrics.Metrics, runID string, versionID int64) *Loader {
	return &Loader{
		db:        db,
		store:     store,
		logger:    logger.With(slog.String("component", "loader")),
		metrics:   m,
		runID:     runID,
		versionID: versionID,
		chunkSize: defaultChunkSize,
	}
}

// forEachRow streams one staged table chunk by chunk, carrying partial
// trailing lines across chunk boundaries and reusing the header captured
// from the first chunk. Returns false when the table was never staged.
func (l *Loader) forEachRow(ctx context.Context, table string, fn func(gtfscsv.Row) error) (bool, error) {
	key := tableKey(l.runID, table)
	size, err := l.store.Head(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, workflow.Transient(fmt.Errorf("error sizing staged table %s: %w", table, err))
	}

	var header []string
	var carry []byte
	parse := func(buf []byte) error {
		if len(buf) == 0 {
			return nil
		}
		var rd *gtfscsv.Reader
		if header == nil {
			rd, err = gtfscsv.NewReader(bytes.NewReader(buf))
			if err != nil {
				return workflow.Fatal(fmt.Errorf("unreadable header in %s.txt: %w", table, err))
			}
			header = rd.Header()
		} else {
			rd = gtfscsv.NewReaderWithHeader(bytes.NewReader(buf), header)
		}
		for {
			row, err := rd.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return workflow.Fatal(fmt.Errorf("unreadable row in %s.txt: %w", table, err))
			}
			if err := fn(row); err != nil {
				return err
			}
		}
	}

	for offset := int64(0); offset < size; offset += l.chunkSize {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		chunk, err := l.store.GetRange(ctx, key, offset, l.chunkSize)
		if err != nil {
			return true, workflow.Transient(fmt.Errorf("error reading staged table %s: %w", table, err))
		}
		buf := gtfscsv.JoinCarry(carry, chunk)
		complete, rest := gtfscsv.SplitTail(buf)
		carry = append([]byte(nil), rest...)
		if err := parse(complete); err != nil {
			return true, err
		}
	}

	// Trailing data without a final newline is still one complete row.
	if err := parse(carry); err != nil {
		return true, err
	}
	return true, nil
}

func (l *Loader) dropRow(table, reason string) {
	if l.metrics != nil {
		l.metrics.RowsDropped.WithLabelValues(table, reason).Inc()
	}
}

func (l *Loader) recordInserted(table string, n int) {
	if l.metrics != nil {
		l.metrics.RowsInserted.WithLabelValues(table).Add(float64(n))
	}
	logging.LogOperation(l.logger, "table_loaded",
		slog.String("table", table),
		slog.Int("rows", n))
}

// AgencyTimezone returns the timezone of the feed's first agency, which
// anchors date parsing for the whole feed. Falls back to UTC.
func (l *Loader) AgencyTimezone(ctx context.Context) (*time.Location, error) {
	tzName := ""
	_, err := l.forEachRow(ctx, "agency", func(row gtfscsv.Row) error {
		if tzName == "" {
			tzName = row.GetDefault("agency_timezone", "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tzName == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return time.UTC, nil
	}
	return loc, nil
}

func (l *Loader) LoadAgencies(ctx context.Context) (gtfsdb.IDMap, error) {
	var params []gtfsdb.CreateAgencyParams
	found, err := l.forEachRow(ctx, "agency", func(row gtfscsv.Row) error {
		name := row.GetDefault("agency_name", "")
		if name == "" {
			l.dropRow("agencies", "missing_name")
			return nil
		}
		params = append(params, gtfsdb.CreateAgencyParams{
			// agency_id is optional in single-agency feeds; the name
			// stands in as the natural key when it is absent.
			AgencyID: row.GetDefault("agency_id", name),
			Name:     name,
			Url:      gtfsdb.ToNullString(row.GetDefault("agency_url", "")),
			Timezone: row.GetDefault("agency_timezone", "UTC"),
			Lang:     gtfsdb.ToNullString(row.GetDefault("agency_lang", "")),
			Phone:    gtfsdb.ToNullString(row.GetDefault("agency_phone", "")),
			FareUrl:  gtfsdb.ToNullString(row.GetDefault("agency_fare_url", "")),
			Email:    gtfsdb.ToNullString(row.GetDefault("agency_email", "")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflow.Fatal(errors.New("agency.txt was not staged"))
	}

	remap, err := l.db.BulkUpsertAgencies(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("agencies", len(remap))
	return remap, nil
}

func (l *Loader) LoadLevels(ctx context.Context) (gtfsdb.IDMap, error) {
	var params []gtfsdb.CreateLevelParams
	_, err := l.forEachRow(ctx, "levels", func(row gtfscsv.Row) error {
		id := row.GetDefault("level_id", "")
		if id == "" {
			l.dropRow("levels", "missing_id")
			return nil
		}
		params = append(params, gtfsdb.CreateLevelParams{
			LevelID:    id,
			LevelIndex: gtfsdb.ParseNullFloat(row.GetDefault("level_index", "")),
			LevelName:  gtfsdb.ToNullString(row.GetDefault("level_name", "")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	remap, err := l.db.BulkUpsertLevels(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("levels", len(remap))
	return remap, nil
}

func (l *Loader) LoadStops(ctx context.Context, levels gtfsdb.IDMap) (gtfsdb.IDMap, error) {
	var params []gtfsdb.CreateStopParams
	found, err := l.forEachRow(ctx, "stops", func(row gtfscsv.Row) error {
		id := row.GetDefault("stop_id", "")
		if id == "" {
			l.dropRow("stops", "missing_id")
			return nil
		}

		var levelKey sql.NullInt64
		if natural := row.GetDefault("level_id", ""); natural != "" {
			if key, ok := levels[natural]; ok {
				levelKey = sql.NullInt64{Int64: key, Valid: true}
			}
		}

		// The parent natural id is stored as-is here; linking the
		// surrogate keys is a second pass once every stop has one.
		params = append(params, gtfsdb.CreateStopParams{
			StopID:             id,
			Code:               gtfsdb.ToNullString(row.GetDefault("stop_code", "")),
			Name:               gtfsdb.ToNullString(row.GetDefault("stop_name", "")),
			Desc:               gtfsdb.ToNullString(row.GetDefault("stop_desc", "")),
			Lat:                gtfsdb.ParseNullFloat(row.GetDefault("stop_lat", "")),
			Lon:                gtfsdb.ParseNullFloat(row.GetDefault("stop_lon", "")),
			ZoneID:             gtfsdb.ToNullString(row.GetDefault("zone_id", "")),
			Url:                gtfsdb.ToNullString(row.GetDefault("stop_url", "")),
			LocationType:       gtfsdb.ParseNullInt(row.GetDefault("location_type", "")),
			ParentStation:      gtfsdb.ToNullString(row.GetDefault("parent_station", "")),
			Timezone:           gtfsdb.ToNullString(row.GetDefault("stop_timezone", "")),
			WheelchairBoarding: gtfsdb.ParseNullInt(row.GetDefault("wheelchair_boarding", "")),
			LevelID:            levelKey,
			PlatformCode:       gtfsdb.ToNullString(row.GetDefault("platform_code", "")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflow.Fatal(errors.New("stops.txt was not staged"))
	}

	remap, err := l.db.BulkUpsertStops(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("stops", len(remap))
	return remap, nil
}

// ResolveParentLinks is the second pass of parent-station resolution: it
// re-reads the staged stop rows and links child surrogate keys to parent
// surrogate keys now that the full id map exists. Children referencing
// unknown parents are left unlinked and counted.
func (l *Loader) ResolveParentLinks(ctx context.Context, stops gtfsdb.IDMap) (int, error) {
	pairs := make(map[int64]int64)
	_, err := l.forEachRow(ctx, "stops", func(row gtfscsv.Row) error {
		parent := row.GetDefault("parent_station", "")
		if parent == "" {
			return nil
		}
		childKey, ok := stops[row.GetDefault("stop_id", "")]
		if !ok {
			return nil
		}
		parentKey, ok := stops[parent]
		if !ok {
			l.dropRow("stops", "unresolved_parent")
			return nil
		}
		pairs[childKey] = parentKey
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := l.db.UpdateStopParents(ctx, pairs); err != nil {
		return 0, workflow.Transient(err)
	}
	logging.LogOperation(l.logger, "parent_links_resolved",
		slog.Int("count", len(pairs)))
	return len(pairs), nil
}

func (l *Loader) LoadRoutes(ctx context.Context, agencies gtfsdb.IDMap) (gtfsdb.IDMap, error) {
	// Single-agency feeds may omit agency_id on routes.
	var soleAgency sql.NullInt64
	if len(agencies) == 1 {
		for _, key := range agencies {
			soleAgency = sql.NullInt64{Int64: key, Valid: true}
		}
	}

	var params []gtfsdb.CreateRouteParams
	found, err := l.forEachRow(ctx, "routes", func(row gtfscsv.Row) error {
		id := row.GetDefault("route_id", "")
		if id == "" {
			l.dropRow("routes", "missing_id")
			return nil
		}
		routeType, err := strconv.ParseInt(row.GetDefault("route_type", ""), 10, 64)
		if err != nil {
			l.dropRow("routes", "invalid_type")
			return nil
		}

		agencyKey := soleAgency
		if natural := row.GetDefault("agency_id", ""); natural != "" {
			if key, ok := agencies[natural]; ok {
				agencyKey = sql.NullInt64{Int64: key, Valid: true}
			}
		}

		params = append(params, gtfsdb.CreateRouteParams{
			RouteID:           id,
			AgencyID:          agencyKey,
			ShortName:         gtfsdb.ToNullString(row.GetDefault("route_short_name", "")),
			LongName:          gtfsdb.ToNullString(row.GetDefault("route_long_name", "")),
			Desc:              gtfsdb.ToNullString(row.GetDefault("route_desc", "")),
			Type:              routeType,
			Url:               gtfsdb.ToNullString(row.GetDefault("route_url", "")),
			Color:             gtfsdb.ToNullString(row.GetDefault("route_color", "")),
			TextColor:         gtfsdb.ToNullString(row.GetDefault("route_text_color", "")),
			ContinuousPickup:  gtfsdb.ParseNullInt(row.GetDefault("continuous_pickup", "")),
			ContinuousDropOff: gtfsdb.ParseNullInt(row.GetDefault("continuous_drop_off", "")),
			SortOrder:         gtfsdb.ParseNullInt(row.GetDefault("route_sort_order", "")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflow.Fatal(errors.New("routes.txt was not staged"))
	}

	remap, err := l.db.BulkUpsertRoutes(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("routes", len(remap))
	return remap, nil
}

func (l *Loader) LoadCalendars(ctx context.Context, loc *time.Location) (gtfsdb.IDMap, error) {
	day := func(row gtfscsv.Row, col string) int64 {
		if v := gtfsdb.ParseNullBool(row.GetDefault(col, "")); v.Valid {
			return v.Int64
		}
		return 0
	}

	var params []gtfsdb.CreateCalendarParams
	_, err := l.forEachRow(ctx, "calendar", func(row gtfscsv.Row) error {
		id := row.GetDefault("service_id", "")
		if id == "" {
			l.dropRow("calendars", "missing_id")
			return nil
		}
		start := NullDate(row.GetDefault("start_date", ""), loc)
		end := NullDate(row.GetDefault("end_date", ""), loc)
		if !start.Valid || !end.Valid {
			l.dropRow("calendars", "invalid_date")
			return nil
		}
		params = append(params, gtfsdb.CreateCalendarParams{
			ServiceID: id,
			Monday:    day(row, "monday"),
			Tuesday:   day(row, "tuesday"),
			Wednesday: day(row, "wednesday"),
			Thursday:  day(row, "thursday"),
			Friday:    day(row, "friday"),
			Saturday:  day(row, "saturday"),
			Sunday:    day(row, "sunday"),
			StartDate: start.Int64,
			EndDate:   end.Int64,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	remap, err := l.db.BulkUpsertCalendars(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("calendars", len(remap))
	return remap, nil
}

func (l *Loader) LoadCalendarDates(ctx context.Context, loc *time.Location) (int, error) {
	var params []gtfsdb.CreateCalendarDateParams
	_, err := l.forEachRow(ctx, "calendar_dates", func(row gtfscsv.Row) error {
		id := row.GetDefault("service_id", "")
		date := NullDate(row.GetDefault("date", ""), loc)
		exception := gtfsdb.ParseNullInt(row.GetDefault("exception_type", ""))
		if id == "" || !date.Valid || !exception.Valid {
			l.dropRow("calendar_dates", "invalid_field")
			return nil
		}
		params = append(params, gtfsdb.CreateCalendarDateParams{
			ServiceID:     id,
			Date:          date.Int64,
			ExceptionType: exception.Int64,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := l.db.BulkInsertCalendarDates(ctx, l.versionID, params); err != nil {
		return 0, workflow.Transient(err)
	}
	l.recordInserted("calendar_dates", len(params))
	return len(params), nil
}

func (l *Loader) LoadTrips(ctx context.Context, routes gtfsdb.IDMap) (gtfsdb.IDMap, error) {
	var params []gtfsdb.CreateTripParams
	found, err := l.forEachRow(ctx, "trips", func(row gtfscsv.Row) error {
		id := row.GetDefault("trip_id", "")
		if id == "" {
			l.dropRow("trips", "missing_id")
			return nil
		}
		routeKey, ok := routes[row.GetDefault("route_id", "")]
		if !ok {
			l.dropRow("trips", "unresolved_route")
			return nil
		}
		params = append(params, gtfsdb.CreateTripParams{
			TripID:               id,
			RouteID:              routeKey,
			ServiceID:            row.GetDefault("service_id", ""),
			TripHeadsign:         gtfsdb.ToNullString(row.GetDefault("trip_headsign", "")),
			TripShortName:        gtfsdb.ToNullString(row.GetDefault("trip_short_name", "")),
			DirectionID:          gtfsdb.ParseNullInt(row.GetDefault("direction_id", "")),
			BlockID:              gtfsdb.ToNullString(row.GetDefault("block_id", "")),
			ShapeID:              gtfsdb.ToNullString(row.GetDefault("shape_id", "")),
			WheelchairAccessible: gtfsdb.ParseNullInt(row.GetDefault("wheelchair_accessible", "")),
			BikesAllowed:         gtfsdb.ParseNullInt(row.GetDefault("bikes_allowed", "")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflow.Fatal(errors.New("trips.txt was not staged"))
	}

	remap, err := l.db.BulkUpsertTrips(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("trips", len(remap))
	return remap, nil
}

func (l *Loader) LoadStopTimes(ctx context.Context, trips, stops gtfsdb.IDMap) (int, error) {
	total := 0
	var batch []gtfsdb.CreateStopTimeParams
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.db.BulkInsertStopTimes(ctx, l.versionID, batch); err != nil {
			return workflow.Transient(err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	found, err := l.forEachRow(ctx, "stop_times", func(row gtfscsv.Row) error {
		tripKey, ok := trips[row.GetDefault("trip_id", "")]
		if !ok {
			l.dropRow("stop_times", "unresolved_trip")
			return nil
		}
		stopKey, ok := stops[row.GetDefault("stop_id", "")]
		if !ok {
			l.dropRow("stop_times", "unresolved_stop")
			return nil
		}
		seq, err := strconv.ParseInt(row.GetDefault("stop_sequence", ""), 10, 64)
		if err != nil {
			l.dropRow("stop_times", "invalid_sequence")
			return nil
		}

		batch = append(batch, gtfsdb.CreateStopTimeParams{
			TripID:            tripKey,
			StopID:            stopKey,
			StopSequence:      seq,
			ArrivalTime:       NullTime(row.GetDefault("arrival_time", "")),
			DepartureTime:     NullTime(row.GetDefault("departure_time", "")),
			StopHeadsign:      gtfsdb.ToNullString(row.GetDefault("stop_headsign", "")),
			PickupType:        gtfsdb.ParseNullInt(row.GetDefault("pickup_type", "")),
			DropOffType:       gtfsdb.ParseNullInt(row.GetDefault("drop_off_type", "")),
			ShapeDistTraveled: gtfsdb.ParseNullFloat(row.GetDefault("shape_dist_traveled", "")),
			Timepoint:         gtfsdb.ParseNullInt(row.GetDefault("timepoint", "")),
		})
		if len(batch) >= flushSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, workflow.Fatal(errors.New("stop_times.txt was not staged"))
	}
	if err := flush(); err != nil {
		return 0, err
	}

	l.recordInserted("stop_times", total)
	return total, nil
}

func (l *Loader) LoadShapes(ctx context.Context) (int, error) {
	total := 0
	var batch []gtfsdb.CreateShapeParams
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.db.BulkInsertShapes(ctx, l.versionID, batch); err != nil {
			return workflow.Transient(err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	_, err := l.forEachRow(ctx, "shapes", func(row gtfscsv.Row) error {
		id := row.GetDefault("shape_id", "")
		lat := gtfsdb.ParseNullFloat(row.GetDefault("shape_pt_lat", ""))
		lon := gtfsdb.ParseNullFloat(row.GetDefault("shape_pt_lon", ""))
		seq := gtfsdb.ParseNullInt(row.GetDefault("shape_pt_sequence", ""))
		if id == "" || !lat.Valid || !lon.Valid || !seq.Valid {
			l.dropRow("shapes", "invalid_field")
			return nil
		}
		batch = append(batch, gtfsdb.CreateShapeParams{
			ShapeID:      id,
			Lat:          lat.Float64,
			Lon:          lon.Float64,
			PtSequence:   seq.Int64,
			DistTraveled: gtfsdb.ParseNullFloat(row.GetDefault("shape_dist_traveled", "")),
		})
		if len(batch) >= flushSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}

	l.recordInserted("shapes", total)
	return total, nil
}

func (l *Loader) LoadFareAttributes(ctx context.Context, agencies gtfsdb.IDMap) (gtfsdb.IDMap, error) {
	var params []gtfsdb.CreateFareAttributeParams
	_, err := l.forEachRow(ctx, "fare_attributes", func(row gtfscsv.Row) error {
		id := row.GetDefault("fare_id", "")
		if id == "" {
			l.dropRow("fare_attributes", "missing_id")
			return nil
		}

		var agencyKey sql.NullInt64
		if natural := row.GetDefault("agency_id", ""); natural != "" {
			if key, ok := agencies[natural]; ok {
				agencyKey = sql.NullInt64{Int64: key, Valid: true}
			}
		}

		params = append(params, gtfsdb.CreateFareAttributeParams{
			FareID:           id,
			Price:            gtfsdb.ParseNullFloat(row.GetDefault("price", "")),
			CurrencyType:     gtfsdb.ToNullString(row.GetDefault("currency_type", "")),
			PaymentMethod:    gtfsdb.ParseNullInt(row.GetDefault("payment_method", "")),
			Transfers:        gtfsdb.ParseNullInt(row.GetDefault("transfers", "")),
			AgencyID:         agencyKey,
			TransferDuration: gtfsdb.ParseNullInt(row.GetDefault("transfer_duration", "")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	remap, err := l.db.BulkUpsertFareAttributes(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("fare_attributes", len(remap))
	return remap, nil
}

func (l *Loader) LoadFareRules(ctx context.Context, fares, routes gtfsdb.IDMap) (int, error) {
	var params []gtfsdb.CreateFareRuleParams
	_, err := l.forEachRow(ctx, "fare_rules", func(row gtfscsv.Row) error {
		fareKey, ok := fares[row.GetDefault("fare_id", "")]
		if !ok {
			l.dropRow("fare_rules", "unresolved_fare")
			return nil
		}

		var routeKey sql.NullInt64
		if natural := row.GetDefault("route_id", ""); natural != "" {
			key, ok := routes[natural]
			if !ok {
				l.dropRow("fare_rules", "unresolved_route")
				return nil
			}
			routeKey = sql.NullInt64{Int64: key, Valid: true}
		}

		params = append(params, gtfsdb.CreateFareRuleParams{
			FareAttributeID: fareKey,
			RouteID:         routeKey,
			OriginID:        gtfsdb.ToNullString(row.GetDefault("origin_id", "")),
			DestinationID:   gtfsdb.ToNullString(row.GetDefault("destination_id", "")),
			ContainsID:      gtfsdb.ToNullString(row.GetDefault("contains_id", "")),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := l.db.BulkInsertFareRules(ctx, l.versionID, params); err != nil {
		return 0, workflow.Transient(err)
	}
	l.recordInserted("fare_rules", len(params))
	return len(params), nil
}

func (l *Loader) LoadTransfers(ctx context.Context, stops gtfsdb.IDMap) (int, error) {
	var params []gtfsdb.CreateTransferParams
	_, err := l.forEachRow(ctx, "transfers", func(row gtfscsv.Row) error {
		fromKey, okFrom := stops[row.GetDefault("from_stop_id", "")]
		toKey, okTo := stops[row.GetDefault("to_stop_id", "")]
		if !okFrom || !okTo {
			l.dropRow("transfers", "unresolved_stop")
			return nil
		}
		params = append(params, gtfsdb.CreateTransferParams{
			FromStopID:      fromKey,
			ToStopID:        toKey,
			TransferType:    gtfsdb.ParseNullInt(row.GetDefault("transfer_type", "")),
			MinTransferTime: gtfsdb.ParseNullInt(row.GetDefault("min_transfer_time", "")),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := l.db.BulkInsertTransfers(ctx, l.versionID, params); err != nil {
		return 0, workflow.Transient(err)
	}
	l.recordInserted("transfers", len(params))
	return len(params), nil
}

func (l *Loader) LoadFrequencies(ctx context.Context, trips gtfsdb.IDMap) (int, error) {
	var params []gtfsdb.CreateFrequencyParams
	_, err := l.forEachRow(ctx, "frequencies", func(row gtfscsv.Row) error {
		tripKey, ok := trips[row.GetDefault("trip_id", "")]
		if !ok {
			l.dropRow("frequencies", "unresolved_trip")
			return nil
		}
		start := NullTime(row.GetDefault("start_time", ""))
		end := NullTime(row.GetDefault("end_time", ""))
		headway := gtfsdb.ParseNullInt(row.GetDefault("headway_secs", ""))
		if !start.Valid || !end.Valid || !headway.Valid {
			l.dropRow("frequencies", "invalid_field")
			return nil
		}
		params = append(params, gtfsdb.CreateFrequencyParams{
			TripID:      tripKey,
			StartTime:   start.Int64,
			EndTime:     end.Int64,
			HeadwaySecs: headway.Int64,
			ExactTimes:  gtfsdb.ParseNullInt(row.GetDefault("exact_times", "")),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := l.db.BulkInsertFrequencies(ctx, l.versionID, params); err != nil {
		return 0, workflow.Transient(err)
	}
	l.recordInserted("frequencies", len(params))
	return len(params), nil
}

func (l *Loader) LoadAttributions(ctx context.Context) (gtfsdb.IDMap, error) {
	var params []gtfsdb.CreateAttributionParams
	_, err := l.forEachRow(ctx, "attributions", func(row gtfscsv.Row) error {
		org := row.GetDefault("organization_name", "")
		if org == "" {
			l.dropRow("attributions", "missing_organization")
			return nil
		}
		params = append(params, gtfsdb.CreateAttributionParams{
			AttributionID:    row.GetDefault("attribution_id", org),
			OrganizationName: org,
			IsProducer:       gtfsdb.ParseNullInt(row.GetDefault("is_producer", "")),
			IsOperator:       gtfsdb.ParseNullInt(row.GetDefault("is_operator", "")),
			IsAuthority:      gtfsdb.ParseNullInt(row.GetDefault("is_authority", "")),
			AttributionUrl:   gtfsdb.ToNullString(row.GetDefault("attribution_url", "")),
			AttributionEmail: gtfsdb.ToNullString(row.GetDefault("attribution_email", "")),
			AttributionPhone: gtfsdb.ToNullString(row.GetDefault("attribution_phone", "")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	remap, err := l.db.BulkUpsertAttributions(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("attributions", len(remap))
	return remap, nil
}

func (l *Loader) LoadPathways(ctx context.Context, stops gtfsdb.IDMap) (gtfsdb.IDMap, error) {
	var params []gtfsdb.CreatePathwayParams
	_, err := l.forEachRow(ctx, "pathways", func(row gtfscsv.Row) error {
		id := row.GetDefault("pathway_id", "")
		if id == "" {
			l.dropRow("pathways", "missing_id")
			return nil
		}
		fromKey, okFrom := stops[row.GetDefault("from_stop_id", "")]
		toKey, okTo := stops[row.GetDefault("to_stop_id", "")]
		if !okFrom || !okTo {
			l.dropRow("pathways", "unresolved_stop")
			return nil
		}
		params = append(params, gtfsdb.CreatePathwayParams{
			PathwayID:            id,
			FromStopID:           fromKey,
			ToStopID:             toKey,
			PathwayMode:          gtfsdb.ParseNullInt(row.GetDefault("pathway_mode", "")),
			IsBidirectional:      gtfsdb.ParseNullInt(row.GetDefault("is_bidirectional", "")),
			Length:               gtfsdb.ParseNullFloat(row.GetDefault("length", "")),
			TraversalTime:        gtfsdb.ParseNullInt(row.GetDefault("traversal_time", "")),
			StairCount:           gtfsdb.ParseNullInt(row.GetDefault("stair_count", "")),
			MaxSlope:             gtfsdb.ParseNullFloat(row.GetDefault("max_slope", "")),
			MinWidth:             gtfsdb.ParseNullFloat(row.GetDefault("min_width", "")),
			SignpostedAs:         gtfsdb.ToNullString(row.GetDefault("signposted_as", "")),
			ReversedSignpostedAs: gtfsdb.ToNullString(row.GetDefault("reversed_signposted_as", "")),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	remap, err := l.db.BulkUpsertPathways(ctx, l.versionID, params)
	if err != nil {
		return nil, workflow.Transient(err)
	}
	l.recordInserted("pathways", len(remap))
	return remap, nil
}

// ComputeValidity derives the schedule validity window from the loaded
// service definitions.
func (l *Loader) ComputeValidity(ctx context.Context, loc *time.Location) (start, end sql.NullInt64, err error) {
	observe := func(d sql.NullInt64) {
		if !d.Valid {
			return
		}
		if !start.Valid || d.Int64 < start.Int64 {
			start = d
		}
		if !end.Valid || d.Int64 > end.Int64 {
			end = d
		}
	}

	_, err = l.forEachRow(ctx, "calendar", func(row gtfscsv.Row) error {
		observe(NullDate(row.GetDefault("start_date", ""), loc))
		observe(NullDate(row.GetDefault("end_date", ""), loc))
		return nil
	})
	if err != nil {
		return start, end, err
	}

	_, err = l.forEachRow(ctx, "calendar_dates", func(row gtfscsv.Row) error {
		if row.GetDefault("exception_type", "") == "1" {
			observe(NullDate(row.GetDefault("date", ""), loc))
		}
		return nil
	})
	return start, end, err
}
