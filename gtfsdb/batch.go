package gtfsdb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"

	"gtfsflow.org/internal/logging"
)

// IDMap maps a table's natural GTFS ids to their surrogate integer keys.
type IDMap map[string]int64

// SQLite's default bound-variable ceiling is 32766; stay under it so a
// configured batch size never produces an unpreparable statement.
const maxBoundVariables = 32000

func (c *Client) rowsPerBatch(width int) int {
	configured := c.config.GetBulkInsertBatchSize()
	limit := maxBoundVariables / width
	if configured > limit {
		return limit
	}
	return configured
}

// upsertSpec describes one natural-keyed entity table. Conflicts on
// (feed_version_id, keyColumn) overwrite the row in place, so re-running
// a load yields the same surrogate keys it did the first time.
type upsertSpec struct {
	table     string
	keyColumn string
	columns   []string // excluding feed_version_id and keyColumn
	rowArgs   func(i int) []interface{}
	totalRows int
}

func (s upsertSpec) buildQuery(rows int) string {
	var query strings.Builder
	query.WriteString("INSERT INTO ")
	query.WriteString(s.table)
	query.WriteString(" (feed_version_id, ")
	query.WriteString(s.keyColumn)
	query.WriteString(", ")
	query.WriteString(strings.Join(s.columns, ", "))
	query.WriteString(") VALUES ")

	placeholder := "(?, ?" + strings.Repeat(", ?", len(s.columns)) + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString(placeholder)
	}

	query.WriteString(" ON CONFLICT (feed_version_id, ")
	query.WriteString(s.keyColumn)
	query.WriteString(") DO UPDATE SET ")
	for i, col := range s.columns {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString(col)
		query.WriteString(" = excluded.")
		query.WriteString(col)
	}
	query.WriteString(" RETURNING id, ")
	query.WriteString(s.keyColumn)

	return query.String()
}

// runUpsert executes the spec in batches inside one transaction and
// returns the natural-id to surrogate-key mapping for every row written.
func (c *Client) runUpsert(ctx context.Context, feedVersionID int64, spec upsertSpec) (IDMap, error) {
	logger := slog.Default().With(slog.String("component", "bulk_insert"))

	logging.LogOperation(logger, "upserting_"+spec.table,
		slog.Int("count", spec.totalRows))

	remap := make(IDMap, spec.totalRows)
	if spec.totalRows == 0 {
		return remap, nil
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "upsert_"+spec.table)

	batchSize := c.rowsPerBatch(len(spec.columns) + 2)
	for start := 0; start < spec.totalRows; start += batchSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		end := start + batchSize
		if end > spec.totalRows {
			end = spec.totalRows
		}

		args := make([]interface{}, 0, (end-start)*(len(spec.columns)+2))
		for i := start; i < end; i++ {
			args = append(args, feedVersionID)
			args = append(args, spec.rowArgs(i)...)
		}

		rows, err := tx.QueryContext(ctx, spec.buildQuery(end-start), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert %s batch: %w", spec.table, err)
		}
		for rows.Next() {
			var id int64
			var naturalID string
			if err := rows.Scan(&id, &naturalID); err != nil {
				_ = rows.Close()
				return nil, err
			}
			remap[naturalID] = id
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logging.LogOperation(logger, spec.table+"_upserted",
		slog.Int("count", len(remap)))

	return remap, nil
}

// preparedBatch holds a prepared SQL statement with its arguments
type preparedBatch struct {
	query string
	args  []interface{}
	index int // Original index for ordering
	end   int // End position for progress logging
}

// insertSpec describes one child table loaded with plain inserts. Rows
// that already exist (a retried load) are ignored rather than duplicated.
type insertSpec struct {
	table     string
	columns   []string // excluding feed_version_id
	rowArgs   func(i int) []interface{}
	totalRows int
}

// runPipelinedInsert loads large child tables with parallel statement
// preparation and sequential transactional execution. Workers build
// multi-row INSERT statements while the single writer executes them, so
// CPU-bound argument marshalling overlaps the SQLite write path.
func (c *Client) runPipelinedInsert(ctx context.Context, feedVersionID int64, spec insertSpec) error {
	logger := slog.Default().With(slog.String("component", "bulk_insert"))

	logging.LogOperation(logger, "inserting_"+spec.table,
		slog.Int("count", spec.totalRows))

	if spec.totalRows == 0 {
		return nil
	}

	width := len(spec.columns) + 1
	batchSize := c.rowsPerBatch(width)
	numBatches := (spec.totalRows + batchSize - 1) / batchSize

	baseQuery := "INSERT OR IGNORE INTO " + spec.table +
		" (feed_version_id, " + strings.Join(spec.columns, ", ") + ") VALUES "
	placeholder := "(?" + strings.Repeat(", ?", len(spec.columns)) + ")"

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "insert_"+spec.table)

	numWorkers := runtime.NumCPU()
	batchChan := make(chan int, numWorkers)
	resultsChan := make(chan preparedBatch, numWorkers*4)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batchIndex := range batchChan {
				select {
				case <-ctx.Done():
					return
				default:
				}

				start := batchIndex * batchSize
				end := start + batchSize
				if end > spec.totalRows {
					end = spec.totalRows
				}

				// SECURITY: Only use placeholders (?) for values. Never concatenate user input directly
				// into the query string to prevent SQL injection attacks.
				var query strings.Builder
				query.WriteString(baseQuery)
				args := make([]interface{}, 0, (end-start)*width)

				for j := start; j < end; j++ {
					if j > start {
						query.WriteString(", ")
					}
					query.WriteString(placeholder)
					args = append(args, feedVersionID)
					args = append(args, spec.rowArgs(j)...)
				}

				resultsChan <- preparedBatch{
					query: query.String(),
					args:  args,
					index: batchIndex,
					end:   end,
				}
			}
		}()
	}

	go func() {
		defer close(batchChan)
		for i := 0; i < numBatches; i++ {
			select {
			case <-ctx.Done():
				return
			case batchChan <- i:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	preparedBatches := make([]preparedBatch, 0, numBatches)
	for batch := range resultsChan {
		preparedBatches = append(preparedBatches, batch)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Sort batches by index to maintain insertion order
	sort.Slice(preparedBatches, func(i, j int) bool {
		return preparedBatches[i].index < preparedBatches[j].index
	})

	for _, batch := range preparedBatches {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := tx.ExecContext(ctx, batch.query, batch.args...); err != nil {
			return fmt.Errorf("failed to insert %s batch: %w", spec.table, err)
		}

		// Log progress every 100k records
		if batch.end%100000 == 0 || batch.end == spec.totalRows {
			logging.LogOperation(logger, spec.table+"_progress",
				slog.Int("inserted", batch.end),
				slog.Int("total", spec.totalRows))
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.LogOperation(logger, spec.table+"_inserted",
		slog.Int("count", spec.totalRows))

	return nil
}

func (c *Client) BulkUpsertAgencies(ctx context.Context, feedVersionID int64, agencies []CreateAgencyParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "agencies",
		keyColumn: "agency_id",
		columns:   []string{"name", "url", "timezone", "lang", "phone", "fare_url", "email"},
		totalRows: len(agencies),
		rowArgs: func(i int) []interface{} {
			a := agencies[i]
			return []interface{}{a.AgencyID, a.Name, a.Url, a.Timezone, a.Lang, a.Phone, a.FareUrl, a.Email}
		},
	})
}

func (c *Client) BulkUpsertLevels(ctx context.Context, feedVersionID int64, levels []CreateLevelParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "levels",
		keyColumn: "level_id",
		columns:   []string{"level_index", "level_name"},
		totalRows: len(levels),
		rowArgs: func(i int) []interface{} {
			l := levels[i]
			return []interface{}{l.LevelID, l.LevelIndex, l.LevelName}
		},
	})
}

func (c *Client) BulkUpsertStops(ctx context.Context, feedVersionID int64, stops []CreateStopParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "stops",
		keyColumn: "stop_id",
		columns: []string{
			"code", "name", `"desc"`, "lat", "lon", "zone_id", "url",
			"location_type", "parent_station", "timezone",
			"wheelchair_boarding", "level_id", "platform_code",
		},
		totalRows: len(stops),
		rowArgs: func(i int) []interface{} {
			s := stops[i]
			return []interface{}{
				s.StopID, s.Code, s.Name, s.Desc, s.Lat, s.Lon, s.ZoneID, s.Url,
				s.LocationType, s.ParentStation, s.Timezone,
				s.WheelchairBoarding, s.LevelID, s.PlatformCode,
			}
		},
	})
}

func (c *Client) BulkUpsertRoutes(ctx context.Context, feedVersionID int64, routes []CreateRouteParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "routes",
		keyColumn: "route_id",
		columns: []string{
			"agency_id", "short_name", "long_name", `"desc"`, "type", "url",
			"color", "text_color", "continuous_pickup", "continuous_drop_off",
			"sort_order",
		},
		totalRows: len(routes),
		rowArgs: func(i int) []interface{} {
			r := routes[i]
			return []interface{}{
				r.RouteID, r.AgencyID, r.ShortName, r.LongName, r.Desc, r.Type,
				r.Url, r.Color, r.TextColor, r.ContinuousPickup,
				r.ContinuousDropOff, r.SortOrder,
			}
		},
	})
}

func (c *Client) BulkUpsertCalendars(ctx context.Context, feedVersionID int64, calendars []CreateCalendarParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "calendars",
		keyColumn: "service_id",
		columns: []string{
			"monday", "tuesday", "wednesday", "thursday", "friday",
			"saturday", "sunday", "start_date", "end_date",
		},
		totalRows: len(calendars),
		rowArgs: func(i int) []interface{} {
			cal := calendars[i]
			return []interface{}{
				cal.ServiceID, cal.Monday, cal.Tuesday, cal.Wednesday,
				cal.Thursday, cal.Friday, cal.Saturday, cal.Sunday,
				cal.StartDate, cal.EndDate,
			}
		},
	})
}

func (c *Client) BulkUpsertTrips(ctx context.Context, feedVersionID int64, trips []CreateTripParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "trips",
		keyColumn: "trip_id",
		columns: []string{
			"route_id", "service_id", "trip_headsign", "trip_short_name",
			"direction_id", "block_id", "shape_id", "wheelchair_accessible",
			"bikes_allowed",
		},
		totalRows: len(trips),
		rowArgs: func(i int) []interface{} {
			t := trips[i]
			return []interface{}{
				t.TripID, t.RouteID, t.ServiceID, t.TripHeadsign,
				t.TripShortName, t.DirectionID, t.BlockID, t.ShapeID,
				t.WheelchairAccessible, t.BikesAllowed,
			}
		},
	})
}

func (c *Client) BulkUpsertFareAttributes(ctx context.Context, feedVersionID int64, fares []CreateFareAttributeParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "fare_attributes",
		keyColumn: "fare_id",
		columns: []string{
			"price", "currency_type", "payment_method", "transfers",
			"agency_id", "transfer_duration",
		},
		totalRows: len(fares),
		rowArgs: func(i int) []interface{} {
			f := fares[i]
			return []interface{}{
				f.FareID, f.Price, f.CurrencyType, f.PaymentMethod,
				f.Transfers, f.AgencyID, f.TransferDuration,
			}
		},
	})
}

func (c *Client) BulkUpsertAttributions(ctx context.Context, feedVersionID int64, attributions []CreateAttributionParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "attributions",
		keyColumn: "attribution_id",
		columns: []string{
			"organization_name", "is_producer", "is_operator", "is_authority",
			"attribution_url", "attribution_email", "attribution_phone",
		},
		totalRows: len(attributions),
		rowArgs: func(i int) []interface{} {
			a := attributions[i]
			return []interface{}{
				a.AttributionID, a.OrganizationName, a.IsProducer, a.IsOperator,
				a.IsAuthority, a.AttributionUrl, a.AttributionEmail, a.AttributionPhone,
			}
		},
	})
}

func (c *Client) BulkUpsertPathways(ctx context.Context, feedVersionID int64, pathways []CreatePathwayParams) (IDMap, error) {
	return c.runUpsert(ctx, feedVersionID, upsertSpec{
		table:     "pathways",
		keyColumn: "pathway_id",
		columns: []string{
			"from_stop_id", "to_stop_id", "pathway_mode", "is_bidirectional",
			"length", "traversal_time", "stair_count", "max_slope",
			"min_width", "signposted_as", "reversed_signposted_as",
		},
		totalRows: len(pathways),
		rowArgs: func(i int) []interface{} {
			p := pathways[i]
			return []interface{}{
				p.PathwayID, p.FromStopID, p.ToStopID, p.PathwayMode,
				p.IsBidirectional, p.Length, p.TraversalTime, p.StairCount,
				p.MaxSlope, p.MinWidth, p.SignpostedAs, p.ReversedSignpostedAs,
			}
		},
	})
}

func (c *Client) BulkInsertCalendarDates(ctx context.Context, feedVersionID int64, dates []CreateCalendarDateParams) error {
	return c.runPipelinedInsert(ctx, feedVersionID, insertSpec{
		table:     "calendar_dates",
		columns:   []string{"service_id", "date", "exception_type"},
		totalRows: len(dates),
		rowArgs: func(i int) []interface{} {
			d := dates[i]
			return []interface{}{d.ServiceID, d.Date, d.ExceptionType}
		},
	})
}

func (c *Client) BulkInsertStopTimes(ctx context.Context, feedVersionID int64, stopTimes []CreateStopTimeParams) error {
	return c.runPipelinedInsert(ctx, feedVersionID, insertSpec{
		table: "stop_times",
		columns: []string{
			"trip_id", "stop_id", "stop_sequence", "arrival_time",
			"departure_time", "stop_headsign", "pickup_type", "drop_off_type",
			"shape_dist_traveled", "timepoint",
		},
		totalRows: len(stopTimes),
		rowArgs: func(i int) []interface{} {
			st := stopTimes[i]
			return []interface{}{
				st.TripID, st.StopID, st.StopSequence, st.ArrivalTime,
				st.DepartureTime, st.StopHeadsign, st.PickupType,
				st.DropOffType, st.ShapeDistTraveled, st.Timepoint,
			}
		},
	})
}

func (c *Client) BulkInsertShapes(ctx context.Context, feedVersionID int64, shapes []CreateShapeParams) error {
	return c.runPipelinedInsert(ctx, feedVersionID, insertSpec{
		table:     "shapes",
		columns:   []string{"shape_id", "lat", "lon", "pt_sequence", "dist_traveled"},
		totalRows: len(shapes),
		rowArgs: func(i int) []interface{} {
			s := shapes[i]
			return []interface{}{s.ShapeID, s.Lat, s.Lon, s.PtSequence, s.DistTraveled}
		},
	})
}

func (c *Client) BulkInsertFareRules(ctx context.Context, feedVersionID int64, rules []CreateFareRuleParams) error {
	return c.runPipelinedInsert(ctx, feedVersionID, insertSpec{
		table: "fare_rules",
		columns: []string{
			"fare_attribute_id", "route_id", "origin_id", "destination_id",
			"contains_id",
		},
		totalRows: len(rules),
		rowArgs: func(i int) []interface{} {
			r := rules[i]
			return []interface{}{r.FareAttributeID, r.RouteID, r.OriginID, r.DestinationID, r.ContainsID}
		},
	})
}

func (c *Client) BulkInsertTransfers(ctx context.Context, feedVersionID int64, transfers []CreateTransferParams) error {
	return c.runPipelinedInsert(ctx, feedVersionID, insertSpec{
		table:     "transfers",
		columns:   []string{"from_stop_id", "to_stop_id", "transfer_type", "min_transfer_time"},
		totalRows: len(transfers),
		rowArgs: func(i int) []interface{} {
			t := transfers[i]
			return []interface{}{t.FromStopID, t.ToStopID, t.TransferType, t.MinTransferTime}
		},
	})
}

func (c *Client) BulkInsertFrequencies(ctx context.Context, feedVersionID int64, frequencies []CreateFrequencyParams) error {
	return c.runPipelinedInsert(ctx, feedVersionID, insertSpec{
		table:     "frequencies",
		columns:   []string{"trip_id", "start_time", "end_time", "headway_secs", "exact_times"},
		totalRows: len(frequencies),
		rowArgs: func(i int) []interface{} {
			f := frequencies[i]
			return []interface{}{f.TripID, f.StartTime, f.EndTime, f.HeadwaySecs, f.ExactTimes}
		},
	})
}
