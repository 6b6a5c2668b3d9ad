package gtfsdb

import (
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"gtfsflow.org/internal/logging"
)

func PrintSimpleSchema(db *sql.DB) error { // nolint:unused
	// Get all database objects
	rows, err := db.Query(`
		SELECT type, name, sql
		FROM sqlite_master
		WHERE type IN ('table', 'index', 'view', 'trigger')
		  AND name NOT LIKE 'sqlite_%'
		ORDER BY type, name
	`)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(rows,
		slog.Default().With(slog.String("component", "debugging")),
		"database_rows")

	log.Println("DATABASE SCHEMA:")
	log.Println("----------------")

	for rows.Next() {
		var objType, objName, objSQL string
		if err := rows.Scan(&objType, &objName, &objSQL); err != nil {
			return err
		}
		log.Printf("%s: %s\n", strings.ToUpper(objType), objName)
		log.Printf("%s\n\n", objSQL)
	}

	return nil
}

func (c *Client) TableCounts() (map[string]int, error) {
	rows, err := c.DB.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, fmt.Errorf("failed to query table names: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows,
		slog.Default().With(slog.String("component", "debugging")),
		"database_rows")

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}

	counts := make(map[string]int)

	tableCountQueries := map[string]string{
		"feed_sources":      "SELECT COUNT(*) FROM feed_sources",
		"feed_versions":     "SELECT COUNT(*) FROM feed_versions",
		"agencies":          "SELECT COUNT(*) FROM agencies",
		"levels":            "SELECT COUNT(*) FROM levels",
		"stops":             "SELECT COUNT(*) FROM stops",
		"routes":            "SELECT COUNT(*) FROM routes",
		"calendars":         "SELECT COUNT(*) FROM calendars",
		"calendar_dates":    "SELECT COUNT(*) FROM calendar_dates",
		"trips":             "SELECT COUNT(*) FROM trips",
		"stop_times":        "SELECT COUNT(*) FROM stop_times",
		"shapes":            "SELECT COUNT(*) FROM shapes",
		"shape_polylines":   "SELECT COUNT(*) FROM shape_polylines",
		"fare_attributes":   "SELECT COUNT(*) FROM fare_attributes",
		"fare_rules":        "SELECT COUNT(*) FROM fare_rules",
		"transfers":         "SELECT COUNT(*) FROM transfers",
		"frequencies":       "SELECT COUNT(*) FROM frequencies",
		"attributions":      "SELECT COUNT(*) FROM attributions",
		"pathways":          "SELECT COUNT(*) FROM pathways",
		"trip_updates":      "SELECT COUNT(*) FROM trip_updates",
		"vehicle_positions": "SELECT COUNT(*) FROM vehicle_positions",
		"service_alerts":    "SELECT COUNT(*) FROM service_alerts",
		"import_runs":       "SELECT COUNT(*) FROM import_runs",
		"import_steps":      "SELECT COUNT(*) FROM import_steps",
	}

	for _, table := range tables {
		query, ok := tableCountQueries[table]
		if !ok {
			continue
		}

		var count int
		err := c.DB.QueryRow(query).Scan(&count)
		if err != nil {
			return nil, err
		}
		counts[table] = count
	}

	return counts, nil
}

// DumpValue pretty-prints any value for ad hoc debugging sessions and
// returns the rendered dump.
func DumpValue(label string, v interface{}) string {
	dump := fmt.Sprintf("%s:\n%s", label, spew.Sdump(v))
	log.Print(dump)
	return dump
}
