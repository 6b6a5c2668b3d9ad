package importer

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDate interprets a GTFS YYYYMMDD date at local noon in the given
// timezone and returns it as an absolute instant. Noon sidesteps the
// ambiguity of days whose local midnight does not exist or occurs twice
// across a daylight-saving transition.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if len(s) != 8 {
		return time.Time{}, fmt.Errorf("invalid GTFS date %q", s)
	}
	year, err := strconv.Atoi(s[0:4])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid GTFS date %q", s)
	}
	month, err := strconv.Atoi(s[4:6])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid GTFS date %q", s)
	}
	day, err := strconv.Atoi(s[6:8])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid GTFS date %q", s)
	}
	return time.Date(year, time.Month(month), day, 12, 0, 0, 0, loc), nil
}

// ParseTime converts a GTFS HH:MM:SS time to elapsed seconds since local
// midnight. Hours past 23 are valid and represent service continuing
// past midnight, so the result can exceed 86400.
func ParseTime(s string) (int64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid GTFS time %q", s)
	}
	hours, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid GTFS time %q", s)
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid GTFS time %q", s)
	}
	seconds, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || seconds < 0 || seconds > 59 {
		return 0, fmt.Errorf("invalid GTFS time %q", s)
	}
	return hours*3600 + minutes*60 + seconds, nil
}

// NullDate parses a GTFS date into a Unix timestamp, with empty or
// unparsable values becoming NULL.
func NullDate(s string, loc *time.Location) sql.NullInt64 {
	if s == "" {
		return sql.NullInt64{}
	}
	t, err := ParseDate(s, loc)
	if err != nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// NullTime parses a GTFS time into seconds since local midnight, with
// empty or unparsable values becoming NULL.
func NullTime(s string) sql.NullInt64 {
	if s == "" {
		return sql.NullInt64{}
	}
	secs, err := ParseTime(s)
	if err != nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: secs, Valid: true}
}
