package gtfsdb

import (
	"database/sql"
	"strconv"
)

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// toNullString converts a string to sql.NullString (unexported, for internal use)
func toNullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}

// ToNullString converts a string to sql.NullString, with empty strings becoming NULL (exported).
func ToNullString(s string) sql.NullString {
	return toNullString(s)
}

// ToNullInt64 wraps an int64 in sql.NullInt64. Zero is a valid value; use
// ParseNullInt when absence is signalled by an empty string instead.
func ToNullInt64(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: true}
}

// ToNullFloat64 wraps a float64 in sql.NullFloat64.
func ToNullFloat64(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}

// ParseNullInt parses a string to sql.NullInt64, with empty or invalid values becoming NULL.
func ParseNullInt(s string) sql.NullInt64 {
	if s == "" {
		return sql.NullInt64{Valid: false}
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}

// ParseNullFloat parses a string to sql.NullFloat64, with empty or invalid values becoming NULL.
func ParseNullFloat(s string) sql.NullFloat64 {
	if s == "" {
		return sql.NullFloat64{Valid: false}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// ParseNullBool parses a boolean string to sql.NullInt64 (0 or 1), with empty/invalid values becoming NULL.
func ParseNullBool(s string) sql.NullInt64 {
	if s == "" {
		return sql.NullInt64{Valid: false}
	}
	// Uses strconv.ParseBool semantics: accepts "1", "t", "T", "TRUE", "true", "True",
	// "0", "f", "F", "FALSE", "false", "False"
	b, err := strconv.ParseBool(s)
	if err != nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: boolToInt(b), Valid: true}
}
