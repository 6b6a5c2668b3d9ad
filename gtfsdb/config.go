package gtfsdb

import "gtfsflow.org/internal/appconf"

const defaultBulkInsertBatchSize = 3000

// Config holds configuration options for the Client
type Config struct {
	DBPath              string // Path to SQLite database file
	Env                 appconf.Environment
	verbose             bool
	bulkInsertBatchSize int
	writeConcurrency    int
}

// NewConfig creates a Config with default batch sizing.
func NewConfig(dbPath string, env appconf.Environment, verbose bool) Config {
	return Config{
		DBPath:  dbPath,
		Env:     env,
		verbose: verbose,
	}
}

// WithBatchSize overrides the number of rows per bulk write statement.
func (c Config) WithBatchSize(n int) Config {
	c.bulkInsertBatchSize = n
	return c
}

// GetBulkInsertBatchSize returns the rows-per-statement bound for bulk
// writes. SQLite limits both statement length and bound parameter count,
// so the batch size times the widest column set must stay under
// SQLITE_MAX_VARIABLE_NUMBER.
func (c Config) GetBulkInsertBatchSize() int {
	if c.bulkInsertBatchSize > 0 {
		return c.bulkInsertBatchSize
	}
	return defaultBulkInsertBatchSize
}
