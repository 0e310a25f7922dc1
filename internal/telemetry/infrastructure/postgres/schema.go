package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsureSchema creates the reading table and its range index if missing.
func EnsureSchema(ctx context.Context, db *sql.DB, table string) error {
	if db == nil {
		return errors.New("reading schema: nil db")
	}
	if table == "" {
		table = defaultReadingTable
	}
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	device_id TEXT NOT NULL,
	ts BIGINT NOT NULL,
	energy_consumption TEXT,
	voltage TEXT,
	current_amps TEXT,
	power_factor TEXT,
	temperature TEXT,
	PRIMARY KEY (device_id, ts)
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts, device_id)`, table, table),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reading schema: %w", err)
		}
	}
	return nil
}
