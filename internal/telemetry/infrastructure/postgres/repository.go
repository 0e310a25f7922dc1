package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

const defaultReadingTable = "telemetry_readings"

// ReadingRepository stores raw readings in a SQL table. The statements are
// portable between Postgres (pgx) and SQLite.
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*ReadingRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewReadingRepository constructs a repository with the default table name.
func NewReadingRepository(db *sql.DB, opts ...RepositoryOption) (*ReadingRepository, error) {
	if db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	repo := &ReadingRepository{db: db, table: defaultReadingTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// Table returns the backing table name.
func (r *ReadingRepository) Table() string {
	return r.table
}

// InsertReading upserts one reading keyed by (device_id, ts).
func (r *ReadingRepository) InsertReading(ctx context.Context, reading telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if err := reading.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	ts,
	energy_consumption,
	voltage,
	current_amps,
	power_factor,
	temperature
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (device_id, ts)
DO UPDATE SET
	energy_consumption = EXCLUDED.energy_consumption,
	voltage = EXCLUDED.voltage,
	current_amps = EXCLUDED.current_amps,
	power_factor = EXCLUDED.power_factor,
	temperature = EXCLUDED.temperature`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		reading.DeviceID,
		reading.Timestamp,
		nullValue(reading.EnergyConsumption),
		nullValue(reading.Voltage),
		nullValue(reading.Current),
		nullValue(reading.PowerFactor),
		nullValue(reading.Temperature),
	)
	return err
}

func nullValue(v telemetry.Value) sql.NullString {
	if !v.IsSet() {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

func valueOf(v sql.NullString) telemetry.Value {
	if !v.Valid {
		return ""
	}
	return telemetry.Value(v.String)
}
