package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	aggregation "energy-telemetry/internal/aggregation/domain"
)

const defaultAggregateTable = "hourly_aggregates"

// AggregateRepository stores hourly summaries keyed by (device_id, window_end).
type AggregateRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*AggregateRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *AggregateRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewAggregateRepository creates a repository using the default table name.
func NewAggregateRepository(db *sql.DB, opts ...RepositoryOption) (*AggregateRepository, error) {
	if db == nil {
		return nil, errors.New("aggregate repo: nil db")
	}
	repo := &AggregateRepository{db: db, table: defaultAggregateTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// Put upserts a summary; a re-run of the same window overwrites the row.
func (r *AggregateRepository) Put(ctx context.Context, summary aggregation.DeviceSummary) error {
	if r == nil || r.db == nil {
		return errors.New("aggregate repo: nil db")
	}
	if err := summary.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	window_end,
	window_start,
	data_type,
	min_energy,
	max_energy,
	avg_energy,
	sample_count,
	skipped_count
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)
ON CONFLICT (device_id, window_end)
DO UPDATE SET
	window_start = EXCLUDED.window_start,
	data_type = EXCLUDED.data_type,
	min_energy = EXCLUDED.min_energy,
	max_energy = EXCLUDED.max_energy,
	avg_energy = EXCLUDED.avg_energy,
	sample_count = EXCLUDED.sample_count,
	skipped_count = EXCLUDED.skipped_count`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		summary.DeviceID,
		summary.WindowEnd,
		summary.WindowStart,
		aggregation.RecordKindHourlyAggregate,
		summary.MinEnergy,
		summary.MaxEnergy,
		summary.AvgEnergy,
		summary.SampleCount,
		summary.SkippedCount,
	)
	return err
}

// Range lists summaries of one device with window_end in [from, to).
func (r *AggregateRepository) Range(ctx context.Context, deviceID string, from, to int64) ([]aggregation.DeviceSummary, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("aggregate repo: nil db")
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("aggregate repo: empty device id")
	}
	if from >= to {
		return nil, aggregation.ErrInvalidWindow
	}

	query := fmt.Sprintf(`
SELECT
	device_id,
	window_start,
	window_end,
	min_energy,
	max_energy,
	avg_energy,
	sample_count,
	skipped_count
FROM %s
WHERE device_id = $1
	AND window_end >= $2
	AND window_end < $3
ORDER BY window_end ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]aggregation.DeviceSummary, 0)
	for rows.Next() {
		var s aggregation.DeviceSummary
		if err := rows.Scan(
			&s.DeviceID,
			&s.WindowStart,
			&s.WindowEnd,
			&s.MinEnergy,
			&s.MaxEnergy,
			&s.AvgEnergy,
			&s.SampleCount,
			&s.SkippedCount,
		); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// EnsureSchema creates the aggregate table if missing.
func EnsureSchema(ctx context.Context, db *sql.DB, table string) error {
	if db == nil {
		return errors.New("aggregate schema: nil db")
	}
	if table == "" {
		table = defaultAggregateTable
	}
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	device_id TEXT NOT NULL,
	window_end BIGINT NOT NULL,
	window_start BIGINT NOT NULL,
	data_type TEXT NOT NULL,
	min_energy DOUBLE PRECISION NOT NULL,
	max_energy DOUBLE PRECISION NOT NULL,
	avg_energy DOUBLE PRECISION NOT NULL,
	sample_count INTEGER NOT NULL,
	skipped_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, window_end)
)`, table)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("aggregate schema: %w", err)
	}
	return nil
}
