package postgres

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

const (
	defaultPageSize = 500
	maxLatestLimit  = 500
)

// ReadingQuery pages through readings in (ts, device_id) order.
type ReadingQuery struct {
	db       *sql.DB
	table    string
	pageSize int
}

// QueryOption configures the reading query.
type QueryOption func(*ReadingQuery)

// WithQueryTable overrides the default table name for queries.
func WithQueryTable(table string) QueryOption {
	return func(query *ReadingQuery) {
		if query != nil && table != "" {
			query.table = table
		}
	}
}

// WithPageSize sets the maximum number of readings per page.
func WithPageSize(size int) QueryOption {
	return func(query *ReadingQuery) {
		if query != nil && size > 0 {
			query.pageSize = size
		}
	}
}

// NewReadingQuery constructs a query with the default table name and page size.
func NewReadingQuery(db *sql.DB, opts ...QueryOption) (*ReadingQuery, error) {
	if db == nil {
		return nil, errors.New("reading query: nil db")
	}
	query := &ReadingQuery{db: db, table: defaultReadingTable, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(query)
	}
	return query, nil
}

const readingColumns = `device_id, ts, energy_consumption, voltage, current_amps, power_factor, temperature`

// FetchRange returns one page of readings with ts in [Start, End). The token
// is the position of the last row of the previous page.
func (q *ReadingQuery) FetchRange(ctx context.Context, window telemetry.TimeRange, token string) (telemetry.ReadingPage, error) {
	if q == nil || q.db == nil {
		return telemetry.ReadingPage{}, errors.New("reading query: nil db")
	}
	if err := window.Validate(); err != nil {
		return telemetry.ReadingPage{}, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if token == "" {
		query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ts >= $1
	AND ts < $2
ORDER BY ts ASC, device_id ASC
LIMIT $3`, readingColumns, q.table)
		rows, err = q.db.QueryContext(ctx, query, window.Start, window.End, q.pageSize+1)
	} else {
		afterTS, afterDevice, decodeErr := decodeToken(token)
		if decodeErr != nil {
			return telemetry.ReadingPage{}, decodeErr
		}
		query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ts >= $1
	AND ts < $2
	AND (ts > $3 OR (ts = $3 AND device_id > $4))
ORDER BY ts ASC, device_id ASC
LIMIT $5`, readingColumns, q.table)
		rows, err = q.db.QueryContext(ctx, query, window.Start, window.End, afterTS, afterDevice, q.pageSize+1)
	}
	if err != nil {
		return telemetry.ReadingPage{}, err
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return telemetry.ReadingPage{}, err
	}

	page := telemetry.ReadingPage{Readings: readings}
	if len(readings) > q.pageSize {
		page.Readings = readings[:q.pageSize]
		last := page.Readings[len(page.Readings)-1]
		page.NextToken = encodeToken(last.Timestamp, last.DeviceID)
	}
	return page, nil
}

// LatestByDevice returns up to limit readings of one device, newest first.
func (q *ReadingQuery) LatestByDevice(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, telemetry.ErrEmptyDeviceID
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > maxLatestLimit {
		limit = maxLatestLimit
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1
ORDER BY ts DESC
LIMIT $2`, readingColumns, q.table)

	rows, err := q.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]telemetry.Reading, error) {
	readings := make([]telemetry.Reading, 0)
	for rows.Next() {
		var (
			reading                                           telemetry.Reading
			energy, voltage, current, powerFactor, temperature sql.NullString
		)
		if err := rows.Scan(
			&reading.DeviceID,
			&reading.Timestamp,
			&energy,
			&voltage,
			&current,
			&powerFactor,
			&temperature,
		); err != nil {
			return nil, err
		}
		reading.EnergyConsumption = valueOf(energy)
		reading.Voltage = valueOf(voltage)
		reading.Current = valueOf(current)
		reading.PowerFactor = valueOf(powerFactor)
		reading.Temperature = valueOf(temperature)
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}

func encodeToken(ts int64, deviceID string) string {
	raw := strconv.FormatInt(ts, 10) + "|" + deviceID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeToken(token string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", telemetry.ErrInvalidPageToken, err)
	}
	tsPart, deviceID, ok := strings.Cut(string(raw), "|")
	if !ok {
		return 0, "", telemetry.ErrInvalidPageToken
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", telemetry.ErrInvalidPageToken, err)
	}
	return ts, deviceID, nil
}
