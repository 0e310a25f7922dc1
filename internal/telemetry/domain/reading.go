package telemetry

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEmptyDeviceID is returned when a reading has no device id.
	ErrEmptyDeviceID = errors.New("telemetry: empty device id")
	// ErrInvalidTimestamp is returned when a reading timestamp is not positive.
	ErrInvalidTimestamp = errors.New("telemetry: invalid timestamp")
	// ErrNonFiniteValue is returned when a numeric measurement is NaN or infinite.
	ErrNonFiniteValue = errors.New("telemetry: non-finite value")
	// ErrMissingValue is returned when a measurement is absent.
	ErrMissingValue = errors.New("telemetry: missing value")
	// ErrInvalidRange is returned when a time range is empty or inverted.
	ErrInvalidRange = errors.New("telemetry: invalid time range")
	// ErrInvalidPageToken is returned when a continuation token cannot be decoded.
	ErrInvalidPageToken = errors.New("telemetry: invalid page token")
)

// Value is a measurement as carried by the producer. Devices publish either
// JSON numbers or decimal strings; the raw text is kept so that a reading is
// stored exactly as received. The zero value means "absent".
type Value string

// NumberValue builds a Value from a float.
func NumberValue(v float64) Value {
	return Value(strconv.FormatFloat(v, 'f', -1, 64))
}

// IsSet reports whether the producer sent the field.
func (v Value) IsSet() bool {
	return strings.TrimSpace(string(v)) != ""
}

// Float64 parses the value as a finite number.
func (v Value) Float64() (float64, error) {
	raw := strings.TrimSpace(string(v))
	if raw == "" {
		return 0, ErrMissingValue
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, ErrNonFiniteValue
	}
	return parsed, nil
}

// MarshalJSON writes parseable values as JSON numbers and anything else as a string.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsSet() {
		return []byte("null"), nil
	}
	if f, err := v.Float64(); err == nil {
		return []byte(strconv.FormatFloat(f, 'f', -1, 64)), nil
	}
	return []byte(strconv.Quote(string(v))), nil
}

// UnmarshalJSON accepts numbers, strings and null.
func (v *Value) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch {
	case raw == "" || raw == "null":
		*v = ""
	case strings.HasPrefix(raw, `"`):
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return err
		}
		*v = Value(unquoted)
	default:
		*v = Value(raw)
	}
	return nil
}

// RecordKindReading tags raw readings in stores shared with aggregates.
const RecordKindReading = "raw_reading"

// Reading is one telemetry sample from a device.
type Reading struct {
	DeviceID          string `json:"device_id"`
	Timestamp         int64  `json:"timestamp"`
	EnergyConsumption Value  `json:"energy_consumption,omitempty"`
	Voltage           Value  `json:"voltage,omitempty"`
	Current           Value  `json:"current,omitempty"`
	PowerFactor       Value  `json:"power_factor,omitempty"`
	Temperature       Value  `json:"temperature,omitempty"`
}

// Time returns the reading timestamp in UTC.
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// Validate checks the invariants a stored reading must satisfy.
func (r Reading) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return ErrEmptyDeviceID
	}
	if r.Timestamp <= 0 {
		return ErrInvalidTimestamp
	}
	for _, value := range []Value{r.EnergyConsumption, r.Voltage, r.Current, r.PowerFactor, r.Temperature} {
		if !value.IsSet() {
			continue
		}
		if _, err := value.Float64(); errors.Is(err, ErrNonFiniteValue) {
			return ErrNonFiniteValue
		}
	}
	return nil
}

// TimeRange is a half-open interval [Start, End) in epoch seconds.
type TimeRange struct {
	Start int64
	End   int64
}

// Validate rejects empty or inverted ranges.
func (r TimeRange) Validate() error {
	if r.Start >= r.End {
		return ErrInvalidRange
	}
	return nil
}

// Contains reports whether ts falls in [Start, End).
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts < r.End
}

// ReadingPage is one page of a range fetch. An empty NextToken means the
// range is exhausted.
type ReadingPage struct {
	Readings  []Reading
	NextToken string
}

// ReadingRepository persists raw readings.
type ReadingRepository interface {
	InsertReading(ctx context.Context, reading Reading) error
}

// ReadingQuery fetches readings across all devices for a time range, one page at a time.
type ReadingQuery interface {
	FetchRange(ctx context.Context, window TimeRange, token string) (ReadingPage, error)
}

// LatestReader returns the most recent readings of one device, newest first.
type LatestReader interface {
	LatestByDevice(ctx context.Context, deviceID string, limit int) ([]Reading, error)
}
