package aggregation

import (
	"fmt"
	"math"
	"net/url"
	"time"
)

// RecordKindHourlyAggregate tags aggregate rows in stores shared with raw readings.
const RecordKindHourlyAggregate = "hourly_aggregate"

const objectKeyPrefix = "aggregated-data"

// DeviceSummary aggregates one device's energy readings over one window.
type DeviceSummary struct {
	DeviceID     string  `json:"device_id"`
	WindowStart  int64   `json:"window_start"`
	WindowEnd    int64   `json:"window_end"`
	MinEnergy    float64 `json:"min_energy"`
	MaxEnergy    float64 `json:"max_energy"`
	AvgEnergy    float64 `json:"avg_energy"`
	SampleCount  int     `json:"sample_count"`
	SkippedCount int     `json:"skipped_count"`
}

// Validate checks the invariants every committed summary holds.
func (s DeviceSummary) Validate() error {
	if s.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidSummary)
	}
	if s.WindowStart >= s.WindowEnd {
		return fmt.Errorf("%w: window", ErrInvalidSummary)
	}
	if s.SampleCount < 1 {
		return fmt.Errorf("%w: sample count %d", ErrInvalidSummary, s.SampleCount)
	}
	for _, v := range []float64{s.MinEnergy, s.MaxEnergy, s.AvgEnergy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite statistic", ErrInvalidSummary)
		}
	}
	if s.MinEnergy > s.AvgEnergy || s.AvgEnergy > s.MaxEnergy {
		return fmt.Errorf("%w: min/avg/max out of order", ErrInvalidSummary)
	}
	return nil
}

// WindowEndTime returns the aggregate key time in UTC.
func (s DeviceSummary) WindowEndTime() time.Time {
	return time.Unix(s.WindowEnd, 0).UTC()
}

// ObjectKey returns the object-store path for a device summary:
// aggregated-data/{device}/{YYYY}/{MM}/{DD}/{HH}.json, from the UTC window end.
func ObjectKey(deviceID string, windowEnd int64) string {
	end := time.Unix(windowEnd, 0).UTC()
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%02d.json",
		objectKeyPrefix,
		url.PathEscape(deviceID),
		end.Year(),
		int(end.Month()),
		end.Day(),
		end.Hour(),
	)
}

// ObjectKey returns the object-store path of this summary.
func (s DeviceSummary) ObjectKey() string {
	return ObjectKey(s.DeviceID, s.WindowEnd)
}
