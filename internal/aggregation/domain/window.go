package aggregation

import (
	"time"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

// DefaultLookback is the window length used when a caller passes zero.
const DefaultLookback = time.Hour

// WindowSpec is the half-open interval [Start, End) of one pass, in epoch seconds.
type WindowSpec struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// NewWindow builds the window ending at now and covering lookback.
// Sub-second precision is truncated; lookback must be at least one second.
func NewWindow(now time.Time, lookback time.Duration) (WindowSpec, error) {
	if lookback == 0 {
		lookback = DefaultLookback
	}
	seconds := int64(lookback / time.Second)
	if seconds < 1 {
		return WindowSpec{}, ErrInvalidLookback
	}
	end := now.Unix()
	window := WindowSpec{Start: end - seconds, End: end}
	if err := window.Validate(); err != nil {
		return WindowSpec{}, err
	}
	return window, nil
}

// Validate enforces start < end.
func (w WindowSpec) Validate() error {
	if w.Start >= w.End {
		return ErrInvalidWindow
	}
	return nil
}

// Contains reports whether ts is inside [Start, End).
func (w WindowSpec) Contains(ts int64) bool {
	return ts >= w.Start && ts < w.End
}

// Range converts the window into a reading-store range.
func (w WindowSpec) Range() telemetry.TimeRange {
	return telemetry.TimeRange{Start: w.Start, End: w.End}
}

// StartTime returns the window start in UTC.
func (w WindowSpec) StartTime() time.Time { return time.Unix(w.Start, 0).UTC() }

// EndTime returns the window end in UTC.
func (w WindowSpec) EndTime() time.Time { return time.Unix(w.End, 0).UTC() }
