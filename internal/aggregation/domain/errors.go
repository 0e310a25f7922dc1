package aggregation

import "errors"

// ErrorKind classifies pass and device failures for operators.
type ErrorKind string

const (
	KindSourceUnavailable  ErrorKind = "SourceUnavailable"
	KindInvalidMeasurement ErrorKind = "InvalidMeasurement"
	KindSinkPartialFailure ErrorKind = "SinkPartialFailure"
	KindSinkTotalFailure   ErrorKind = "SinkTotalFailure"
	KindUnknown            ErrorKind = "Unknown"
)

var (
	// ErrSourceUnavailable is returned when the reading store cannot be read after retries.
	ErrSourceUnavailable = errors.New("aggregation: source unavailable")
	// ErrNoValidReadings is returned when every reading of a device was skipped.
	ErrNoValidReadings = errors.New("aggregation: no valid readings")
	// ErrSinkPartialFailure is returned when the object was written but the aggregate row was not.
	ErrSinkPartialFailure = errors.New("aggregation: sink partial failure")
	// ErrSinkTotalFailure is returned when the object write failed and nothing was committed.
	ErrSinkTotalFailure = errors.New("aggregation: sink total failure")
	// ErrInvalidWindow is returned when a window has start >= end.
	ErrInvalidWindow = errors.New("aggregation: invalid window")
	// ErrInvalidLookback is returned when the lookback is shorter than one second.
	ErrInvalidLookback = errors.New("aggregation: invalid lookback")
	// ErrEmptyGroup is returned when reducing an empty reading sequence.
	ErrEmptyGroup = errors.New("aggregation: empty reading group")
	// ErrInvalidSummary is returned when a summary violates its invariants.
	ErrInvalidSummary = errors.New("aggregation: invalid summary")
	// ErrPassInProgress is returned when a pass is requested while another one runs.
	ErrPassInProgress = errors.New("aggregation: pass already in progress")
)

// KindOf maps an error onto its operator-facing kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	case errors.Is(err, ErrNoValidReadings):
		return KindInvalidMeasurement
	case errors.Is(err, ErrSinkPartialFailure):
		return KindSinkPartialFailure
	case errors.Is(err, ErrSinkTotalFailure):
		return KindSinkTotalFailure
	default:
		return KindUnknown
	}
}
