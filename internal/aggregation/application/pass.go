package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	aggregation "energy-telemetry/internal/aggregation/domain"
	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/observability/metrics"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

// PassState is the lifecycle state of a pass.
type PassState string

const (
	PassIdle      PassState = "Idle"
	PassSelecting PassState = "Selecting"
	PassGrouping  PassState = "Grouping"
	PassReducing  PassState = "Reducing"
	PassCompleted PassState = "Completed"
	PassFailed    PassState = "Failed"
)

const defaultConcurrency = 8

// DeviceFailure records why one device produced no committed summary.
type DeviceFailure struct {
	DeviceID string                `json:"device_id"`
	Kind     aggregation.ErrorKind `json:"error_kind"`
	Error    string                `json:"error"`
}

// PassResult reports the outcome of one pass.
type PassResult struct {
	PassID               string                 `json:"pass_id"`
	Window               aggregation.WindowSpec `json:"window"`
	State                PassState              `json:"state"`
	DevicesProcessed     int                    `json:"devices_processed"`
	DevicesFailed        []DeviceFailure        `json:"devices_failed"`
	TotalReadingsScanned int                    `json:"total_readings_scanned"`
	ReadingsSkipped      int                    `json:"readings_skipped"`
	StartedAt            time.Time              `json:"started_at"`
	FinishedAt           time.Time              `json:"finished_at"`
}

// Failed reports whether the pass aborted or any device failed.
func (r PassResult) Failed() bool {
	return r.State != PassCompleted || len(r.DevicesFailed) > 0
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// WindowSelector fetches all readings of a window.
type WindowSelector interface {
	Select(ctx context.Context, window aggregation.WindowSpec) ([]telemetry.Reading, error)
}

// SummarySink commits one device summary to both storage tiers.
type SummarySink interface {
	Commit(ctx context.Context, summary aggregation.DeviceSummary) error
}

// PassService runs aggregation passes. At most one pass runs at a time per
// service; a concurrent request gets ErrPassInProgress.
type PassService struct {
	selector    WindowSelector
	sink        SummarySink
	concurrency int
	clock       Clock
	logger      logrus.FieldLogger

	running sync.Mutex
}

// PassOption configures a PassService.
type PassOption func(*PassService)

// WithConcurrency bounds the number of devices reduced and sunk in parallel.
func WithConcurrency(n int) PassOption {
	return func(s *PassService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides the clock used for started/finished timestamps.
func WithClock(clock Clock) PassOption {
	return func(s *PassService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPassLogger sets the logger.
func WithPassLogger(logger logrus.FieldLogger) PassOption {
	return func(s *PassService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPassService wires the selector and sink into a pass orchestrator.
func NewPassService(selector WindowSelector, sink SummarySink, opts ...PassOption) (*PassService, error) {
	if selector == nil {
		return nil, errors.New("pass: nil selector")
	}
	if sink == nil {
		return nil, errors.New("pass: nil sink")
	}
	s := &PassService{
		selector:    selector,
		sink:        sink,
		concurrency: defaultConcurrency,
		clock:       systemClock{},
		logger:      logging.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "pass")
	return s, nil
}

type deviceOutcome struct {
	skipped int
	err     error
}

// RunPass aggregates the window [now-lookback, now). A zero lookback uses the
// default. The returned error is non-nil only when the pass could not run or
// the selection failed; per-device failures are reported in the result.
func (s *PassService) RunPass(ctx context.Context, now time.Time, lookback time.Duration) (PassResult, error) {
	if !s.running.TryLock() {
		return PassResult{}, aggregation.ErrPassInProgress
	}
	defer s.running.Unlock()

	result := PassResult{
		PassID:        uuid.NewString(),
		State:         PassIdle,
		DevicesFailed: []DeviceFailure{},
		StartedAt:     s.clock.Now().UTC(),
	}
	window, err := aggregation.NewWindow(now, lookback)
	if err != nil {
		return s.finish(result, PassFailed), err
	}
	result.Window = window

	log := s.logger.WithFields(logrus.Fields{
		"pass_id":      result.PassID,
		"window_start": window.Start,
		"window_end":   window.End,
	})

	result.State = PassSelecting
	readings, err := s.selector.Select(ctx, window)
	if err != nil {
		log.WithError(err).Error("pass failed during selection")
		return s.finish(result, PassFailed), err
	}
	result.TotalReadingsScanned = len(readings)

	result.State = PassGrouping
	groups := aggregation.GroupByDevice(readings)
	devices := groups.Devices()

	result.State = PassReducing
	outcomes := make([]deviceOutcome, len(devices))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, deviceID := range devices {
		i, deviceID := i, deviceID
		group := groups.Readings(deviceID)
		g.Go(func() error {
			outcomes[i] = s.processDevice(ctx, deviceID, window, group)
			return nil
		})
	}
	_ = g.Wait()

	for i, deviceID := range devices {
		outcome := outcomes[i]
		result.ReadingsSkipped += outcome.skipped
		if outcome.err == nil {
			result.DevicesProcessed++
			metrics.IncDeviceOutcome(metrics.OutcomeCommitted)
			continue
		}
		kind := aggregation.KindOf(outcome.err)
		metrics.IncDeviceOutcome(string(kind))
		result.DevicesFailed = append(result.DevicesFailed, DeviceFailure{
			DeviceID: deviceID,
			Kind:     kind,
			Error:    outcome.err.Error(),
		})
		log.WithError(outcome.err).WithFields(logrus.Fields{
			"device_id":  deviceID,
			"error_kind": kind,
		}).Warn("device aggregation failed")
	}

	result = s.finish(result, PassCompleted)
	log.WithFields(logrus.Fields{
		"devices":          len(devices),
		"devices_ok":       result.DevicesProcessed,
		"devices_failed":   len(result.DevicesFailed),
		"readings_scanned": result.TotalReadingsScanned,
		"readings_skipped": result.ReadingsSkipped,
		"duration":         result.FinishedAt.Sub(result.StartedAt).String(),
	}).Info("pass completed")
	return result, nil
}

// processDevice reduces then sinks one device. Reduce always precedes sink.
func (s *PassService) processDevice(ctx context.Context, deviceID string, window aggregation.WindowSpec, group []telemetry.Reading) deviceOutcome {
	reduction, err := aggregation.Reduce(deviceID, window, group)
	if err != nil {
		return deviceOutcome{skipped: reduction.Skipped, err: err}
	}
	if err := s.sink.Commit(ctx, reduction.Summary); err != nil {
		return deviceOutcome{skipped: reduction.Skipped, err: err}
	}
	return deviceOutcome{skipped: reduction.Skipped}
}

func (s *PassService) finish(result PassResult, state PassState) PassResult {
	result.State = state
	result.FinishedAt = s.clock.Now().UTC()
	metrics.ObservePass(string(state), result.FinishedAt.Sub(result.StartedAt), result.TotalReadingsScanned, result.ReadingsSkipped)
	if state == PassCompleted && len(result.DevicesFailed) == 0 {
		metrics.MarkPassSuccess(result.FinishedAt)
	}
	return result
}
