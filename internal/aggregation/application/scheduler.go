package application

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	aggregation "energy-telemetry/internal/aggregation/domain"
	"energy-telemetry/internal/logging"
)

// PassRunner runs one aggregation pass.
type PassRunner interface {
	RunPass(ctx context.Context, now time.Time, lookback time.Duration) (PassResult, error)
}

// Scheduler triggers a pass at every interval boundary plus offset. The
// window of a triggered pass ends at the boundary, so hourly passes cover
// whole clock hours even when the offset delays them.
type Scheduler struct {
	runner   PassRunner
	interval time.Duration
	offset   time.Duration
	lookback time.Duration
	clock    Clock
	logger   logrus.FieldLogger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(runner PassRunner, interval, offset, lookback time.Duration, logger logrus.FieldLogger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: nil runner")
	}
	if interval < time.Second {
		return nil, errors.New("scheduler: interval must be at least 1s")
	}
	if offset < 0 || offset >= interval {
		return nil, errors.New("scheduler: offset must be within the interval")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		offset:   offset,
		lookback: lookback,
		clock:    systemClock{},
		logger:   logging.Component(logger, "scheduler"),
	}, nil
}

// Start blocks running passes on schedule until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	for {
		now := s.clock.Now()
		boundary, fireAt := s.next(now)
		timer := time.NewTimer(fireAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, boundary)
		}
	}
}

// next returns the window end and fire time of the first run strictly after now.
func (s *Scheduler) next(now time.Time) (time.Time, time.Time) {
	boundary := now.UTC().Truncate(s.interval)
	fireAt := boundary.Add(s.offset)
	if !fireAt.After(now) {
		boundary = boundary.Add(s.interval)
		fireAt = boundary.Add(s.offset)
	}
	return boundary, fireAt
}

func (s *Scheduler) runOnce(ctx context.Context, windowEnd time.Time) {
	result, err := s.runner.RunPass(ctx, windowEnd, s.lookback)
	switch {
	case errors.Is(err, aggregation.ErrPassInProgress):
		s.logger.WithField("window_end", windowEnd.Unix()).Warn("previous pass still running, skipping tick")
	case err != nil:
		s.logger.WithError(err).WithField("window_end", windowEnd.Unix()).Error("scheduled pass failed")
	case len(result.DevicesFailed) > 0:
		s.logger.WithFields(logrus.Fields{
			"pass_id":        result.PassID,
			"devices_failed": len(result.DevicesFailed),
		}).Warn("scheduled pass completed with device failures")
	}
}
