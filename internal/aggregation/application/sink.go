package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	aggregation "energy-telemetry/internal/aggregation/domain"
	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/observability/metrics"
)

const summaryContentType = "application/json"

// Sink commits a summary to the object store, then to the aggregate store.
// There is no rollback: when the row write fails the object stays in place.
type Sink struct {
	objects    aggregation.ObjectStore
	aggregates aggregation.AggregateRepository
	logger     logrus.FieldLogger
}

// NewSink constructs a Sink.
func NewSink(objects aggregation.ObjectStore, aggregates aggregation.AggregateRepository, logger logrus.FieldLogger) (*Sink, error) {
	if objects == nil {
		return nil, errors.New("sink: nil object store")
	}
	if aggregates == nil {
		return nil, errors.New("sink: nil aggregate repository")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sink{
		objects:    objects,
		aggregates: aggregates,
		logger:     logging.Component(logger, "sink"),
	}, nil
}

// EncodeSummary returns the object body for a summary.
func EncodeSummary(summary aggregation.DeviceSummary) ([]byte, error) {
	return json.Marshal(summary)
}

// Commit writes one summary. It returns ErrSinkTotalFailure when nothing was
// written and ErrSinkPartialFailure when only the object was written.
func (s *Sink) Commit(ctx context.Context, summary aggregation.DeviceSummary) error {
	if err := summary.Validate(); err != nil {
		return fmt.Errorf("%w: %w", aggregation.ErrSinkTotalFailure, err)
	}
	body, err := EncodeSummary(summary)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", aggregation.ErrSinkTotalFailure, err)
	}
	key := summary.ObjectKey()

	started := time.Now()
	if err := s.objects.Put(ctx, key, body, summaryContentType); err != nil {
		metrics.ObserveSink(metrics.TierObject, metrics.ResultError, time.Since(started))
		return fmt.Errorf("%w: put object %s: %w", aggregation.ErrSinkTotalFailure, key, err)
	}
	metrics.ObserveSink(metrics.TierObject, metrics.ResultSuccess, time.Since(started))

	started = time.Now()
	if err := s.aggregates.Put(ctx, summary); err != nil {
		metrics.ObserveSink(metrics.TierAggregate, metrics.ResultError, time.Since(started))
		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_id":  summary.DeviceID,
			"window_end": summary.WindowEnd,
			"object_key": key,
		}).Error("aggregate row write failed after object write")
		return fmt.Errorf("%w: put aggregate %s@%d: %w", aggregation.ErrSinkPartialFailure, summary.DeviceID, summary.WindowEnd, err)
	}
	metrics.ObserveSink(metrics.TierAggregate, metrics.ResultSuccess, time.Since(started))
	return nil
}
