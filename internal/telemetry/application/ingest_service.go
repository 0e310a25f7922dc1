package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/observability/metrics"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

const rawKeyPrefix = "raw-data"

// ObjectWriter archives raw payloads.
type ObjectWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// IngestService validates and stores incoming readings.
type IngestService struct {
	repo    telemetry.ReadingRepository
	archive ObjectWriter
	clock   Clock
	logger  logrus.FieldLogger
}

// IngestOption configures the service.
type IngestOption func(*IngestService)

// WithArchive enables the raw payload archive.
func WithArchive(archive ObjectWriter) IngestOption {
	return func(s *IngestService) {
		s.archive = archive
	}
}

// WithClock overrides the clock used for default timestamps.
func WithClock(clock Clock) IngestOption {
	return func(s *IngestService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) IngestOption {
	return func(s *IngestService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewIngestService constructs an IngestService.
func NewIngestService(repo telemetry.ReadingRepository, opts ...IngestOption) (*IngestService, error) {
	if repo == nil {
		return nil, errors.New("ingest: nil repository")
	}
	s := &IngestService{repo: repo, clock: systemClock{}, logger: logging.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "ingest")
	return s, nil
}

// Ingest stores one reading and returns it as stored. A missing timestamp is
// set to the ingest time; millisecond timestamps are converted to seconds.
// Once the store write succeeds the reading is visible to range fetches; an
// archive failure after that is logged and does not fail the ingest.
func (s *IngestService) Ingest(ctx context.Context, reading telemetry.Reading, source string) (telemetry.Reading, error) {
	started := time.Now()
	now := s.clock.Now().UTC()

	if reading.Timestamp == 0 {
		reading.Timestamp = now.Unix()
	} else if reading.Timestamp > 1_000_000_000_000 {
		reading.Timestamp /= 1000
	}
	if err := reading.Validate(); err != nil {
		metrics.IncIngestError("invalid")
		metrics.ObserveIngest(source, metrics.ResultError, time.Since(started))
		return telemetry.Reading{}, err
	}

	if err := s.repo.InsertReading(ctx, reading); err != nil {
		metrics.IncIngestError("store")
		metrics.ObserveIngest(source, metrics.ResultError, time.Since(started))
		return telemetry.Reading{}, fmt.Errorf("ingest: store reading: %w", err)
	}

	if s.archive != nil {
		s.archiveRaw(ctx, reading, now)
	}
	metrics.ObserveIngest(source, metrics.ResultSuccess, time.Since(started))
	return reading, nil
}

func (s *IngestService) archiveRaw(ctx context.Context, reading telemetry.Reading, at time.Time) {
	key := RawObjectKey(reading.DeviceID, reading.Timestamp, at)
	body, err := json.Marshal(reading)
	if err == nil {
		err = s.archive.Put(ctx, key, body, "application/json")
	}
	if err != nil {
		metrics.IncIngestError("archive")
		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_id": reading.DeviceID,
			"key":       key,
		}).Warn("raw archive write failed")
	}
}

// RawObjectKey returns raw-data/{device}/{YYYY}/{MM}/{DD}/{HH}/{ts}.json for
// the UTC ingest time.
func RawObjectKey(deviceID string, ts int64, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%02d/%d.json",
		rawKeyPrefix,
		url.PathEscape(deviceID),
		at.Year(),
		int(at.Month()),
		at.Day(),
		at.Hour(),
		ts,
	)
}
