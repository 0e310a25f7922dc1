package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	aggregation "energy-telemetry/internal/aggregation/domain"
	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/observability/metrics"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// Selector fetches every reading of a window, following continuation tokens
// and retrying transient page failures with exponential backoff.
type Selector struct {
	source         telemetry.ReadingQuery
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         logrus.FieldLogger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithMaxRetries bounds retries per page. Zero disables retrying.
func WithMaxRetries(n int) SelectorOption {
	return func(s *Selector) {
		if n >= 0 {
			s.maxRetries = uint64(n)
		}
	}
}

// WithBackoff sets the initial and maximum retry intervals.
func WithBackoff(initial, maxInterval time.Duration) SelectorOption {
	return func(s *Selector) {
		if initial > 0 {
			s.initialBackoff = initial
		}
		if maxInterval > 0 {
			s.maxBackoff = maxInterval
		}
	}
}

// WithSelectorLogger sets the logger.
func WithSelectorLogger(logger logrus.FieldLogger) SelectorOption {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSelector constructs a Selector over source.
func NewSelector(source telemetry.ReadingQuery, opts ...SelectorOption) (*Selector, error) {
	if source == nil {
		return nil, errors.New("selector: nil reading query")
	}
	s := &Selector{
		source:         source,
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		logger:         logging.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "selector")
	return s, nil
}

func (s *Selector) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.initialBackoff
	exp.MaxInterval = s.maxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, s.maxRetries), ctx)
}

// Select returns all readings with timestamp in [window.Start, window.End).
// Any page that still fails after retries aborts the selection with
// ErrSourceUnavailable; no partial result is returned.
func (s *Selector) Select(ctx context.Context, window aggregation.WindowSpec) ([]telemetry.Reading, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	rng := window.Range()

	var (
		readings []telemetry.Reading
		token    string
		pages    int
		dropped  int
	)
	for {
		var page telemetry.ReadingPage
		attempt := 0
		fetch := func() error {
			attempt++
			var err error
			page, err = s.source.FetchRange(ctx, rng, token)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil || errors.Is(err, telemetry.ErrInvalidPageToken) || errors.Is(err, telemetry.ErrInvalidRange) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			metrics.IncSourceRetry()
			s.logger.WithError(err).WithFields(logrus.Fields{
				"page":    pages + 1,
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn("reading fetch failed, retrying")
		}
		if err := backoff.RetryNotify(fetch, s.newBackOff(ctx), notify); err != nil {
			return nil, fmt.Errorf("%w: page %d after %d attempts: %w", aggregation.ErrSourceUnavailable, pages+1, attempt, err)
		}
		pages++
		metrics.IncSourcePage()

		for _, reading := range page.Readings {
			if !window.Contains(reading.Timestamp) {
				dropped++
				continue
			}
			readings = append(readings, reading)
		}

		if page.NextToken == "" {
			break
		}
		if page.NextToken == token {
			return nil, fmt.Errorf("%w: continuation token did not advance", aggregation.ErrSourceUnavailable)
		}
		token = page.NextToken
	}

	entry := s.logger.WithFields(logrus.Fields{
		"window_start": window.Start,
		"window_end":   window.End,
		"pages":        pages,
		"readings":     len(readings),
	})
	if dropped > 0 {
		entry = entry.WithField("out_of_window", dropped)
	}
	entry.Debug("window selected")
	return readings, nil
}
