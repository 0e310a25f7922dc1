package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	aggregation "energy-telemetry/internal/aggregation/domain"
)

type aggregateKey struct {
	deviceID  string
	windowEnd int64
}

// AggregateRepository is an in-memory aggregate store for demo/testing.
type AggregateRepository struct {
	mu   sync.RWMutex
	data map[aggregateKey]aggregation.DeviceSummary
}

// NewAggregateRepository constructs a repository.
func NewAggregateRepository() *AggregateRepository {
	return &AggregateRepository{data: make(map[aggregateKey]aggregation.DeviceSummary)}
}

// Put stores or replaces the summary for (device, window_end).
func (r *AggregateRepository) Put(ctx context.Context, summary aggregation.DeviceSummary) error {
	_ = ctx
	if err := summary.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[aggregateKey{summary.DeviceID, summary.WindowEnd}] = summary
	return nil
}

// Get returns the summary for (device, window_end).
func (r *AggregateRepository) Get(deviceID string, windowEnd int64) (aggregation.DeviceSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	summary, ok := r.data[aggregateKey{deviceID, windowEnd}]
	return summary, ok
}

// Range lists summaries of one device with window_end in [from, to).
func (r *AggregateRepository) Range(ctx context.Context, deviceID string, from, to int64) ([]aggregation.DeviceSummary, error) {
	_ = ctx
	if deviceID == "" {
		return nil, errors.New("aggregate repo: empty device id")
	}
	if from >= to {
		return nil, aggregation.ErrInvalidWindow
	}
	r.mu.RLock()
	out := make([]aggregation.DeviceSummary, 0)
	for key, summary := range r.data {
		if key.deviceID == deviceID && key.windowEnd >= from && key.windowEnd < to {
			out = append(out, summary)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WindowEnd < out[j].WindowEnd })
	return out, nil
}
