package aggregation

import "context"

// ObjectStore writes immutable objects by key. Put overwrites an existing key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// AggregateRepository stores one row per (device_id, window_end). Put overwrites.
type AggregateRepository interface {
	Put(ctx context.Context, summary DeviceSummary) error
}

// AggregateQuery lists stored summaries of one device with window_end in [from, to),
// ordered by window_end.
type AggregateQuery interface {
	Range(ctx context.Context, deviceID string, from, to int64) ([]DeviceSummary, error)
}
