package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

const defaultPageSize = 500

type readingKey struct {
	deviceID string
	ts       int64
}

// ReadingStore is an in-memory reading store for demo/testing. Range fetches
// return readings in insertion order.
type ReadingStore struct {
	mu       sync.RWMutex
	readings []telemetry.Reading
	index    map[readingKey]int
	pageSize int
}

// NewReadingStore constructs a store; pageSize <= 0 uses the default.
func NewReadingStore(pageSize int) *ReadingStore {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &ReadingStore{
		index:    make(map[readingKey]int),
		pageSize: pageSize,
	}
}

// InsertReading stores a reading, replacing one with the same device and timestamp.
func (s *ReadingStore) InsertReading(ctx context.Context, reading telemetry.Reading) error {
	_ = ctx
	if err := reading.Validate(); err != nil {
		return err
	}
	key := readingKey{deviceID: reading.DeviceID, ts: reading.Timestamp}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.index[key]; ok {
		s.readings[pos] = reading
		return nil
	}
	s.index[key] = len(s.readings)
	s.readings = append(s.readings, reading)
	return nil
}

// FetchRange returns one page; the token is the insertion offset to resume from.
func (s *ReadingStore) FetchRange(ctx context.Context, window telemetry.TimeRange, token string) (telemetry.ReadingPage, error) {
	_ = ctx
	if err := window.Validate(); err != nil {
		return telemetry.ReadingPage{}, err
	}
	offset := 0
	if token != "" {
		parsed, err := strconv.Atoi(token)
		if err != nil || parsed < 0 {
			return telemetry.ReadingPage{}, telemetry.ErrInvalidPageToken
		}
		offset = parsed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	page := telemetry.ReadingPage{Readings: make([]telemetry.Reading, 0)}
	for i := offset; i < len(s.readings); i++ {
		reading := s.readings[i]
		if !window.Contains(reading.Timestamp) {
			continue
		}
		if len(page.Readings) == s.pageSize {
			page.NextToken = strconv.Itoa(i)
			break
		}
		page.Readings = append(page.Readings, reading)
	}
	return page, nil
}

// LatestByDevice returns up to limit readings of one device, newest first.
func (s *ReadingStore) LatestByDevice(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error) {
	_ = ctx
	if strings.TrimSpace(deviceID) == "" {
		return nil, telemetry.ErrEmptyDeviceID
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	matched := make([]telemetry.Reading, 0)
	for _, reading := range s.readings {
		if reading.DeviceID == deviceID {
			matched = append(matched, reading)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp > matched[j].Timestamp })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len returns the number of stored readings.
func (s *ReadingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}
