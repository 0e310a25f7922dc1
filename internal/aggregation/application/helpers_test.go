package application

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	aggregation "energy-telemetry/internal/aggregation/domain"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

var errTransient = errors.New("throttled")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func reading(device string, ts int64, energy string) telemetry.Reading {
	return telemetry.Reading{DeviceID: device, Timestamp: ts, EnergyConsumption: telemetry.Value(energy)}
}

// pagedSource serves readings pageSize at a time using the offset as token,
// failing the first failures calls.
type pagedSource struct {
	mu       sync.Mutex
	readings []telemetry.Reading
	pageSize int
	failures int
	err      error
	calls    int
}

func (p *pagedSource) FetchRange(_ context.Context, window telemetry.TimeRange, token string) (telemetry.ReadingPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		if p.err != nil {
			return telemetry.ReadingPage{}, p.err
		}
		return telemetry.ReadingPage{}, errTransient
	}
	start := 0
	if token != "" {
		parsed, err := strconv.Atoi(token)
		if err != nil {
			return telemetry.ReadingPage{}, telemetry.ErrInvalidPageToken
		}
		start = parsed
	}
	size := p.pageSize
	if size <= 0 {
		size = len(p.readings) + 1
	}
	page := telemetry.ReadingPage{}
	i := start
	for ; i < len(p.readings) && len(page.Readings) < size; i++ {
		page.Readings = append(page.Readings, p.readings[i])
	}
	if i < len(p.readings) {
		page.NextToken = strconv.Itoa(i)
	}
	return page, nil
}

// objectStub records puts and fails for devices listed in failFor.
type objectStub struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	failFor map[string]bool
}

func newObjectStub(failing ...string) *objectStub {
	stub := &objectStub{objects: make(map[string][]byte), failFor: make(map[string]bool)}
	for _, key := range failing {
		stub.failFor[key] = true
	}
	return stub
}

func (o *objectStub) Put(_ context.Context, key string, body []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts++
	for device := range o.failFor {
		if strings.HasPrefix(key, "aggregated-data/"+device+"/") {
			return errors.New("object store down")
		}
	}
	o.objects[key] = append([]byte(nil), body...)
	return nil
}

func (o *objectStub) keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.objects))
	for key := range o.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type rowKey struct {
	device    string
	windowEnd int64
}

type aggregateStub struct {
	mu      sync.Mutex
	rows    map[rowKey]aggregation.DeviceSummary
	failFor map[string]bool
}

func newAggregateStub(failing ...string) *aggregateStub {
	stub := &aggregateStub{rows: make(map[rowKey]aggregation.DeviceSummary), failFor: make(map[string]bool)}
	for _, device := range failing {
		stub.failFor[device] = true
	}
	return stub
}

func (a *aggregateStub) Put(_ context.Context, summary aggregation.DeviceSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failFor[summary.DeviceID] {
		return errors.New("table unavailable")
	}
	a.rows[rowKey{summary.DeviceID, summary.WindowEnd}] = summary
	return nil
}

func (a *aggregateStub) get(device string, windowEnd int64) (aggregation.DeviceSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	summary, ok := a.rows[rowKey{device, windowEnd}]
	return summary, ok
}
