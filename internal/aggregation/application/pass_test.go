package application

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	aggregation "energy-telemetry/internal/aggregation/domain"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type passFixture struct {
	source  *pagedSource
	objects *objectStub
	rows    *aggregateStub
	service *PassService
}

func newPassFixture(t *testing.T, readings []telemetry.Reading, failObjects, failRows []string) *passFixture {
	t.Helper()
	f := &passFixture{
		source:  &pagedSource{readings: readings, pageSize: 2},
		objects: newObjectStub(failObjects...),
		rows:    newAggregateStub(failRows...),
	}
	selector, err := NewSelector(f.source, WithMaxRetries(0), WithSelectorLogger(quietLogger()))
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	sink, err := NewSink(f.objects, f.rows, quietLogger())
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	f.service, err = NewPassService(selector, sink,
		WithConcurrency(3),
		WithClock(fixedClock{t: time.Unix(5000, 0)}),
		WithPassLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("pass service: %v", err)
	}
	return f
}

func TestRunPass_ScenarioSummaries(t *testing.T) {
	f := newPassFixture(t, []telemetry.Reading{
		reading("d1", 100, "2.0"),
		reading("d1", 200, "4.0"),
		reading("d2", 150, "1.0"),
	}, nil, nil)

	result, err := f.service.RunPass(context.Background(), time.Unix(250, 0), 150*time.Second)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if result.State != PassCompleted || result.Failed() {
		t.Fatalf("expected clean completion, got %+v", result)
	}
	if result.Window != (aggregation.WindowSpec{Start: 100, End: 250}) {
		t.Fatalf("unexpected window %+v", result.Window)
	}
	if result.DevicesProcessed != 2 || result.TotalReadingsScanned != 3 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if result.PassID == "" {
		t.Fatalf("expected pass id")
	}

	d1, ok := f.rows.get("d1", 250)
	if !ok || d1.MinEnergy != 2 || d1.MaxEnergy != 4 || d1.AvgEnergy != 3 || d1.SampleCount != 2 {
		t.Fatalf("unexpected d1 summary: %+v", d1)
	}
	d2, ok := f.rows.get("d2", 250)
	if !ok || d2.MinEnergy != 1 || d2.MaxEnergy != 1 || d2.AvgEnergy != 1 || d2.SampleCount != 1 {
		t.Fatalf("unexpected d2 summary: %+v", d2)
	}
	if len(f.objects.keys()) != 2 {
		t.Fatalf("expected 2 objects, got %v", f.objects.keys())
	}
}

func TestRunPass_CommitsLargeFiniteReadings(t *testing.T) {
	f := newPassFixture(t, []telemetry.Reading{
		reading("d4", 99, "5"),
		reading("d4", 100, "1e308"),
		reading("d4", 200, "1e308"),
		reading("d4", 250, "5"),
	}, nil, nil)

	result, err := f.service.RunPass(context.Background(), time.Unix(250, 0), 150*time.Second)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if result.Failed() || result.DevicesProcessed != 1 {
		t.Fatalf("expected d4 committed, got %+v", result)
	}
	d4, ok := f.rows.get("d4", 250)
	if !ok || d4.MinEnergy != 1e308 || d4.MaxEnergy != 1e308 || d4.AvgEnergy != 1e308 || d4.SampleCount != 2 {
		t.Fatalf("unexpected d4 summary: %+v", d4)
	}
	if len(f.objects.keys()) != 1 {
		t.Fatalf("expected 1 object, got %v", f.objects.keys())
	}
}

func TestRunPass_ObjectFailureIsolatedToDevice(t *testing.T) {
	f := newPassFixture(t, []telemetry.Reading{
		reading("d1", 100, "1"),
		reading("d3", 110, "2"),
		reading("d2", 120, "3"),
	}, []string{"d3"}, nil)

	result, err := f.service.RunPass(context.Background(), time.Unix(200, 0), 100*time.Second)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if result.DevicesProcessed != 2 {
		t.Fatalf("expected 2 processed devices, got %d", result.DevicesProcessed)
	}
	if len(result.DevicesFailed) != 1 || result.DevicesFailed[0].DeviceID != "d3" || result.DevicesFailed[0].Kind != aggregation.KindSinkTotalFailure {
		t.Fatalf("expected d3 SinkTotalFailure, got %+v", result.DevicesFailed)
	}
	for _, device := range []string{"d1", "d2"} {
		if _, ok := f.rows.get(device, 200); !ok {
			t.Fatalf("expected %s committed", device)
		}
	}
	if _, ok := f.rows.get("d3", 200); ok {
		t.Fatalf("d3 must not have a row")
	}
}

func TestRunPass_PartialFailureAndInvalidDevice(t *testing.T) {
	f := newPassFixture(t, []telemetry.Reading{
		reading("bad", 100, "n/a"),
		reading("d1", 101, "1"),
		reading("bad", 102, "NaN"),
		reading("d1", 103, "oops"),
	}, nil, []string{"d1"})

	result, err := f.service.RunPass(context.Background(), time.Unix(200, 0), 100*time.Second)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if result.DevicesProcessed != 0 {
		t.Fatalf("expected no fully committed devices, got %d", result.DevicesProcessed)
	}
	if result.ReadingsSkipped != 3 {
		t.Fatalf("expected 3 skipped readings, got %d", result.ReadingsSkipped)
	}
	want := []DeviceFailure{
		{DeviceID: "bad", Kind: aggregation.KindInvalidMeasurement},
		{DeviceID: "d1", Kind: aggregation.KindSinkPartialFailure},
	}
	if len(result.DevicesFailed) != len(want) {
		t.Fatalf("unexpected failures: %+v", result.DevicesFailed)
	}
	for i, w := range want {
		got := result.DevicesFailed[i]
		if got.DeviceID != w.DeviceID || got.Kind != w.Kind || got.Error == "" {
			t.Fatalf("failure %d: got %+v want %+v", i, got, w)
		}
	}
	if _, ok := f.objects.objects[aggregation.ObjectKey("d1", 200)]; !ok {
		t.Fatalf("d1 object must remain after row failure")
	}
	if _, ok := f.objects.objects[aggregation.ObjectKey("bad", 200)]; ok {
		t.Fatalf("no object expected for a device without valid readings")
	}
}

func TestRunPass_EmptyWindowWritesNothing(t *testing.T) {
	f := newPassFixture(t, []telemetry.Reading{reading("d1", 10, "1")}, nil, nil)

	result, err := f.service.RunPass(context.Background(), time.Unix(200, 0), 100*time.Second)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if result.State != PassCompleted || result.DevicesProcessed != 0 || len(result.DevicesFailed) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if f.objects.puts != 0 {
		t.Fatalf("expected no sink writes, got %d", f.objects.puts)
	}
}

func TestRunPass_IdempotentRerun(t *testing.T) {
	readings := []telemetry.Reading{
		reading("d1", 100, "0.1"),
		reading("d1", 120, "0.2"),
		reading("d1", 140, "0.3"),
		reading("d2", 150, "5"),
	}
	f := newPassFixture(t, readings, nil, nil)
	now := time.Unix(3700, 0)

	if _, err := f.service.RunPass(context.Background(), now, 0); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	first := make(map[string][]byte)
	for key, body := range f.objects.objects {
		first[key] = body
	}
	firstRow, _ := f.rows.get("d1", 3700)

	if _, err := f.service.RunPass(context.Background(), now, 0); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(f.objects.objects) != len(first) {
		t.Fatalf("re-run changed object count: %d vs %d", len(f.objects.objects), len(first))
	}
	for key, body := range f.objects.objects {
		if !bytes.Equal(first[key], body) {
			t.Fatalf("object %s changed on re-run", key)
		}
	}
	if secondRow, _ := f.rows.get("d1", 3700); secondRow != firstRow {
		t.Fatalf("row changed on re-run: %+v vs %+v", secondRow, firstRow)
	}
}

func TestRunPass_SelectionFailureAbortsPass(t *testing.T) {
	f := newPassFixture(t, nil, nil, nil)
	f.source.failures = -1

	result, err := f.service.RunPass(context.Background(), time.Unix(200, 0), 100*time.Second)
	if !errors.Is(err, aggregation.ErrSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}
	if result.State != PassFailed || result.DevicesProcessed != 0 {
		t.Fatalf("expected failed pass with no devices, got %+v", result)
	}
	if f.objects.puts != 0 {
		t.Fatalf("expected no sink writes after selection failure")
	}
}

func TestRunPass_InvalidLookback(t *testing.T) {
	f := newPassFixture(t, nil, nil, nil)
	if _, err := f.service.RunPass(context.Background(), time.Unix(200, 0), time.Millisecond); !errors.Is(err, aggregation.ErrInvalidLookback) {
		t.Fatalf("expected invalid lookback, got %v", err)
	}
}

type blockingSelector struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSelector) Select(ctx context.Context, _ aggregation.WindowSpec) ([]telemetry.Reading, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

func TestRunPass_RejectsOverlappingPass(t *testing.T) {
	selector := &blockingSelector{entered: make(chan struct{}), release: make(chan struct{})}
	service, err := NewPassService(selector, &Sink{}, WithPassLogger(quietLogger()))
	if err != nil {
		t.Fatalf("pass service: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := service.RunPass(context.Background(), time.Unix(7200, 0), 0)
		done <- err
	}()
	<-selector.entered

	if _, err := service.RunPass(context.Background(), time.Unix(7200, 0), 0); !errors.Is(err, aggregation.ErrPassInProgress) {
		t.Fatalf("expected pass in progress, got %v", err)
	}
	close(selector.release)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
}
