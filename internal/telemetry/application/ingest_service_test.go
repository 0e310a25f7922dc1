package application

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

type repoStub struct {
	readings []telemetry.Reading
	err      error
}

func (r *repoStub) InsertReading(_ context.Context, reading telemetry.Reading) error {
	if r.err != nil {
		return r.err
	}
	r.readings = append(r.readings, reading)
	return nil
}

type archiveStub struct {
	keys []string
	err  error
}

func (a *archiveStub) Put(_ context.Context, key string, _ []byte, _ string) error {
	a.keys = append(a.keys, key)
	return a.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var ingestTime = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

func newService(t *testing.T, repo *repoStub, archive *archiveStub) *IngestService {
	t.Helper()
	opts := []IngestOption{WithClock(fixedClock{t: ingestTime}), WithLogger(quietLogger())}
	if archive != nil {
		opts = append(opts, WithArchive(archive))
	}
	svc, err := NewIngestService(repo, opts...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc
}

func TestIngest_DefaultsTimestampAndArchives(t *testing.T) {
	repo := &repoStub{}
	archive := &archiveStub{}
	svc := newService(t, repo, archive)

	stored, err := svc.Ingest(context.Background(), telemetry.Reading{DeviceID: "meter 1", EnergyConsumption: "2.50"}, "http")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stored.Timestamp != ingestTime.Unix() {
		t.Fatalf("expected default timestamp %d, got %d", ingestTime.Unix(), stored.Timestamp)
	}
	if len(repo.readings) != 1 || repo.readings[0].EnergyConsumption != "2.50" {
		t.Fatalf("unexpected stored readings %+v", repo.readings)
	}
	want := "raw-data/meter%201/2024/05/01/10/1714559400.json"
	if len(archive.keys) != 1 || archive.keys[0] != want {
		t.Fatalf("expected archive key %s, got %v", want, archive.keys)
	}
}

func TestIngest_ConvertsMilliseconds(t *testing.T) {
	repo := &repoStub{}
	svc := newService(t, repo, nil)
	stored, err := svc.Ingest(context.Background(), telemetry.Reading{DeviceID: "d1", Timestamp: 1714559400123}, "mqtt")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stored.Timestamp != 1714559400 {
		t.Fatalf("expected seconds, got %d", stored.Timestamp)
	}
}

func TestIngest_RejectsInvalidReadings(t *testing.T) {
	repo := &repoStub{}
	svc := newService(t, repo, nil)
	cases := []struct {
		name    string
		reading telemetry.Reading
		want    error
	}{
		{"empty device", telemetry.Reading{Timestamp: 1}, telemetry.ErrEmptyDeviceID},
		{"negative ts", telemetry.Reading{DeviceID: "d1", Timestamp: -5}, telemetry.ErrInvalidTimestamp},
		{"infinite voltage", telemetry.Reading{DeviceID: "d1", Voltage: "+Inf"}, telemetry.ErrNonFiniteValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Ingest(context.Background(), tc.reading, "http"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if len(repo.readings) != 0 {
		t.Fatalf("nothing should be stored, got %d", len(repo.readings))
	}
}

func TestIngest_UnparseableStringIsStored(t *testing.T) {
	repo := &repoStub{}
	svc := newService(t, repo, nil)
	if _, err := svc.Ingest(context.Background(), telemetry.Reading{DeviceID: "d1", Timestamp: 10, EnergyConsumption: "n/a"}, "http"); err != nil {
		t.Fatalf("expected unparseable value to be accepted, got %v", err)
	}
}

func TestIngest_ArchiveFailureDoesNotFail(t *testing.T) {
	repo := &repoStub{}
	archive := &archiveStub{err: errors.New("bucket missing")}
	svc := newService(t, repo, archive)
	if _, err := svc.Ingest(context.Background(), telemetry.Reading{DeviceID: "d1", Timestamp: 10}, "http"); err != nil {
		t.Fatalf("expected success despite archive failure, got %v", err)
	}
	if len(repo.readings) != 1 {
		t.Fatalf("expected reading stored")
	}
}

func TestIngest_StoreFailure(t *testing.T) {
	cause := errors.New("db down")
	archive := &archiveStub{}
	svc := newService(t, &repoStub{err: cause}, archive)
	if _, err := svc.Ingest(context.Background(), telemetry.Reading{DeviceID: "d1", Timestamp: 10}, "http"); !errors.Is(err, cause) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(archive.keys) != 0 {
		t.Fatalf("archive must not run when the store write fails")
	}
}
