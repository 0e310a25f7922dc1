package bootstrap

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	aggregation "energy-telemetry/internal/aggregation/domain"
	"energy-telemetry/internal/config"
	telemetry "energy-telemetry/internal/telemetry/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(t *testing.T, storage string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = storage
	cfg.Storage.DatabaseURL = ":memory:"
	cfg.Storage.AutoMigrate = true
	cfg.ObjectStore.Backend = config.BackendFilesystem
	cfg.ObjectStore.Root = t.TempDir()
	cfg.Aggregation.PageSize = 2
	cfg.Aggregation.MaxRetries = 0
	cfg.Ingest.ArchiveRaw = false
	return cfg
}

func TestOpenStores_IngestThenPass(t *testing.T) {
	for _, backend := range []string{config.BackendSQLite, config.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, backend)
			stores, err := OpenStores(ctx, cfg, quietLogger())
			if err != nil {
				t.Fatalf("open stores: %v", err)
			}
			defer stores.Close()

			services, err := NewServices(stores, cfg, quietLogger())
			if err != nil {
				t.Fatalf("new services: %v", err)
			}

			windowEnd := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			base := windowEnd.Add(-time.Hour).Unix()
			inputs := []telemetry.Reading{
				{DeviceID: "d1", Timestamp: base + 10, EnergyConsumption: "2.0"},
				{DeviceID: "d1", Timestamp: base + 20, EnergyConsumption: "4.0"},
				{DeviceID: "d2", Timestamp: base + 30, EnergyConsumption: "1.0"},
				{DeviceID: "d2", Timestamp: windowEnd.Unix(), EnergyConsumption: "9.0"},
			}
			for _, reading := range inputs {
				if _, err := services.Ingest.Ingest(ctx, reading, "test"); err != nil {
					t.Fatalf("ingest: %v", err)
				}
			}

			result, err := services.Pass.RunPass(ctx, windowEnd, time.Hour)
			if err != nil {
				t.Fatalf("run pass: %v", err)
			}
			if result.Failed() || result.DevicesProcessed != 2 || result.TotalReadingsScanned != 3 {
				t.Fatalf("unexpected result %+v", result)
			}

			rows, err := stores.Aggregates.Range(ctx, "d1", base, windowEnd.Unix()+1)
			if err != nil {
				t.Fatalf("range: %v", err)
			}
			if len(rows) != 1 || rows[0].AvgEnergy != 3 || rows[0].SampleCount != 2 {
				t.Fatalf("unexpected aggregates %+v", rows)
			}

			key := aggregation.ObjectKey("d2", windowEnd.Unix())
			if _, err := os.Stat(filepath.Join(cfg.ObjectStore.Root, filepath.FromSlash(key))); err != nil {
				t.Fatalf("expected summary object %s: %v", key, err)
			}
		})
	}
}

func TestOpenStores_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, "cassandra")
	if _, err := OpenStores(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
