package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"energy-telemetry/internal/aggregation/application"
	aggpostgres "energy-telemetry/internal/aggregation/infrastructure/postgres"
	"energy-telemetry/internal/objectstore"
	telemetry "energy-telemetry/internal/telemetry/domain"
	telpostgres "energy-telemetry/internal/telemetry/infrastructure/postgres"
)

const (
	readingTable   = "it_telemetry_readings"
	aggregateTable = "it_hourly_aggregates"
)

func TestPostgres_7dIngestThenHourlyPass(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := telpostgres.EnsureSchema(ctx, db, readingTable); err != nil {
		t.Fatalf("ensure reading schema: %v", err)
	}
	if err := aggpostgres.EnsureSchema(ctx, db, aggregateTable); err != nil {
		t.Fatalf("ensure aggregate schema: %v", err)
	}
	for _, table := range []string{readingTable, aggregateTable} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE device_id LIKE 'it-device-%'"); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}

	repo, err := telpostgres.NewReadingRepository(db, telpostgres.WithTable(readingTable))
	if err != nil {
		t.Fatalf("reading repo: %v", err)
	}
	end := time.Now().UTC().Truncate(time.Hour)
	start := end.AddDate(0, 0, -7)

	insertStart := time.Now()
	inserted := 0
	for ts := start; ts.Before(end); ts = ts.Add(5 * time.Minute) {
		for d := 0; d < 3; d++ {
			reading := telemetry.Reading{
				DeviceID:          fmt.Sprintf("it-device-%d", d),
				Timestamp:         ts.Unix(),
				EnergyConsumption: telemetry.Value(strconv.Itoa(d + ts.Minute()/5)),
			}
			if err := repo.InsertReading(ctx, reading); err != nil {
				t.Fatalf("insert reading: %v", err)
			}
			inserted++
		}
	}
	insertElapsed := time.Since(insertStart)

	query, err := telpostgres.NewReadingQuery(db, telpostgres.WithQueryTable(readingTable), telpostgres.WithPageSize(10))
	if err != nil {
		t.Fatalf("reading query: %v", err)
	}
	aggregates, err := aggpostgres.NewAggregateRepository(db, aggpostgres.WithTable(aggregateTable))
	if err != nil {
		t.Fatalf("aggregate repo: %v", err)
	}
	selector, err := application.NewSelector(query)
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	sink, err := application.NewSink(objectstore.NewMemoryStore(), aggregates, nil)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	pass, err := application.NewPassService(selector, sink)
	if err != nil {
		t.Fatalf("pass service: %v", err)
	}

	passStart := time.Now()
	result, err := pass.RunPass(ctx, end, time.Hour)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	passElapsed := time.Since(passStart)
	if result.Failed() || result.DevicesProcessed < 3 {
		t.Fatalf("unexpected pass result %+v", result)
	}

	rows, err := aggregates.Range(ctx, "it-device-2", end.Unix(), end.Unix()+1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 1 || rows[0].SampleCount != 12 || rows[0].MinEnergy != 2 || rows[0].MaxEnergy != 13 {
		t.Fatalf("unexpected aggregate rows %+v", rows)
	}

	t.Logf("insert 7d rows=%d elapsed=%s", inserted, insertElapsed)
	t.Logf("hourly pass scanned=%d elapsed=%s", result.TotalReadingsScanned, passElapsed)
}
