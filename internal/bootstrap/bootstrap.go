// Package bootstrap assembles stores and services from configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"energy-telemetry/internal/aggregation/application"
	aggregation "energy-telemetry/internal/aggregation/domain"
	aggdynamo "energy-telemetry/internal/aggregation/infrastructure/dynamo"
	aggmemory "energy-telemetry/internal/aggregation/infrastructure/memory"
	aggpostgres "energy-telemetry/internal/aggregation/infrastructure/postgres"
	"energy-telemetry/internal/awsconfig"
	"energy-telemetry/internal/config"
	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/objectstore"
	telemetryapp "energy-telemetry/internal/telemetry/application"
	telemetry "energy-telemetry/internal/telemetry/domain"
	teldynamo "energy-telemetry/internal/telemetry/infrastructure/dynamo"
	telmemory "energy-telemetry/internal/telemetry/infrastructure/memory"
	telpostgres "energy-telemetry/internal/telemetry/infrastructure/postgres"
)

// ReadingStore is everything the service needs from the raw reading store.
type ReadingStore interface {
	telemetry.ReadingRepository
	telemetry.ReadingQuery
	telemetry.LatestReader
}

// AggregateStore is everything the service needs from the aggregate store.
type AggregateStore interface {
	aggregation.AggregateRepository
	aggregation.AggregateQuery
}

// Stores holds the configured storage backends.
type Stores struct {
	DB         *sql.DB
	Readings   ReadingStore
	Aggregates AggregateStore
	Objects    aggregation.ObjectStore
}

// Close releases the SQL pool, if any.
func (s *Stores) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

type readingStoreSplit struct {
	telemetry.ReadingRepository
	telemetry.ReadingQuery
	telemetry.LatestReader
}

// OpenStores opens the reading, aggregate and object stores selected by cfg.
func OpenStores(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*Stores, error) {
	log := logging.Component(logger, "bootstrap")
	stores := &Stores{}

	switch cfg.Storage.Backend {
	case config.BackendPostgres, config.BackendSQLite:
		db, err := openSQL(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		stores.DB = db
		if err := openSQLStores(ctx, stores, cfg); err != nil {
			_ = db.Close()
			return nil, err
		}
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		client := awsconfig.NewDynamoDB(awsCfg, cfg.DynamoDB)
		readings, err := teldynamo.NewReadingStore(client, cfg.DynamoDB.ReadingTable, teldynamo.WithPageSize(cfg.Aggregation.PageSize))
		if err != nil {
			return nil, err
		}
		aggregateTable := cfg.DynamoDB.AggregateTable
		if aggregateTable == "" {
			aggregateTable = cfg.DynamoDB.ReadingTable
		}
		aggregates, err := aggdynamo.NewAggregateStore(client, aggregateTable)
		if err != nil {
			return nil, err
		}
		stores.Readings = readings
		stores.Aggregates = aggregates
	case config.BackendMemory:
		stores.Readings = telmemory.NewReadingStore(cfg.Aggregation.PageSize)
		stores.Aggregates = aggmemory.NewAggregateRepository()
	default:
		return nil, fmt.Errorf("bootstrap: unknown storage backend %q", cfg.Storage.Backend)
	}

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	stores.Objects = objects

	log.WithFields(logrus.Fields{
		"storage":      cfg.Storage.Backend,
		"object_store": cfg.ObjectStore.Backend,
	}).Info("stores ready")
	return stores, nil
}

func openSQL(ctx context.Context, cfg config.StorageConfig) (*sql.DB, error) {
	driver := "pgx"
	if cfg.Backend == config.BackendSQLite {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func openSQLStores(ctx context.Context, stores *Stores, cfg config.Config) error {
	if cfg.Storage.AutoMigrate {
		if err := telpostgres.EnsureSchema(ctx, stores.DB, cfg.Storage.ReadingTable); err != nil {
			return fmt.Errorf("migrate readings: %w", err)
		}
		if err := aggpostgres.EnsureSchema(ctx, stores.DB, cfg.Storage.AggregateTable); err != nil {
			return fmt.Errorf("migrate aggregates: %w", err)
		}
	}
	repo, err := telpostgres.NewReadingRepository(stores.DB, telpostgres.WithTable(cfg.Storage.ReadingTable))
	if err != nil {
		return err
	}
	query, err := telpostgres.NewReadingQuery(stores.DB,
		telpostgres.WithQueryTable(cfg.Storage.ReadingTable),
		telpostgres.WithPageSize(cfg.Aggregation.PageSize),
	)
	if err != nil {
		return err
	}
	aggregates, err := aggpostgres.NewAggregateRepository(stores.DB, aggpostgres.WithTable(cfg.Storage.AggregateTable))
	if err != nil {
		return err
	}
	stores.Readings = readingStoreSplit{ReadingRepository: repo, ReadingQuery: query, LatestReader: query}
	stores.Aggregates = aggregates
	return nil
}

func openObjectStore(ctx context.Context, cfg config.Config) (aggregation.ObjectStore, error) {
	switch cfg.ObjectStore.Backend {
	case config.BackendS3:
		awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return objectstore.NewS3Store(awsconfig.NewS3(awsCfg, cfg.ObjectStore), cfg.ObjectStore.Bucket, "")
	case config.BackendFilesystem:
		return objectstore.NewFilesystemStore(cfg.ObjectStore.Root)
	case config.BackendMemory:
		return objectstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown object store backend %q", cfg.ObjectStore.Backend)
	}
}

// Services are the application services built on top of the stores.
type Services struct {
	Ingest *telemetryapp.IngestService
	Pass   *application.PassService
}

// NewServices wires the ingest and aggregation services.
func NewServices(stores *Stores, cfg config.Config, logger logrus.FieldLogger) (*Services, error) {
	if stores == nil {
		return nil, errors.New("bootstrap: nil stores")
	}
	ingestOpts := []telemetryapp.IngestOption{telemetryapp.WithLogger(logger)}
	if cfg.Ingest.ArchiveRaw {
		ingestOpts = append(ingestOpts, telemetryapp.WithArchive(stores.Objects))
	}
	ingest, err := telemetryapp.NewIngestService(stores.Readings, ingestOpts...)
	if err != nil {
		return nil, err
	}

	selector, err := application.NewSelector(stores.Readings,
		application.WithMaxRetries(cfg.Aggregation.MaxRetries),
		application.WithBackoff(cfg.Aggregation.InitialBackoff, cfg.Aggregation.MaxBackoff),
		application.WithSelectorLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	sink, err := application.NewSink(stores.Objects, stores.Aggregates, logger)
	if err != nil {
		return nil, err
	}
	pass, err := application.NewPassService(selector, sink,
		application.WithConcurrency(cfg.Aggregation.Concurrency),
		application.WithPassLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return &Services{Ingest: ingest, Pass: pass}, nil
}
