package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"energy-telemetry/internal/logging"
)

// Storage backends.
const (
	BackendPostgres   = "postgres"
	BackendSQLite     = "sqlite"
	BackendDynamoDB   = "dynamodb"
	BackendMemory     = "memory"
	BackendS3         = "s3"
	BackendFilesystem = "filesystem"
)

// Config is the service configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     logging.Config    `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	AWS         AWSConfig         `yaml:"aws"`
	DynamoDB    DynamoDBConfig    `yaml:"dynamodb"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Auth        AuthConfig        `yaml:"auth"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig selects the reading/aggregate store.
type StorageConfig struct {
	Backend        string `yaml:"backend"`
	DatabaseURL    string `yaml:"database_url"`
	ReadingTable   string `yaml:"reading_table"`
	AggregateTable string `yaml:"aggregate_table"`
	AutoMigrate    bool   `yaml:"auto_migrate"`
}

// AWSConfig holds credentials shared by the AWS adapters. Empty keys fall
// back to the default credential chain.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Endpoint       string `yaml:"endpoint"`
	ReadingTable   string `yaml:"reading_table"`
	AggregateTable string `yaml:"aggregate_table"`
}

// ObjectStoreConfig selects where summary objects and raw archives go.
type ObjectStoreConfig struct {
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	Root      string `yaml:"root"`
}

// AggregationConfig tunes the aggregation pass and its trigger.
type AggregationConfig struct {
	Lookback        time.Duration `yaml:"lookback"`
	Interval        time.Duration `yaml:"interval"`
	Offset          time.Duration `yaml:"offset"`
	Concurrency     int           `yaml:"concurrency"`
	PageSize        int           `yaml:"page_size"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	ScheduleEnabled bool          `yaml:"schedule_enabled"`
}

// IngestConfig configures the ingestion endpoint.
type IngestConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	MaxSkew    time.Duration `yaml:"max_skew"`
	ArchiveRaw bool          `yaml:"archive_raw"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MQTTConfig configures the MQTT ingest subscriber.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	Topic     string `yaml:"topic"`
	ClientID  string `yaml:"client_id"`
	QoS       int    `yaml:"qos"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Logging: logging.Config{Level: "info", Format: "json"},
		Storage: StorageConfig{
			Backend:        BackendPostgres,
			ReadingTable:   "telemetry_readings",
			AggregateTable: "hourly_aggregates",
		},
		AWS: AWSConfig{Region: "us-east-1"},
		DynamoDB: DynamoDBConfig{
			ReadingTable: "energy-data",
		},
		ObjectStore: ObjectStoreConfig{
			Backend: BackendS3,
			Root:    "var/objects",
		},
		Aggregation: AggregationConfig{
			Lookback:        time.Hour,
			Interval:        time.Hour,
			Offset:          0,
			Concurrency:     8,
			PageSize:        1000,
			MaxRetries:      5,
			InitialBackoff:  200 * time.Millisecond,
			MaxBackoff:      10 * time.Second,
			ScheduleEnabled: true,
		},
		Ingest: IngestConfig{
			MaxSkew:    5 * time.Minute,
			ArchiveRaw: true,
		},
		MQTT: MQTTConfig{
			Topic:    "energy-monitoring/energy/data",
			ClientID: "energy-telemetry-ingest",
			QoS:      1,
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getenvDefault("HTTP_ADDR", cfg.HTTP.Addr)

	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.File = getenvDefault("LOG_FILE", cfg.Logging.File)

	cfg.Storage.Backend = getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.Storage.DatabaseURL))
	cfg.Storage.AutoMigrate = getenvBoolDefault("STORAGE_AUTO_MIGRATE", cfg.Storage.AutoMigrate)

	cfg.AWS.Region = getenvDefault("AWS_REGION", cfg.AWS.Region)
	cfg.AWS.AccessKeyID = getenvDefault("AWS_ACCESS_KEY_ID", cfg.AWS.AccessKeyID)
	cfg.AWS.SecretAccessKey = getenvDefault("AWS_SECRET_ACCESS_KEY", cfg.AWS.SecretAccessKey)

	cfg.DynamoDB.Endpoint = getenvDefault("DYNAMODB_ENDPOINT", cfg.DynamoDB.Endpoint)
	cfg.DynamoDB.ReadingTable = getenvDefault("DYNAMODB_TABLE", cfg.DynamoDB.ReadingTable)
	cfg.DynamoDB.AggregateTable = getenvDefault("DYNAMODB_AGGREGATE_TABLE", cfg.DynamoDB.AggregateTable)

	cfg.ObjectStore.Backend = getenvDefault("OBJECT_STORE_BACKEND", cfg.ObjectStore.Backend)
	cfg.ObjectStore.Bucket = getenvDefault("S3_BUCKET", cfg.ObjectStore.Bucket)
	cfg.ObjectStore.Endpoint = getenvDefault("S3_ENDPOINT", cfg.ObjectStore.Endpoint)
	cfg.ObjectStore.PathStyle = getenvBoolDefault("S3_PATH_STYLE", cfg.ObjectStore.PathStyle)
	cfg.ObjectStore.Root = getenvDefault("OBJECT_STORE_ROOT", cfg.ObjectStore.Root)

	cfg.Aggregation.Lookback = getenvDuration("AGGREGATION_LOOKBACK", cfg.Aggregation.Lookback)
	cfg.Aggregation.Interval = getenvDuration("AGGREGATION_INTERVAL", cfg.Aggregation.Interval)
	cfg.Aggregation.Offset = getenvDuration("AGGREGATION_OFFSET", cfg.Aggregation.Offset)
	cfg.Aggregation.Concurrency = getenvIntDefault("AGGREGATION_CONCURRENCY", cfg.Aggregation.Concurrency)
	cfg.Aggregation.PageSize = getenvIntDefault("AGGREGATION_PAGE_SIZE", cfg.Aggregation.PageSize)
	cfg.Aggregation.MaxRetries = getenvIntDefault("AGGREGATION_MAX_RETRIES", cfg.Aggregation.MaxRetries)
	cfg.Aggregation.ScheduleEnabled = getenvBoolDefault("AGGREGATION_SCHEDULE_ENABLED", cfg.Aggregation.ScheduleEnabled)

	cfg.Ingest.HMACSecret = getenvDefault("INGEST_HMAC_SECRET", cfg.Ingest.HMACSecret)
	cfg.Ingest.MaxSkew = getenvDuration("INGEST_MAX_SKEW", cfg.Ingest.MaxSkew)
	cfg.Ingest.ArchiveRaw = getenvBoolDefault("INGEST_ARCHIVE_RAW", cfg.Ingest.ArchiveRaw)

	cfg.Auth.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.Auth.JWTSecret))

	cfg.MQTT.Enabled = getenvBoolDefault("MQTT_ENABLED", cfg.MQTT.Enabled)
	cfg.MQTT.BrokerURL = getenvDefault("MQTT_BROKER_URL", cfg.MQTT.BrokerURL)
	cfg.MQTT.Topic = getenvDefault("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPostgres, BackendSQLite:
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for sql storage")
		}
	case BackendDynamoDB:
		if c.DynamoDB.ReadingTable == "" {
			return errors.New("config: DYNAMODB_TABLE is required for dynamodb storage")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	switch c.ObjectStore.Backend {
	case BackendS3:
		if c.ObjectStore.Bucket == "" {
			return errors.New("config: S3_BUCKET is required for s3 object store")
		}
	case BackendFilesystem:
		if c.ObjectStore.Root == "" {
			return errors.New("config: OBJECT_STORE_ROOT is required for filesystem object store")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown object store backend %q", c.ObjectStore.Backend)
	}

	if c.Aggregation.Lookback < time.Second {
		return errors.New("config: aggregation lookback must be at least 1s")
	}
	if c.Aggregation.ScheduleEnabled && c.Aggregation.Interval < time.Second {
		return errors.New("config: aggregation interval must be at least 1s")
	}
	if c.Aggregation.Concurrency < 1 {
		return errors.New("config: aggregation concurrency must be positive")
	}
	if c.Aggregation.PageSize < 1 {
		return errors.New("config: aggregation page size must be positive")
	}
	if c.Aggregation.MaxRetries < 0 {
		return errors.New("config: aggregation max retries must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return errors.New("config: MQTT_BROKER_URL is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.New("config: mqtt qos must be 0, 1 or 2")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
