// Package dynamo stores raw readings in a DynamoDB table keyed by
// device_id (hash) and timestamp (range).
package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

// aggregateKind mirrors the discriminator written by the aggregate store
// when both share one table.
const aggregateKind = "hourly_aggregate"

const defaultPageSize = 500

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ReadingStore implements the reading repository and queries on DynamoDB.
type ReadingStore struct {
	api      API
	table    string
	pageSize int32
}

// Option configures the store.
type Option func(*ReadingStore)

// WithPageSize bounds the number of items evaluated per scan page.
func WithPageSize(size int) Option {
	return func(s *ReadingStore) {
		if size > 0 {
			s.pageSize = int32(size)
		}
	}
}

// NewReadingStore constructs a store on table.
func NewReadingStore(api API, table string, opts ...Option) (*ReadingStore, error) {
	if api == nil {
		return nil, errors.New("dynamodb reading store: nil client")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("dynamodb reading store: empty table")
	}
	store := &ReadingStore{api: api, table: table, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

type readingItem struct {
	DeviceID          string `dynamodbav:"device_id"`
	Timestamp         int64  `dynamodbav:"timestamp"`
	EnergyConsumption string `dynamodbav:"energy_consumption,omitempty"`
	Voltage           string `dynamodbav:"voltage,omitempty"`
	Current           string `dynamodbav:"current,omitempty"`
	PowerFactor       string `dynamodbav:"power_factor,omitempty"`
	Temperature       string `dynamodbav:"temperature,omitempty"`
	DataType          string `dynamodbav:"data_type,omitempty"`
}

// scanCursor is the table key, used as the continuation token.
type scanCursor struct {
	DeviceID  string `dynamodbav:"device_id" json:"d"`
	Timestamp int64  `dynamodbav:"timestamp" json:"t"`
}

// InsertReading writes one reading; an existing item with the same key is replaced.
func (s *ReadingStore) InsertReading(ctx context.Context, reading telemetry.Reading) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(readingItem{
		DeviceID:          reading.DeviceID,
		Timestamp:         reading.Timestamp,
		EnergyConsumption: string(reading.EnergyConsumption),
		Voltage:           string(reading.Voltage),
		Current:           string(reading.Current),
		PowerFactor:       string(reading.PowerFactor),
		Temperature:       string(reading.Temperature),
		DataType:          telemetry.RecordKindReading,
	})
	if err != nil {
		return fmt.Errorf("dynamodb reading store: marshal: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

// FetchRange scans one page of readings with timestamp in [Start, End).
// Aggregate items sharing the table are filtered out. A page may be empty
// while NextToken is set, because Limit applies before the filter.
func (s *ReadingStore) FetchRange(ctx context.Context, window telemetry.TimeRange, token string) (telemetry.ReadingPage, error) {
	if err := window.Validate(); err != nil {
		return telemetry.ReadingPage{}, err
	}
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		ConsistentRead:   aws.Bool(true),
		Limit:            aws.Int32(s.pageSize),
		FilterExpression: aws.String("#ts >= :start AND #ts < :end AND (attribute_not_exists(data_type) OR data_type <> :agg)"),
		ExpressionAttributeNames: map[string]string{
			"#ts": "timestamp",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":start": numberAttr(window.Start),
			":end":   numberAttr(window.End),
			":agg":   &types.AttributeValueMemberS{Value: aggregateKind},
		},
	}
	if token != "" {
		startKey, err := decodeToken(token)
		if err != nil {
			return telemetry.ReadingPage{}, err
		}
		input.ExclusiveStartKey = startKey
	}

	out, err := s.api.Scan(ctx, input)
	if err != nil {
		return telemetry.ReadingPage{}, err
	}

	page := telemetry.ReadingPage{Readings: make([]telemetry.Reading, 0, len(out.Items))}
	for _, item := range out.Items {
		reading, err := decodeReading(item)
		if err != nil {
			return telemetry.ReadingPage{}, err
		}
		page.Readings = append(page.Readings, reading)
	}
	if len(out.LastEvaluatedKey) > 0 {
		next, err := encodeToken(out.LastEvaluatedKey)
		if err != nil {
			return telemetry.ReadingPage{}, err
		}
		page.NextToken = next
	}
	return page, nil
}

// LatestByDevice queries one device partition newest first.
func (s *ReadingStore) LatestByDevice(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, telemetry.ErrEmptyDeviceID
	}
	if limit <= 0 {
		limit = 10
	}
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("device_id = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: deviceID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}
	readings := make([]telemetry.Reading, 0, len(out.Items))
	for _, item := range out.Items {
		reading, err := decodeReading(item)
		if err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

// decodeReading accepts measurements stored either as strings or numbers.
func decodeReading(item map[string]types.AttributeValue) (telemetry.Reading, error) {
	var key scanCursor
	if err := attributevalue.UnmarshalMap(item, &key); err != nil {
		return telemetry.Reading{}, fmt.Errorf("dynamodb reading store: unmarshal key: %w", err)
	}
	return telemetry.Reading{
		DeviceID:          key.DeviceID,
		Timestamp:         key.Timestamp,
		EnergyConsumption: valueOf(item["energy_consumption"]),
		Voltage:           valueOf(item["voltage"]),
		Current:           valueOf(item["current"]),
		PowerFactor:       valueOf(item["power_factor"]),
		Temperature:       valueOf(item["temperature"]),
	}, nil
}

func valueOf(av types.AttributeValue) telemetry.Value {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return telemetry.Value(v.Value)
	case *types.AttributeValueMemberN:
		return telemetry.Value(v.Value)
	default:
		return ""
	}
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func encodeToken(key map[string]types.AttributeValue) (string, error) {
	var cursor scanCursor
	if err := attributevalue.UnmarshalMap(key, &cursor); err != nil {
		return "", fmt.Errorf("dynamodb reading store: encode token: %w", err)
	}
	raw, err := json.Marshal(cursor)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeToken(token string) (map[string]types.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", telemetry.ErrInvalidPageToken, err)
	}
	var cursor scanCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, fmt.Errorf("%w: %v", telemetry.ErrInvalidPageToken, err)
	}
	if cursor.DeviceID == "" {
		return nil, telemetry.ErrInvalidPageToken
	}
	key, err := attributevalue.MarshalMap(cursor)
	if err != nil {
		return nil, err
	}
	return key, nil
}
