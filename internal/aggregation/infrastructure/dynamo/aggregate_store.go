// Package dynamo stores hourly aggregates in DynamoDB. When the aggregate
// table is the raw-reading table, rows are kept apart by a suffixed partition
// key and the data_type discriminator.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	aggregation "energy-telemetry/internal/aggregation/domain"
)

const partitionSuffix = "#" + aggregation.RecordKindHourlyAggregate

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AggregateStore implements the aggregate repository and range query.
type AggregateStore struct {
	api   API
	table string
}

// NewAggregateStore constructs a store on table.
func NewAggregateStore(api API, table string) (*AggregateStore, error) {
	if api == nil {
		return nil, errors.New("dynamodb aggregate store: nil client")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("dynamodb aggregate store: empty table")
	}
	return &AggregateStore{api: api, table: table}, nil
}

type aggregateItem struct {
	PartitionKey string  `dynamodbav:"device_id"`
	WindowEnd    int64   `dynamodbav:"timestamp"`
	DataType     string  `dynamodbav:"data_type"`
	DeviceID     string  `dynamodbav:"source_device_id"`
	WindowStart  int64   `dynamodbav:"window_start"`
	MinEnergy    float64 `dynamodbav:"min_energy"`
	MaxEnergy    float64 `dynamodbav:"max_energy"`
	AvgEnergy    float64 `dynamodbav:"avg_energy"`
	SampleCount  int     `dynamodbav:"sample_count"`
	SkippedCount int     `dynamodbav:"skipped_count"`
}

// PartitionKey returns the hash key used for a device's aggregates.
func PartitionKey(deviceID string) string {
	return deviceID + partitionSuffix
}

// Put writes a summary keyed by (device, window_end), replacing any previous row.
func (s *AggregateStore) Put(ctx context.Context, summary aggregation.DeviceSummary) error {
	if err := summary.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(aggregateItem{
		PartitionKey: PartitionKey(summary.DeviceID),
		WindowEnd:    summary.WindowEnd,
		DataType:     aggregation.RecordKindHourlyAggregate,
		DeviceID:     summary.DeviceID,
		WindowStart:  summary.WindowStart,
		MinEnergy:    summary.MinEnergy,
		MaxEnergy:    summary.MaxEnergy,
		AvgEnergy:    summary.AvgEnergy,
		SampleCount:  summary.SampleCount,
		SkippedCount: summary.SkippedCount,
	})
	if err != nil {
		return fmt.Errorf("dynamodb aggregate store: marshal: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

// Range queries one device's aggregates with window_end in [from, to).
func (s *AggregateStore) Range(ctx context.Context, deviceID string, from, to int64) ([]aggregation.DeviceSummary, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("dynamodb aggregate store: empty device id")
	}
	if from >= to {
		return nil, aggregation.ErrInvalidWindow
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("device_id = :pk AND #ts BETWEEN :from AND :last"),
		ExpressionAttributeNames: map[string]string{
			"#ts": "timestamp",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: PartitionKey(deviceID)},
			":from": &types.AttributeValueMemberN{Value: strconv.FormatInt(from, 10)},
			":last": &types.AttributeValueMemberN{Value: strconv.FormatInt(to-1, 10)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	summaries := make([]aggregation.DeviceSummary, 0)
	for {
		out, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		var items []aggregateItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("dynamodb aggregate store: unmarshal: %w", err)
		}
		for _, item := range items {
			summaries = append(summaries, aggregation.DeviceSummary{
				DeviceID:     item.DeviceID,
				WindowStart:  item.WindowStart,
				WindowEnd:    item.WindowEnd,
				MinEnergy:    item.MinEnergy,
				MaxEnergy:    item.MaxEnergy,
				AvgEnergy:    item.AvgEnergy,
				SampleCount:  item.SampleCount,
				SkippedCount: item.SkippedCount,
			})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return summaries, nil
}
