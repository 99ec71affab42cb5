package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

const (
	opDynamoNew  = "persistence.dynamodb.new"
	opDynamoLoad = "persistence.dynamodb.load"
	opDynamoSave = "persistence.dynamodb.save"
	opDynamoList = "persistence.dynamodb.list"

	dynamoKeyAttribute = "RoomID"
)

// DynamoClient is the subset of the DynamoDB API the backend uses.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoConfig configures a DynamoBackend. Client overrides the AWS connection settings.
type DynamoConfig struct {
	TableName       string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Client          DynamoClient
	Clock           func() time.Time
	Logger          *zap.Logger
}

type dynamoItem struct {
	RoomID           string `dynamodbav:"RoomID"`
	SchemaVersion    int    `dynamodbav:"SchemaVersion"`
	Epoch            uint64 `dynamodbav:"Epoch"`
	SnapshotJSON     string `dynamodbav:"SnapshotJSON"`
	UpdatedAtSeconds int64  `dynamodbav:"UpdatedAtSeconds"`
}

// DynamoBackend stores one item per room keyed by RoomID.
type DynamoBackend struct {
	client    DynamoClient
	tableName string
	clock     func() time.Time
	logger    *zap.Logger
}

// NewDynamoBackend builds the backend, creating an AWS client when cfg.Client is nil.
func NewDynamoBackend(ctx context.Context, cfg DynamoConfig) (*DynamoBackend, error) {
	if cfg.TableName == "" {
		return nil, newOperationError(opDynamoNew, "missing_table", errors.New("table name is required"))
	}
	client := cfg.Client
	if client == nil {
		created, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return nil, newOperationError(opDynamoNew, "client_failed", err)
		}
		client = created
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoBackend{client: client, tableName: cfg.TableName, clock: clock, logger: logger}, nil
}

func newDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func (b *DynamoBackend) Load(ctx context.Context, roomID string) (document.Snapshot, bool, error) {
	key, err := StorageKey(roomID)
	if err != nil {
		return document.Snapshot{}, false, newOperationError(opDynamoLoad, reasonEmptyRoomID, err)
	}
	output, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.tableName),
		Key:            map[string]types.AttributeValue{dynamoKeyAttribute: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		logError(b.logger, opDynamoLoad, reasonReadFailed, err, zap.String(fieldRoomID, roomID))
		return document.Snapshot{}, false, newOperationError(opDynamoLoad, reasonReadFailed, err)
	}
	if len(output.Item) == 0 {
		return document.Snapshot{}, false, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return document.Snapshot{}, false, newOperationError(opDynamoLoad, reasonDecodeFailed, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err))
	}
	snapshot, err := document.DecodeSnapshot([]byte(item.SnapshotJSON))
	if err != nil {
		logError(b.logger, opDynamoLoad, reasonDecodeFailed, err, zap.String(fieldRoomID, roomID))
		return document.Snapshot{}, false, newOperationError(opDynamoLoad, reasonDecodeFailed, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err))
	}
	return snapshot, true, nil
}

func (b *DynamoBackend) Save(ctx context.Context, roomID string, snapshot document.Snapshot) error {
	key, err := StorageKey(roomID)
	if err != nil {
		return newOperationError(opDynamoSave, reasonEmptyRoomID, err)
	}
	payload, err := snapshot.Encode()
	if err != nil {
		return newOperationError(opDynamoSave, reasonEncodeFailed, err)
	}
	item, err := attributevalue.MarshalMap(dynamoItem{
		RoomID:           key,
		SchemaVersion:    snapshot.SchemaVersion,
		Epoch:            snapshot.Epoch,
		SnapshotJSON:     string(payload),
		UpdatedAtSeconds: b.clock().UTC().Unix(),
	})
	if err != nil {
		return newOperationError(opDynamoSave, reasonEncodeFailed, err)
	}
	if _, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item:      item,
	}); err != nil {
		logError(b.logger, opDynamoSave, reasonWriteFailed, err, zap.String(fieldRoomID, roomID))
		return newOperationError(opDynamoSave, reasonWriteFailed, err)
	}
	return nil
}

// ListRooms scans the table for stored room keys.
func (b *DynamoBackend) ListRooms(ctx context.Context) ([]string, error) {
	var keys []string
	var startKey map[string]types.AttributeValue
	for {
		output, err := b.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(b.tableName),
			ProjectionExpression: aws.String(dynamoKeyAttribute),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, newOperationError(opDynamoList, reasonReadFailed, err)
		}
		for _, raw := range output.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, newOperationError(opDynamoList, reasonDecodeFailed, err)
			}
			keys = append(keys, item.RoomID)
		}
		if len(output.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		startKey = output.LastEvaluatedKey
	}
}
