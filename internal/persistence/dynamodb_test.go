package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeDynamoClient struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	putCalls int
	failPut  error
}

func newFakeDynamoClient() *fakeDynamoClient {
	return &fakeDynamoClient{items: map[string]map[string]types.AttributeValue{}}
}

func (f *fakeDynamoClient) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := params.Key[dynamoKeyAttribute].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[aws.ToString(params.TableName)+"/"+key]}, nil
}

func (f *fakeDynamoClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.failPut != nil {
		return nil, f.failPut
	}
	key := params.Item[dynamoKeyAttribute].(*types.AttributeValueMemberS).Value
	f.items[aws.ToString(params.TableName)+"/"+key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoClient) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	output := &dynamodb.ScanOutput{}
	for _, item := range f.items {
		output.Items = append(output.Items, item)
	}
	return output, nil
}

func TestDynamoBackendRoundTrip(t *testing.T) {
	client := newFakeDynamoClient()
	backend, err := NewDynamoBackend(context.Background(), DynamoConfig{TableName: "rooms", Client: client})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if _, found, err := backend.Load(ctx, "delta"); err != nil || found {
		t.Fatalf("expected absent snapshot, got found=%v err=%v", found, err)
	}
	snapshot := sampleSnapshot(t, 3)
	if err := backend.Save(ctx, "delta", snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, found, err := backend.Load(ctx, "delta")
	if err != nil || !found {
		t.Fatalf("expected snapshot, got found=%v err=%v", found, err)
	}
	assertSameSnapshot(t, snapshot, loaded)

	keys, err := backend.ListRooms(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "delta" {
		t.Fatalf("unexpected room list %v %v", keys, err)
	}
}

func TestDynamoBackendWrapsWriteFailures(t *testing.T) {
	client := newFakeDynamoClient()
	client.failPut = errors.New("throttled")
	backend, err := NewDynamoBackend(context.Background(), DynamoConfig{TableName: "rooms", Client: client})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = backend.Save(context.Background(), "delta", sampleSnapshot(t, 1))
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Code() != "persistence.dynamodb.save.write_failed" {
		t.Fatalf("expected write_failed operation error, got %v", err)
	}
}

func TestNewDynamoBackendRequiresTable(t *testing.T) {
	if _, err := NewDynamoBackend(context.Background(), DynamoConfig{Client: newFakeDynamoClient()}); err == nil {
		t.Fatalf("expected missing table error")
	}
}
