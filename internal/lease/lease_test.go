package lease

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDDBClient is an in-memory DynamoDB mock that understands the lease
// condition expressions.
type mockDDBClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	id := params.Item["lease_id"].(*types.AttributeValueMemberS).Value
	if cur, exists := m.items[id]; exists {
		now, _ := strconv.ParseInt(params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
		expires, _ := strconv.ParseInt(cur["expires_at"].(*types.AttributeValueMemberN).Value, 10, 64)
		if !(expires < now) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	m.items[id] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := params.Key["lease_id"].(*types.AttributeValueMemberS).Value
	owner := params.ExpressionAttributeValues[":owner"].(*types.AttributeValueMemberS).Value
	cur, exists := m.items[id]
	if !exists || cur["owner"].(*types.AttributeValueMemberS).Value != owner {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	delete(m.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoLocker(t *testing.T) {
	ctx := context.Background()
	client := newMockDDBClient()
	a := NewDynamoLocker(client, "leases", time.Minute)
	b := NewDynamoLocker(client, "leases", time.Minute)

	la, err := a.Acquire(ctx, "out/faces.fsnp")
	require.NoError(t, err)
	assert.Equal(t, "out/faces.fsnp", la.Name)

	_, err = b.Acquire(ctx, "out/faces.fsnp")
	assert.ErrorIs(t, err, ErrHeld)

	// Different store, independent lease.
	_, err = b.Acquire(ctx, "out/other.fsnp")
	require.NoError(t, err)

	// Only the owner can release.
	assert.ErrorIs(t, b.Release(ctx, &Lease{Name: la.Name, Owner: "someone"}), ErrNotHeld)
	require.NoError(t, a.Release(ctx, la))

	lb, err := b.Acquire(ctx, "out/faces.fsnp")
	require.NoError(t, err)
	assert.NotEqual(t, la.Owner, lb.Owner)
}

func TestDynamoLockerExpiry(t *testing.T) {
	ctx := context.Background()
	client := newMockDDBClient()
	now := time.Unix(1_700_000_000, 0)

	a := NewDynamoLocker(client, "leases", time.Minute)
	a.now = func() time.Time { return now }
	b := NewDynamoLocker(client, "leases", time.Minute)
	b.now = func() time.Time { return now.Add(2 * time.Minute) }

	la, err := a.Acquire(ctx, "store")
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "store")
	require.NoError(t, err)

	// The original holder lost the lease.
	assert.ErrorIs(t, a.Release(ctx, la), ErrNotHeld)
}

func TestDynamoLockerClientError(t *testing.T) {
	client := newMockDDBClient()
	client.err = errors.New("throttled")

	_, err := NewDynamoLocker(client, "leases", time.Minute).Acquire(context.Background(), "store")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), "failed to acquire lease")
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryLocker(time.Minute)
	m.now = func() time.Time { return now }

	l, err := m.Acquire(ctx, "store")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "store")
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, m.Release(ctx, l))
	assert.ErrorIs(t, m.Release(ctx, l), ErrNotHeld)

	l, err = m.Acquire(ctx, "store")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	l2, err := m.Acquire(ctx, "store")
	require.NoError(t, err)
	assert.NotEqual(t, l.Owner, l2.Owner)
}
