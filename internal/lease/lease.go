// Package lease serializes sync runs that target the same persisted store.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var (
	// ErrHeld is returned when another owner holds an unexpired lease.
	ErrHeld = errors.New("lease is held by another owner")

	// ErrNotHeld is returned when releasing a lease that expired and was
	// taken over, or was never acquired.
	ErrNotHeld = errors.New("lease is not held")
)

// Lease is an acquired lease.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Locker grants exclusive, expiring leases by name.
type Locker interface {
	Acquire(ctx context.Context, name string) (*Lease, error)
	Release(ctx context.Context, l *Lease) error
}

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoLocker keeps leases in a DynamoDB table.
//
// Table schema:
//   - Partition key: lease_id (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name facesync-leases \
//	  --attribute-definitions AttributeName=lease_id,AttributeType=S \
//	  --key-schema AttributeName=lease_id,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoLocker struct {
	client DDBClient
	table  string
	ttl    time.Duration
	owner  string
	now    func() time.Time
}

// NewDynamoLocker creates a DynamoDB-backed locker with a random owner id.
func NewDynamoLocker(client DDBClient, table string, ttl time.Duration) *DynamoLocker {
	return &DynamoLocker{
		client: client,
		table:  table,
		ttl:    ttl,
		owner:  uuid.NewString(),
		now:    time.Now,
	}
}

// Acquire takes the lease when it is free or expired.
func (d *DynamoLocker) Acquire(ctx context.Context, name string) (*Lease, error) {
	now := d.now()
	expires := now.Add(d.ttl)

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"lease_id":   &types.AttributeValueMemberS{Value: name},
			"owner":      &types.AttributeValueMemberS{Value: d.owner},
			"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(lease_id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, name)
		}
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	log.Debug("Acquired lease", "name", name, "owner", d.owner, "expires", expires)
	return &Lease{Name: name, Owner: d.owner, ExpiresAt: expires}, nil
}

// Release deletes the lease if it is still owned by l.Owner.
func (d *DynamoLocker) Release(ctx context.Context, l *Lease) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"lease_id": &types.AttributeValueMemberS{Value: l.Name},
		},
		ConditionExpression:      aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: l.Owner},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrNotHeld
		}
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// MemoryLocker grants leases within one process.
type MemoryLocker struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]Lease
	now    func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{
		ttl:    ttl,
		leases: make(map[string]Lease),
		now:    time.Now,
	}
}

// Acquire takes the lease when it is free or expired.
func (m *MemoryLocker) Acquire(ctx context.Context, name string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[name]; ok && now.Before(cur.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, name)
	}

	l := Lease{Name: name, Owner: uuid.NewString(), ExpiresAt: now.Add(m.ttl)}
	m.leases[name] = l
	return &l, nil
}

// Release frees the lease if it is still owned by l.Owner.
func (m *MemoryLocker) Release(ctx context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[l.Name]
	if !ok || cur.Owner != l.Owner {
		return ErrNotHeld
	}
	delete(m.leases, l.Name)
	return nil
}

var (
	_ Locker = (*DynamoLocker)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
