package objectstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// MemoryStore is an in-memory Backend for tests and dry runs.
// Thread-safe for concurrent reads and writes.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]map[string]*memoryObject

	// ListErr, GetErr and WriteErr force failures for the matching calls.
	ListErr  error
	GetErr   map[string]error
	WriteErr error

	listCalls  int
	readCalls  int
	writeCalls int
}

type memoryObject struct {
	data     []byte
	metadata map[string]string
	checksum string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]map[string]*memoryObject),
		GetErr:  make(map[string]error),
	}
}

// Put stores an object with the given metadata. The checksum is derived
// from the content the way an ETag would be.
func (m *MemoryStore) Put(bucket, key string, data []byte, metadata map[string]string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(bucket, key, data, metadata)
}

func (m *MemoryStore) putLocked(bucket, key string, data []byte, metadata map[string]string) string {
	b, ok := m.objects[bucket]
	if !ok {
		b = make(map[string]*memoryObject)
		m.objects[bucket] = b
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	sum := HashContent(copied)
	b[key] = &memoryObject{data: copied, metadata: maps.Clone(metadata), checksum: sum}
	return sum
}

// Delete removes an object.
func (m *MemoryStore) Delete(bucket, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects[bucket], key)
}

// List returns keys in lexical order, like S3 ListObjectsV2. Keys below a
// further "/" under prefix are not returned.
func (m *MemoryStore) List(ctx context.Context, bucket, prefix string, pageSize int, token string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.listCalls++
	m.mu.Unlock()

	if m.ListErr != nil {
		return nil, m.ListErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.objects[bucket] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if strings.Contains(strings.TrimPrefix(key, prefix), "/") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > len(keys) {
			return nil, fmt.Errorf("invalid continuation token %q", token)
		}
		start = n
	}
	if pageSize <= 0 {
		pageSize = len(keys)
	}
	end := min(start+pageSize, len(keys))

	page := &Page{}
	for _, key := range keys[start:end] {
		obj := m.objects[bucket][key]
		page.Entries = append(page.Entries, Entry{Key: key, Checksum: obj.checksum, Size: int64(len(obj.data))})
	}
	if end < len(keys) {
		page.HasMore = true
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// Get returns a copy of the object payload and metadata.
func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.GetErr[key]; ok {
		return nil, err
	}
	obj, ok := m.objects[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}

	payload := make([]byte, len(obj.data))
	copy(payload, obj.data)
	return &Object{Payload: payload, Metadata: maps.Clone(obj.metadata)}, nil
}

// Read returns the blob and its checksum as revision.
func (m *MemoryStore) Read(ctx context.Context, bucket, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if err, ok := m.GetErr[key]; ok {
		return nil, "", err
	}
	obj, ok := m.objects[bucket][key]
	if !ok {
		return nil, "", ErrNotFound
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.checksum, nil
}

// Stat returns the revision of a blob without copying its contents.
func (m *MemoryStore) Stat(ctx context.Context, bucket, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.GetErr[key]; ok {
		return "", err
	}
	obj, ok := m.objects[bucket][key]
	if !ok {
		return "", ErrNotFound
	}
	return obj.checksum, nil
}

// Write stores the blob if the precondition holds.
func (m *MemoryStore) Write(ctx context.Context, bucket, key string, data []byte, opts WriteOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.WriteErr != nil {
		return "", m.WriteErr
	}

	current, exists := m.objects[bucket][key]
	if opts.IfAbsent && exists {
		return "", ErrPreconditionFailed
	}
	if opts.IfRevision != "" && (!exists || current.checksum != opts.IfRevision) {
		return "", ErrPreconditionFailed
	}

	return m.putLocked(bucket, key, data, nil), nil
}

// ListCalls returns the number of List invocations.
func (m *MemoryStore) ListCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCalls
}

// ReadCalls returns the number of Read invocations.
func (m *MemoryStore) ReadCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readCalls
}

// WriteCalls returns the number of Write invocations.
func (m *MemoryStore) WriteCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writeCalls
}

// HashContent returns the xxhash of data as a 16-digit hex string.
func HashContent(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

var _ Backend = (*MemoryStore)(nil)
