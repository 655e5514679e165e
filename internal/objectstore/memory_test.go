package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for _, key := range []string{"faces/c.jpg", "faces/a.jpg", "faces/b.jpg", "faces/sub/d.jpg", "other/e.jpg"} {
		m.Put("in", key, []byte(key), nil)
	}

	page, err := m.List(ctx, "in", "faces/", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "faces/a.jpg", page.Entries[0].Key)
	assert.Equal(t, "faces/b.jpg", page.Entries[1].Key)
	assert.True(t, page.HasMore)

	page, err = m.List(ctx, "in", "faces/", 2, page.NextToken)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "faces/c.jpg", page.Entries[0].Key)
	assert.False(t, page.HasMore)
	assert.Equal(t, 2, m.ListCalls())

	_, err = m.List(ctx, "in", "faces/", 2, "bogus")
	assert.Error(t, err)
}

func TestMemoryStoreGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Put("in", "k", []byte("payload"), map[string]string{"fullname": "Alice"})

	obj, err := m.Get(ctx, "in", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), obj.Payload)
	assert.Equal(t, "Alice", obj.Metadata["fullname"])

	_, err = m.Get(ctx, "in", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreConditionalWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	rev1, err := m.Write(ctx, "out", "store", []byte("v1"), WriteOptions{IfAbsent: true})
	require.NoError(t, err)
	assert.NotEmpty(t, rev1)

	t.Run("absent precondition fails when present", func(t *testing.T) {
		_, err := m.Write(ctx, "out", "store", []byte("v2"), WriteOptions{IfAbsent: true})
		assert.ErrorIs(t, err, ErrPreconditionFailed)
	})

	t.Run("matching revision", func(t *testing.T) {
		rev2, err := m.Write(ctx, "out", "store", []byte("v2"), WriteOptions{IfRevision: rev1})
		require.NoError(t, err)
		assert.NotEqual(t, rev1, rev2)

		data, rev, err := m.Read(ctx, "out", "store")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), data)
		assert.Equal(t, rev2, rev)
	})

	t.Run("stale revision", func(t *testing.T) {
		_, err := m.Write(ctx, "out", "store", []byte("v3"), WriteOptions{IfRevision: rev1})
		assert.ErrorIs(t, err, ErrPreconditionFailed)
	})

	t.Run("unconditional", func(t *testing.T) {
		_, err := m.Write(ctx, "out", "store", []byte("v4"), WriteOptions{})
		assert.NoError(t, err)
	})
}

func TestMemoryStoreReadWhileDeleting(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Put("out", "store", []byte(fmt.Sprintf("v%d", i)), nil)
			m.Delete("out", "store")
		}()
		go func() {
			defer wg.Done()
			data, rev, err := m.Read(ctx, "out", "store")
			if err != nil {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			assert.Equal(t, HashContent(data), rev)
		}()
	}
	wg.Wait()
}

func TestMemoryStoreStat(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.Stat(ctx, "out", "store")
	assert.ErrorIs(t, err, ErrNotFound)

	rev, err := m.Write(ctx, "out", "store", []byte("v1"), WriteOptions{})
	require.NoError(t, err)

	got, err := m.Stat(ctx, "out", "store")
	require.NoError(t, err)
	assert.Equal(t, rev, got)
	assert.Equal(t, 0, m.ReadCalls())
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("s3://bucket/path/to/store.fsnp")
	require.NoError(t, err)
	assert.Equal(t, Address{Bucket: "bucket", Key: "path/to/store.fsnp"}, addr)
	assert.Equal(t, "bucket/path/to/store.fsnp", addr.String())

	_, err = ParseAddress("bucket-only")
	assert.Error(t, err)
}

func TestTrimETag(t *testing.T) {
	assert.Equal(t, "abc123", TrimETag(`"abc123"`))
	assert.Equal(t, "abc123", TrimETag("abc123"))
}
