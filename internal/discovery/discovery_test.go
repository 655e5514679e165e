package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/records"
)

func populate(n int) *objectstore.MemoryStore {
	m := objectstore.NewMemoryStore()
	for i := 0; i < n; i++ {
		m.Put("in", fmt.Sprintf("faces/%03d.jpg", i), []byte(fmt.Sprintf("image-%d", i)), nil)
	}
	return m
}

func keys(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Key
	}
	return out
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()

	t.Run("all pages when under cap", func(t *testing.T) {
		m := populate(25)
		res, err := Discover(ctx, m, Options{Bucket: "in", Prefix: "faces/", PageSize: 10, MaxCandidates: 100}, records.NewChecksumSet())
		require.NoError(t, err)
		assert.Len(t, res.Candidates, 25)
		assert.False(t, res.Truncated)
		assert.Equal(t, 3, res.Pages)
		assert.Equal(t, "faces/000.jpg", res.Candidates[0].Key)
		assert.Equal(t, "faces/024.jpg", res.Candidates[24].Key)
	})

	t.Run("soft cap overshoots by one page", func(t *testing.T) {
		m := populate(250)
		res, err := Discover(ctx, m, Options{Bucket: "in", Prefix: "faces/", PageSize: 10, MaxCandidates: 100}, records.NewChecksumSet())
		require.NoError(t, err)
		assert.Len(t, res.Candidates, 110)
		assert.True(t, res.Truncated)
		assert.Equal(t, 11, res.Pages)
	})

	t.Run("cap exceeded on last page is truncated", func(t *testing.T) {
		m := populate(105)
		res, err := Discover(ctx, m, Options{Bucket: "in", Prefix: "faces/", PageSize: 10, MaxCandidates: 100}, records.NewChecksumSet())
		require.NoError(t, err)
		assert.Len(t, res.Candidates, 105)
		assert.True(t, res.Truncated)
	})

	t.Run("cap exceeded on a single page", func(t *testing.T) {
		m := populate(5)
		res, err := Discover(ctx, m, Options{Bucket: "in", Prefix: "faces/", PageSize: 10, MaxCandidates: 2}, records.NewChecksumSet())
		require.NoError(t, err)
		assert.Len(t, res.Candidates, 5)
		assert.True(t, res.Truncated)
		assert.Equal(t, 1, res.Pages)
	})

	t.Run("cap met exactly is not truncated", func(t *testing.T) {
		m := populate(100)
		res, err := Discover(ctx, m, Options{Bucket: "in", Prefix: "faces/", PageSize: 10, MaxCandidates: 100}, records.NewChecksumSet())
		require.NoError(t, err)
		assert.Len(t, res.Candidates, 100)
		assert.False(t, res.Truncated)
	})

	t.Run("known checksums and empty objects are skipped", func(t *testing.T) {
		m := populate(3)
		m.Put("in", "faces/empty.jpg", nil, nil)
		known := records.NewChecksumSet(objectstore.HashContent([]byte("image-1")))

		res, err := Discover(ctx, m, Options{Bucket: "in", Prefix: "faces/", PageSize: 2, MaxCandidates: 100}, known)
		require.NoError(t, err)
		assert.Equal(t, []string{"faces/000.jpg", "faces/002.jpg"}, keys(res.Candidates))
		assert.Equal(t, 4, res.Scanned)
	})

	t.Run("ignore patterns", func(t *testing.T) {
		m := populate(2)
		m.Put("in", "faces/thumb_000.jpg", []byte("thumb"), nil)

		res, err := Discover(ctx, m, Options{Bucket: "in", Prefix: "faces/", PageSize: 10, Ignore: []string{"thumb_*"}}, records.NewChecksumSet())
		require.NoError(t, err)
		assert.Equal(t, []string{"faces/000.jpg", "faces/001.jpg"}, keys(res.Candidates))
	})

	t.Run("listing error", func(t *testing.T) {
		m := populate(2)
		m.ListErr = errors.New("access denied")

		_, err := Discover(ctx, m, Options{Bucket: "in", Prefix: "faces/", PageSize: 10}, records.NewChecksumSet())
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := Discover(cctx, populate(2), Options{Bucket: "in", Prefix: "faces/"}, records.NewChecksumSet())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
