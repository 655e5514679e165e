package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/facesync/internal/codec"
	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/objectstore/sqlite"
	"github.com/nickcecere/facesync/internal/syncer"
)

// requestCmd declares the request flags of sync on a fresh command so tests
// do not share Changed state.
func requestCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&syncSourceBucket, "source-bucket", "", "")
	cmd.Flags().StringVar(&syncSourcePrefix, "source-prefix", "", "")
	cmd.Flags().StringVar(&syncOutputBucket, "output-bucket", "", "")
	cmd.Flags().StringVar(&syncOutputKey, "output-key", "", "")
	cmd.Flags().StringVar(&syncOutput, "output", "", "")
	cmd.Flags().StringVar(&syncEndpoint, "endpoint", "", "")
	cmd.Flags().StringVar(&syncThing, "thing", "", "")
	cmd.Flags().IntVar(&syncPageSize, "page-size", 0, "")
	cmd.Flags().IntVar(&syncMaxCandidates, "max-candidates", 0, "")
	cmd.Flags().StringVar(&syncEvent, "event", "", "")
	return cmd
}

func TestBuildRequestLayers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Source.Bucket = "faces"
	cfg.Output.Bucket = "models"
	cfg.Output.Key = "people.fsnp"

	event := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(event, []byte(`{"InputPrefix":"team/","ThingName":"door-1","PageSize":25}`), 0644))

	cmd := requestCmd()
	require.NoError(t, cmd.Flags().Set("event", event))
	require.NoError(t, cmd.Flags().Set("page-size", "5"))
	require.NoError(t, cmd.Flags().Set("output-key", "staff.fsnp"))

	req, err := buildRequest(cmd, cfg)
	require.NoError(t, err)

	assert.Equal(t, "faces", req.InputBucket)
	assert.Equal(t, "team/", req.InputPrefix)
	assert.Equal(t, "door-1", req.ThingName)
	assert.Equal(t, "models", req.OutputBucket)
	assert.Equal(t, "staff.fsnp", req.OutputKey)
	assert.Equal(t, 5, req.PageSize)
	assert.Equal(t, cfg.Sync.MaxCandidates, req.MaxCandidates)
}

func TestBuildRequestOutputAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.Bucket = "models"
	cfg.Output.Key = "people.fsnp"

	cmd := requestCmd()
	require.NoError(t, cmd.Flags().Set("output", "s3://archive/sites/door-1.fsnp"))
	req, err := buildRequest(cmd, cfg)
	require.NoError(t, err)
	assert.Equal(t, "archive", req.OutputBucket)
	assert.Equal(t, "sites/door-1.fsnp", req.OutputKey)

	cmd = requestCmd()
	require.NoError(t, cmd.Flags().Set("output", "archive"))
	_, err = buildRequest(cmd, cfg)
	assert.ErrorContains(t, err, "expected bucket/key")
}

func TestStatusAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.Bucket = "models"
	cfg.Output.Key = "people.fsnp"

	statusFlags := func() *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().StringVar(&statusOutputBucket, "output-bucket", "", "")
		cmd.Flags().StringVar(&statusOutputKey, "output-key", "", "")
		cmd.Flags().StringVar(&statusOutput, "output", "", "")
		return cmd
	}

	addr, err := statusAddress(statusFlags(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "models/people.fsnp", addr.String())

	cmd := statusFlags()
	require.NoError(t, cmd.Flags().Set("output-key", "staff.fsnp"))
	addr, err = statusAddress(cmd, cfg)
	require.NoError(t, err)
	assert.Equal(t, "models/staff.fsnp", addr.String())

	cmd = statusFlags()
	require.NoError(t, cmd.Flags().Set("output", "archive/people.fsnp"))
	addr, err = statusAddress(cmd, cfg)
	require.NoError(t, err)
	assert.Equal(t, objectstore.Address{Bucket: "archive", Key: "people.fsnp"}, addr)
}

func TestBuildRequestBadEvent(t *testing.T) {
	event := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(event, []byte(`{not json`), 0644))

	cmd := requestCmd()
	require.NoError(t, cmd.Flags().Set("event", event))

	_, err := buildRequest(cmd, config.DefaultConfig())
	assert.Error(t, err)
}

func TestLoadStatus(t *testing.T) {
	ctx := context.Background()
	blobs := objectstore.NewMemoryStore()
	c := codec.New(blobs, codec.WithCompression(codec.CompressionZSTD))
	addr := objectstore.Address{Bucket: "models", Key: "people.fsnp"}

	missing := loadStatus(ctx, blobs, c, addr)
	assert.False(t, missing.Exists)
	assert.Contains(t, statusMarkdown(missing), "No store found.")

	snap := codec.NewSnapshot()
	snap.Records.Upsert("in/alice-1.jpg", "Alice", []float32{1, 0, 0})
	snap.Records.Upsert("in/alice-2.jpg", "Alice", []float32{0, 1, 0})
	snap.Records.Upsert("in/bob.jpg", "Bob|Jr", []float32{0, 0, 1})
	for _, sum := range []string{"a1", "a2", "b"} {
		snap.Checksums.Add(sum)
	}
	revision, err := c.Save(ctx, addr, snap, "")
	require.NoError(t, err)

	status := loadStatus(ctx, blobs, c, addr)
	assert.True(t, status.Exists)
	assert.Equal(t, revision, status.Revision)
	assert.Equal(t, 3, status.Records)
	assert.Equal(t, 3, status.Unique)
	assert.Equal(t, 3, status.Dimensions)
	assert.Equal(t, "zstd", status.Compression)
	assert.Equal(t, codec.FormatVersion, status.Format)
	assert.Positive(t, status.Size)

	md := statusMarkdown(status)
	assert.Contains(t, md, "| Records | 3 |")
	assert.Contains(t, md, "### People (2)")
	assert.Contains(t, md, `| Bob\|Jr | 1 |`)
	assert.Less(t, strings.Index(md, "| Alice | 2 |"), strings.Index(md, `| Bob\|Jr | 1 |`))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}

func TestOpenBackendsLocalAndSQLite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "faces", "team"), 0755))

	cfg := config.DefaultConfig()
	cfg.Source.Backend = "local"
	cfg.Source.Root = dir
	cfg.Output.Backend = "sqlite"
	cfg.Output.SQLitePath = filepath.Join(dir, "stores.db")
	cfg.Output.Compression = "lz4"

	b, err := openBackends(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.NotNil(t, b.localSource)
	assert.IsType(t, &sqlite.Store{}, b.output)
	assert.NotNil(t, b.codec)
	req := syncer.Request{InputBucket: "faces", InputPrefix: "team/"}
	assert.Equal(t, filepath.Join(dir, "faces", "team"), b.watchDir(req))
}
