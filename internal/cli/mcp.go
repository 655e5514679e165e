package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/embeddings"
	"github.com/nickcecere/facesync/internal/match"
	"github.com/nickcecere/facesync/internal/mcp"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/syncer"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve facesync tools over the Model Context Protocol",
	Long: `Start an MCP server on stdin/stdout.

Tools:
  facesync_sync    run a sync pass (optionally until converged)
  facesync_plan    list the images the next sync would ingest
  facesync_status  summarize the embedding store
  facesync_match   find the closest known faces for an image file

Tool arguments override the configured buckets for that call. Logs go to
stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	ctx, cancel := signalContext("Shutting down MCP server...")
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	s, err := b.newSyncer(ctx, nil)
	if err != nil {
		return err
	}

	opts := mcp.Options{
		Base:    syncer.DefaultRequest(cfg),
		MaxRuns: cfg.Sync.MaxRuns,
		TopK:    cfg.Match.TopK,
		Version: version,
	}

	// Matching needs a default embedder and the local index; without them
	// the server still offers the other tools.
	if emb, err := embeddings.NewService(cfg, ""); err != nil {
		log.Warn("Match tool disabled", "error", err)
	} else if ix, err := match.Open(cfg.Match.DatabasePath); err != nil {
		log.Warn("Match tool disabled", "error", err)
	} else {
		defer ix.Close()
		addr := objectstore.Address{Bucket: cfg.Output.Bucket, Key: cfg.Output.Key}
		opts.Matcher = match.NewFinder(ix, b.codec, addr, emb, cfg.Embeddings.Normalize)
	}

	err = mcp.NewServer(s, b.codec, opts).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mcp server failed: %w", err)
	}
	return nil
}
