package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/embeddings"
	"github.com/nickcecere/facesync/internal/match"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/records"
	"github.com/nickcecere/facesync/internal/ui"
)

var (
	matchTopK     int
	matchEndpoint string
	matchJSON     bool
	matchRebuild  bool
)

// matchCmd represents the match command
var matchCmd = &cobra.Command{
	Use:   "match <image>",
	Short: "Find the closest known faces for an image",
	Long: `Embed an image and return the nearest records of the embedding store.

The store is copied into a local sqlite-vec index the first time it is
queried and again whenever its revision changes.

Examples:
  # Top matches for a photo
  facesync match visitor.jpg

  # Only the best match, as JSON
  facesync match visitor.jpg -k 1 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	matchCmd.Flags().IntVarP(&matchTopK, "top-k", "k", 0, "number of matches (default from config)")
	matchCmd.Flags().StringVar(&matchEndpoint, "endpoint", "", "inference endpoint name")
	matchCmd.Flags().BoolVar(&matchJSON, "json", false, "print matches as JSON")
	matchCmd.Flags().BoolVar(&matchRebuild, "rebuild", false, "rebuild the local index even if it is current")
}

func runMatch(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	payload, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	topK := cfg.Match.TopK
	if matchTopK > 0 {
		topK = matchTopK
	}

	ctx, cancel := signalContext("Interrupted")
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ix, err := match.Open(cfg.Match.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open match index: %w", err)
	}
	defer ix.Close()

	emb, err := embeddings.NewService(cfg, matchEndpoint)
	if err != nil {
		return fmt.Errorf("failed to create embedding service: %w", err)
	}

	addr := objectstore.Address{Bucket: cfg.Output.Bucket, Key: cfg.Output.Key}
	if matchRebuild {
		// Clearing the recorded revision makes the next refresh rebuild.
		if _, err := ix.Sync(addr.String(), "", records.NewCollection()); err != nil {
			return err
		}
	}

	finder := match.NewFinder(ix, b.codec, addr, emb, cfg.Embeddings.Normalize)
	results, err := finder.Find(ctx, payload, topK)
	if errors.Is(err, match.ErrEmptyIndex) {
		return fmt.Errorf("%w; run 'facesync sync' first", err)
	}
	if err != nil {
		return err
	}
	log.Debug("Matched image", "revision", finder.Revision(), "results", len(results))

	if matchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No matches found.")
		return nil
	}
	fmt.Println(ui.Header.Render(fmt.Sprintf("Matches for %s", args[0])))
	fmt.Println(ui.HorizontalRule(40))
	for i, m := range results {
		fmt.Printf("%d. %s\n", i+1, ui.FormatMatch(m.Name, m.Key, m.Score))
	}
	return nil
}
