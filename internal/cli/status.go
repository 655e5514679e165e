package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/facesync/internal/codec"
	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/objectstore/sqlite"
	"github.com/nickcecere/facesync/internal/ui"
)

var (
	statusOutputBucket string
	statusOutputKey    string
	statusOutput       string
	statusAll          bool
	statusJSON         bool
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show embedding store status and statistics",
	Long: `Display information about the persisted embedding store:
- Number of records and distinct checksums
- Vector dimensions
- Current revision and blob format
- Records per display name

Examples:
  # Show the configured store
  facesync status

  # Show another store
  facesync status --output-bucket models --output-key people.fsnp

  # List every store in the SQLite output backend
  facesync status --all`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusOutputBucket, "output-bucket", "", "bucket of the embedding store")
	statusCmd.Flags().StringVar(&statusOutputKey, "output-key", "", "key of the embedding store")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "", "embedding store as bucket/key or s3://bucket/key")
	statusCmd.MarkFlagsMutuallyExclusive("output", "output-bucket")
	statusCmd.MarkFlagsMutuallyExclusive("output", "output-key")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "list every store (sqlite output backend only)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the summary as JSON")
}

// storeStatus summarizes one persisted store.
type storeStatus struct {
	Address     objectstore.Address `json:"address"`
	Exists      bool                `json:"exists"`
	Revision    string              `json:"revision,omitempty"`
	Format      uint16              `json:"format,omitempty"`
	Compression string              `json:"compression,omitempty"`
	Size        int                 `json:"size"`
	Records     int                 `json:"records"`
	Unique      int                 `json:"unique"`
	Dimensions  int                 `json:"dimensions"`
	Names       map[string]int      `json:"names,omitempty"`
}

// statusAddress resolves the store to report on from the config and flags.
func statusAddress(cmd *cobra.Command, cfg *config.Config) (objectstore.Address, error) {
	if cmd.Flags().Changed("output") {
		return objectstore.ParseAddress(statusOutput)
	}
	addr := objectstore.Address{Bucket: cfg.Output.Bucket, Key: cfg.Output.Key}
	if cmd.Flags().Changed("output-bucket") {
		addr.Bucket = statusOutputBucket
	}
	if cmd.Flags().Changed("output-key") {
		addr.Key = statusOutputKey
	}
	return addr, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	addr, err := statusAddress(cmd, cfg)
	if err != nil {
		return err
	}
	log.Debug("Showing status", "store", addr.String(), "all", statusAll)

	ctx := context.Background()
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if statusAll {
		st, ok := b.output.(*sqlite.Store)
		if !ok {
			return fmt.Errorf("--all needs the sqlite output backend, have %s", cfg.Output.Backend)
		}
		return listStores(ctx, st)
	}

	status := loadStatus(ctx, b.output, b.codec, addr)
	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Println(ui.Header.Render("Store Status"))
	fmt.Print(ui.RenderMarkdown(statusMarkdown(status)))
	if !status.Exists {
		fmt.Println("Run 'facesync sync' to create it.")
	}
	return nil
}

// loadStatus reads the store at addr. A missing or unreadable blob yields
// an empty status.
func loadStatus(ctx context.Context, blobs objectstore.BlobStore, c *codec.Codec, addr objectstore.Address) storeStatus {
	status := storeStatus{Address: addr}

	snap, revision := c.Load(ctx, addr)
	status.Revision = revision
	status.Exists = revision != ""
	status.Records = snap.Records.Len()
	status.Unique = snap.Checksums.Len()
	status.Dimensions = snap.Records.Dimensions()
	if status.Records > 0 {
		status.Names = snap.Records.NameCounts()
	}

	if data, _, err := blobs.Read(ctx, addr.Bucket, addr.Key); err == nil {
		status.Size = len(data)
		if h, err := codec.ReadHeader(data); err == nil {
			status.Format = h.Version
			status.Compression = h.Compression.String()
		}
	}
	return status
}

// statusMarkdown renders status as a markdown report.
func statusMarkdown(s storeStatus) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## %s\n\n", s.Address.String())
	if !s.Exists {
		sb.WriteString("No store found.\n")
		return sb.String()
	}

	sb.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Records | %d |\n", s.Records)
	fmt.Fprintf(&sb, "| Checksums | %d |\n", s.Unique)
	fmt.Fprintf(&sb, "| Dimensions | %d |\n", s.Dimensions)
	fmt.Fprintf(&sb, "| Revision | `%s` |\n", s.Revision)
	if s.Format > 0 {
		fmt.Fprintf(&sb, "| Format | v%d, %s |\n", s.Format, s.Compression)
	}
	fmt.Fprintf(&sb, "| Size | %s |\n", formatBytes(s.Size))

	if len(s.Names) > 0 {
		names := make([]string, 0, len(s.Names))
		for name := range s.Names {
			names = append(names, name)
		}
		// Most images first, then alphabetical.
		sort.Slice(names, func(i, j int) bool {
			if s.Names[names[i]] != s.Names[names[j]] {
				return s.Names[names[i]] > s.Names[names[j]]
			}
			return names[i] < names[j]
		})

		fmt.Fprintf(&sb, "\n### People (%d)\n\n| Name | Images |\n|---|---|\n", len(names))
		for _, name := range names {
			fmt.Fprintf(&sb, "| %s | %d |\n", escapeCell(name), s.Names[name])
		}
	}
	return sb.String()
}

func listStores(ctx context.Context, st *sqlite.Store) error {
	infos, err := st.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No stores found.")
		return nil
	}

	fmt.Println(ui.Header.Render("Stores"))
	fmt.Println()
	for _, info := range infos {
		fmt.Printf("%s\n", ui.Highlight.Render(info.Bucket+"/"+info.Key))
		fmt.Printf("  Revision: %s\n", info.Revision)
		fmt.Printf("  Size:     %s\n", formatBytes(int(info.Size)))
		fmt.Printf("  Updated:  %s\n", ui.Dim.Render(info.UpdatedAt))
		fmt.Println()
	}
	return nil
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := int64(bytes) / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
