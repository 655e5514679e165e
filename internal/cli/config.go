package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/ui"
)

var configShowPath bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	Long: `Display current configuration settings and config file locations.

Every key can also be set through the environment with the FACESYNC_
prefix, e.g. FACESYNC_SOURCE_BUCKET.

Examples:
  # Show current configuration
  facesync config

  # Show config file paths
  facesync config --path`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configShowPath, "path", false, "show config file paths")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	if configShowPath {
		fmt.Println(ui.SectionTitle.Render("Configuration Paths"))
		fmt.Println()
		fmt.Printf("Global config: %s\n", config.GlobalConfigPath())
		fmt.Printf("Local config:  .facesync.yaml (searched from cwd upward)\n")
		fmt.Printf("Active config: %s\n", orNone(config.ConfigFilePath()))
		fmt.Printf("SQLite store:  %s\n", cfg.Output.SQLitePath)
		fmt.Printf("Match index:   %s\n", cfg.Match.DatabasePath)
		return nil
	}

	fmt.Println(ui.SectionTitle.Render("Current Configuration"))
	fmt.Println()

	fmt.Println(ui.Bold.Render("Source:"))
	fmt.Printf("  Backend: %s\n", cfg.Source.Backend)
	fmt.Printf("  Bucket: %s\n", cfg.Source.Bucket)
	fmt.Printf("  Prefix: %s\n", cfg.Source.Prefix)
	if cfg.Source.Backend == "local" {
		fmt.Printf("  Root: %s\n", cfg.Source.Root)
	}
	fmt.Printf("  Recursive: %t\n", cfg.Source.Recursive)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Output:"))
	fmt.Printf("  Backend: %s\n", cfg.Output.Backend)
	fmt.Printf("  Store: %s/%s\n", cfg.Output.Bucket, cfg.Output.Key)
	fmt.Printf("  Compression: %s\n", cfg.Output.Compression)
	fmt.Printf("  Conditional Writes: %t\n", cfg.Output.ConditionalWrites)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Embeddings:"))
	fmt.Printf("  Provider: %s\n", cfg.Embeddings.Provider)
	switch cfg.Embeddings.Provider {
	case "sagemaker":
		fmt.Printf("  Endpoint: %s\n", orNone(cfg.Embeddings.SageMaker.EndpointName))
		fmt.Printf("  Content Type: %s\n", cfg.Embeddings.SageMaker.ContentType)
	case "http":
		fmt.Printf("  URL: %s\n", cfg.Embeddings.HTTP.URL)
	case "openai":
		fmt.Printf("  Model: %s\n", cfg.Embeddings.OpenAI.Model)
		if cfg.Embeddings.OpenAI.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Embeddings.OpenAI.BaseURL)
		}
	}
	fmt.Printf("  Normalize: %t\n", cfg.Embeddings.Normalize)
	fmt.Println()

	fmt.Println(ui.Bold.Render("Sync:"))
	fmt.Printf("  Page Size: %d\n", cfg.Sync.PageSize)
	fmt.Printf("  Max Candidates: %d\n", cfg.Sync.MaxCandidates)
	fmt.Printf("  Concurrency: %d\n", cfg.Sync.Concurrency)
	if cfg.Sync.RateLimit > 0 {
		fmt.Printf("  Rate Limit: %.1f/s\n", cfg.Sync.RateLimit)
	}
	fmt.Printf("  Name Metadata Key: %s\n", cfg.Sync.NameMetadataKey)
	fmt.Printf("  On Ingest Failure: %s\n", cfg.Sync.OnIngestFailure)
	fmt.Println()

	if cfg.Shadow.ThingName != "" {
		fmt.Println(ui.Bold.Render("Shadow:"))
		fmt.Printf("  Thing: %s\n", cfg.Shadow.ThingName)
		fmt.Printf("  Endpoint: %s\n", orNone(cfg.Shadow.Endpoint))
		fmt.Println()
	}

	if cfg.Lease.Enabled {
		fmt.Println(ui.Bold.Render("Lease:"))
		fmt.Printf("  Table: %s\n", cfg.Lease.Table)
		fmt.Printf("  TTL: %s\n", cfg.Lease.TTL)
		fmt.Println()
	}

	fmt.Println(ui.Bold.Render("Ignore Patterns:"))
	fmt.Printf("  %d patterns configured\n", len(cfg.Ignore))

	return nil
}
