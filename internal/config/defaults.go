package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default configuration values
const (
	// Storage defaults
	DefaultBackend     = "s3"
	DefaultOutputKey   = "faces.fsnp"
	DefaultCompression = "zstd"

	// Embedding defaults
	DefaultEmbeddingProvider = "sagemaker"
	DefaultEmbeddingTimeout  = 60 * time.Second
	DefaultImageContentType  = "application/x-image"
	DefaultAccept            = "application/json"
	DefaultHTTPEmbedURL      = "http://localhost:8080/invocations"

	// Sync defaults
	DefaultPageSize        = 10
	DefaultMaxCandidates   = 100
	DefaultConcurrency     = 1
	DefaultNameMetadataKey = "fullname"
	DefaultOnIngestFailure = "persist"
	DefaultMaxRuns         = 50

	// Lease, match and watch defaults
	DefaultLeaseTTL      = 15 * time.Minute
	DefaultTopK          = 5
	DefaultWatchInterval = 5 * time.Minute
	DefaultDebounce      = 2 * time.Second

	// Database
	DefaultDBFileName    = "store.db"
	DefaultMatchFileName = "match.db"
)

// DefaultIgnorePatterns returns the default list of source key patterns to ignore.
func DefaultIgnorePatterns() []string {
	return []string{
		// Sidecars and editor leftovers
		"*.meta.json",
		"*.tmp",
		"*.swp",
		"*~",

		// OS files
		".DS_Store",
		"Thumbs.db",
		"desktop.ini",

		// Not images
		"*.txt",
		"*.md",
		"*.json",
		"*.csv",
		"*.log",
	}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/facesync"
	}
	return filepath.Join(home, ".config", "facesync")
}

// DefaultDataDir returns the default data directory path.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share/facesync"
	}
	return filepath.Join(home, ".local", "share", "facesync")
}

// DefaultSQLitePath returns the default path of the SQLite output backend.
func DefaultSQLitePath() string {
	return filepath.Join(DefaultDataDir(), DefaultDBFileName)
}

// DefaultMatchDatabasePath returns the default path of the match index.
func DefaultMatchDatabasePath() string {
	return filepath.Join(DefaultDataDir(), DefaultMatchFileName)
}
