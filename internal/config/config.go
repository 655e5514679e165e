// Package config handles configuration loading and validation for facesync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// Config represents the complete facesync configuration.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Output     OutputConfig     `mapstructure:"output"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Shadow     ShadowConfig     `mapstructure:"shadow"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	AWS        AWSConfig        `mapstructure:"aws"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	Match      MatchConfig      `mapstructure:"match"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Ignore     []string         `mapstructure:"ignore"`
}

// SourceConfig locates the images to ingest.
type SourceConfig struct {
	Backend   string `mapstructure:"backend"` // s3, minio or local
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Root      string `mapstructure:"root"` // local backend root directory
	Recursive bool   `mapstructure:"recursive"`
}

// OutputConfig locates the persisted record store.
type OutputConfig struct {
	Backend           string `mapstructure:"backend"` // s3, minio, local or sqlite
	Bucket            string `mapstructure:"bucket"`
	Key               string `mapstructure:"key"`
	Root              string `mapstructure:"root"`
	SQLitePath        string `mapstructure:"sqlite_path"`
	Compression       string `mapstructure:"compression"`
	ConditionalWrites bool   `mapstructure:"conditional_writes"`
}

// EmbeddingsConfig configures the embedding service.
type EmbeddingsConfig struct {
	Provider  string            `mapstructure:"provider"`
	Normalize bool              `mapstructure:"normalize"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	SageMaker SageMakerConfig   `mapstructure:"sagemaker"`
	HTTP      HTTPEmbedConfig   `mapstructure:"http"`
	OpenAI    OpenAIEmbedConfig `mapstructure:"openai"`
}

// SageMakerConfig configures a SageMaker inference endpoint.
type SageMakerConfig struct {
	EndpointName string `mapstructure:"endpoint_name"`
	ContentType  string `mapstructure:"content_type"`
	Accept       string `mapstructure:"accept"`
}

// HTTPEmbedConfig configures a plain HTTP embedding server.
type HTTPEmbedConfig struct {
	URL         string `mapstructure:"url"`
	ContentType string `mapstructure:"content_type"`
}

// OpenAIEmbedConfig configures an OpenAI-compatible embeddings API.
type OpenAIEmbedConfig struct {
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
}

// SyncConfig configures a synchronization pass.
type SyncConfig struct {
	PageSize        int     `mapstructure:"page_size"`
	MaxCandidates   int     `mapstructure:"max_candidates"`
	Concurrency     int     `mapstructure:"concurrency"`
	RateLimit       float64 `mapstructure:"rate_limit"` // embedding calls per second, 0 = unlimited
	NameMetadataKey string  `mapstructure:"name_metadata_key"`
	OnIngestFailure string  `mapstructure:"on_ingest_failure"` // persist or discard
	MaxRuns         int     `mapstructure:"max_runs"`
}

// ShadowConfig configures publishing to an AWS IoT device shadow.
type ShadowConfig struct {
	ThingName string `mapstructure:"thing_name"`
	Endpoint  string `mapstructure:"endpoint"`
}

// LeaseConfig configures the DynamoDB run lease.
type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Table   string        `mapstructure:"table"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// AWSConfig holds settings shared by every AWS client.
type AWSConfig struct {
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// MinIOConfig configures the MinIO client.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// MatchConfig configures nearest-face matching.
type MatchConfig struct {
	TopK         int    `mapstructure:"top_k"`
	DatabasePath string `mapstructure:"database_path"`
}

// WatchConfig configures the watch loop.
type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Global configuration instance
var cfg *Config

// Get returns the current configuration.
func Get() *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Backend: DefaultBackend,
		},
		Output: OutputConfig{
			Backend:           DefaultBackend,
			Key:               DefaultOutputKey,
			SQLitePath:        DefaultSQLitePath(),
			Compression:       DefaultCompression,
			ConditionalWrites: true,
		},
		Embeddings: EmbeddingsConfig{
			Provider: DefaultEmbeddingProvider,
			Timeout:  DefaultEmbeddingTimeout,
			SageMaker: SageMakerConfig{
				ContentType: DefaultImageContentType,
				Accept:      DefaultAccept,
			},
			HTTP: HTTPEmbedConfig{
				URL:         DefaultHTTPEmbedURL,
				ContentType: DefaultImageContentType,
			},
		},
		Sync: SyncConfig{
			PageSize:        DefaultPageSize,
			MaxCandidates:   DefaultMaxCandidates,
			Concurrency:     DefaultConcurrency,
			NameMetadataKey: DefaultNameMetadataKey,
			OnIngestFailure: DefaultOnIngestFailure,
			MaxRuns:         DefaultMaxRuns,
		},
		Lease: LeaseConfig{
			TTL: DefaultLeaseTTL,
		},
		Match: MatchConfig{
			TopK:         DefaultTopK,
			DatabasePath: DefaultMatchDatabasePath(),
		},
		Watch: WatchConfig{
			Interval: DefaultWatchInterval,
			Debounce: DefaultDebounce,
		},
		Ignore: DefaultIgnorePatterns(),
	}
}

// Load reads configuration from file and environment variables.
func Load(configFile string) error {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
		viper.AddConfigPath(".")

		// Also check for .facesync.yaml in current directory and parents
		if rcPath := findRCFile(); rcPath != "" {
			viper.SetConfigFile(rcPath)
		}
	}

	viper.SetEnvPrefix("FACESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Debug("Loaded config from", "file", viper.ConfigFileUsed())
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	loadCredentialsFromEnv()

	return cfg.Validate()
}

// Validate checks values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.Sync.OnIngestFailure {
	case "persist", "discard":
	default:
		return fmt.Errorf("invalid sync.on_ingest_failure %q: expected persist or discard", c.Sync.OnIngestFailure)
	}
	switch c.Source.Backend {
	case "s3", "minio", "local":
	default:
		return fmt.Errorf("unsupported source backend: %s", c.Source.Backend)
	}
	switch c.Output.Backend {
	case "s3", "minio", "local", "sqlite":
	default:
		return fmt.Errorf("unsupported output backend: %s", c.Output.Backend)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.Embeddings.Provider == "openai" && c.Embeddings.OpenAI.Model == "" {
		return fmt.Errorf("embeddings.openai.model is required: name an image embedding model")
	}
	return nil
}

// setDefaults sets default values in viper.
func setDefaults() {
	// Source and output
	viper.SetDefault("source.backend", DefaultBackend)
	viper.SetDefault("output.backend", DefaultBackend)
	viper.SetDefault("output.key", DefaultOutputKey)
	viper.SetDefault("output.sqlite_path", DefaultSQLitePath())
	viper.SetDefault("output.compression", DefaultCompression)
	viper.SetDefault("output.conditional_writes", true)

	// Embeddings
	viper.SetDefault("embeddings.provider", DefaultEmbeddingProvider)
	viper.SetDefault("embeddings.timeout", DefaultEmbeddingTimeout)
	viper.SetDefault("embeddings.sagemaker.content_type", DefaultImageContentType)
	viper.SetDefault("embeddings.sagemaker.accept", DefaultAccept)
	viper.SetDefault("embeddings.http.url", DefaultHTTPEmbedURL)
	viper.SetDefault("embeddings.http.content_type", DefaultImageContentType)
	// No default model: it must accept image input.
	viper.SetDefault("embeddings.openai.model", "")

	// Sync
	viper.SetDefault("sync.page_size", DefaultPageSize)
	viper.SetDefault("sync.max_candidates", DefaultMaxCandidates)
	viper.SetDefault("sync.concurrency", DefaultConcurrency)
	viper.SetDefault("sync.name_metadata_key", DefaultNameMetadataKey)
	viper.SetDefault("sync.on_ingest_failure", DefaultOnIngestFailure)
	viper.SetDefault("sync.max_runs", DefaultMaxRuns)

	// Lease, match, watch
	viper.SetDefault("lease.ttl", DefaultLeaseTTL)
	viper.SetDefault("match.top_k", DefaultTopK)
	viper.SetDefault("match.database_path", DefaultMatchDatabasePath())
	viper.SetDefault("watch.interval", DefaultWatchInterval)
	viper.SetDefault("watch.debounce", DefaultDebounce)

	viper.SetDefault("ignore", DefaultIgnorePatterns())
}

// findRCFile searches for .facesync.yaml starting from current directory.
func findRCFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		rcPath := filepath.Join(dir, ".facesync.yaml")
		if _, err := os.Stat(rcPath); err == nil {
			return rcPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// loadCredentialsFromEnv fills credentials from the conventional
// environment variables if not already set.
func loadCredentialsFromEnv() {
	if cfg.Embeddings.OpenAI.APIKey == "" {
		cfg.Embeddings.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.MinIO.AccessKey == "" {
		cfg.MinIO.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	}
	if cfg.MinIO.SecretKey == "" {
		cfg.MinIO.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = os.Getenv("AWS_REGION")
	}
}

// ConfigFilePath returns the path of the loaded config file, or empty string if none.
func ConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
