package syncer

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/objectstore"
)

// Request describes one synchronization run. The JSON field names match the
// invocation event used by scheduled triggers.
type Request struct {
	InputBucket   string `json:"InputBucket"`
	InputPrefix   string `json:"InputPrefix,omitempty"`
	OutputBucket  string `json:"OutputBucket"`
	OutputKey     string `json:"OutputKey"`
	EndpointName  string `json:"EndpointName,omitempty"`
	ThingName     string `json:"ThingName,omitempty"`
	PageSize      int    `json:"PageSize,omitempty"`
	MaxCandidates int    `json:"MaxCandidates,omitempty"`
}

// Output returns the address of the persisted store.
func (r Request) Output() objectstore.Address {
	return objectstore.Address{Bucket: r.OutputBucket, Key: r.OutputKey}
}

// Validate checks that the request names an output store.
func (r Request) Validate() error {
	if r.OutputKey == "" {
		return fmt.Errorf("output key is required")
	}
	if r.PageSize < 0 || r.MaxCandidates < 0 {
		return fmt.Errorf("page size and max candidates must not be negative")
	}
	return nil
}

// DefaultRequest builds a request from the configuration.
func DefaultRequest(cfg *config.Config) Request {
	return Request{
		InputBucket:   cfg.Source.Bucket,
		InputPrefix:   cfg.Source.Prefix,
		OutputBucket:  cfg.Output.Bucket,
		OutputKey:     cfg.Output.Key,
		EndpointName:  cfg.Embeddings.SageMaker.EndpointName,
		ThingName:     cfg.Shadow.ThingName,
		PageSize:      cfg.Sync.PageSize,
		MaxCandidates: cfg.Sync.MaxCandidates,
	}
}

// LoadRequest reads an invocation event from path. Fields present in the
// event override those of base.
func LoadRequest(path string, base Request) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read event: %w", err)
	}

	req := base
	if err := json.Unmarshal(data, &req); err != nil {
		return base, fmt.Errorf("failed to parse event: %w", err)
	}
	return req, nil
}

// Response summarizes a run.
type Response struct {
	RunID string `json:"runId"`

	// Added counts candidates reconciled into the store, replacements included.
	Added    int `json:"added"`
	Replaced int `json:"replaced"`

	Truncated bool `json:"truncated"`
	Total     int  `json:"total"`
	Unique    int  `json:"unique"`

	// RevisionTag is the committed store revision: the new one when this
	// run wrote, otherwise the one read at load.
	RevisionTag string `json:"revisionTag"`
	Persisted   bool   `json:"persisted"`

	DurationMs int64 `json:"durationMs"`

	Published    bool   `json:"published"`
	PublishError string `json:"publishError,omitempty"`

	// Runs is the number of passes folded into this response.
	Runs int `json:"runs,omitempty"`
}
