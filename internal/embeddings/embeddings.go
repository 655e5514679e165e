// Package embeddings turns face images into fixed-size feature vectors
// through an external inference service.
package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/nickcecere/facesync/internal/config"
)

// Provider represents an embedding provider type.
type Provider string

const (
	ProviderSageMaker Provider = "sagemaker"
	ProviderHTTP      Provider = "http"
	ProviderOpenAI    Provider = "openai"
)

// ErrEmptyEmbedding is returned when the service answers with no values.
var ErrEmptyEmbedding = errors.New("empty embedding returned")

// ErrNonFinite is returned when an embedding holds NaN or infinite values.
var ErrNonFinite = errors.New("embedding has non-finite values")

// Service defines the interface for embedding services.
type Service interface {
	// Embed returns the feature vector for one image payload.
	Embed(ctx context.Context, payload []byte) ([]float32, error)

	// Provider returns the provider name.
	Provider() Provider

	// ModelName returns the endpoint or model name.
	ModelName() string
}

// NewService creates an embedding service based on the configuration.
// endpointOverride replaces the configured SageMaker endpoint when set.
func NewService(cfg *config.Config, endpointOverride string) (Service, error) {
	switch cfg.Embeddings.Provider {
	case "sagemaker":
		endpoint := cfg.Embeddings.SageMaker.EndpointName
		if endpointOverride != "" {
			endpoint = endpointOverride
		}
		return NewSageMakerService(SageMakerOptions{
			EndpointName: endpoint,
			ContentType:  cfg.Embeddings.SageMaker.ContentType,
			Accept:       cfg.Embeddings.SageMaker.Accept,
			Region:       cfg.AWS.Region,
		})
	case "http":
		return NewHTTPService(
			cfg.Embeddings.HTTP.URL,
			cfg.Embeddings.HTTP.ContentType,
			cfg.Embeddings.Timeout,
		)
	case "openai":
		return NewOpenAIService(
			cfg.Embeddings.OpenAI.APIKey,
			cfg.Embeddings.OpenAI.Model,
			cfg.Embeddings.OpenAI.BaseURL,
			cfg.Embeddings.OpenAI.Dimensions,
		)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Embeddings.Provider)
	}
}

// ParseVector decodes an inference response body. Accepted shapes are a
// flat JSON array, a single-row batch [[...]], or an object with an
// "embedding", "embeddings" or "predictions" field.
func ParseVector(body []byte) ([]float32, error) {
	var flat []float32
	if err := json.Unmarshal(body, &flat); err == nil {
		return nonEmpty(flat)
	}

	var batch [][]float32
	if err := json.Unmarshal(body, &batch); err == nil {
		if len(batch) == 0 {
			return nil, ErrEmptyEmbedding
		}
		return nonEmpty(batch[0])
	}

	var obj struct {
		Embedding   []float32       `json:"embedding"`
		Embeddings  [][]float32     `json:"embeddings"`
		Predictions json.RawMessage `json:"predictions"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	switch {
	case len(obj.Embedding) > 0:
		return obj.Embedding, nil
	case len(obj.Embeddings) > 0:
		return nonEmpty(obj.Embeddings[0])
	case len(obj.Predictions) > 0:
		return ParseVector(obj.Predictions)
	}
	return nil, ErrEmptyEmbedding
}

func nonEmpty(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return v, nil
}

// CheckFinite reports ErrNonFinite when any component of v is NaN or ±Inf.
func CheckFinite(v []float32) error {
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: component %d is %v", ErrNonFinite, i, x)
		}
	}
	return nil
}

// L2Normalize scales v in place to unit length. A zero vector is left as is.
func L2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
