package embeddings

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const defaultHTTPURL = "http://localhost:8080/invocations"

// HTTPService posts the raw image bytes to an inference server, the way a
// SageMaker-style container is invoked directly.
type HTTPService struct {
	url         string
	contentType string
	client      *http.Client
}

// NewHTTPService creates a new HTTP embedding service.
func NewHTTPService(url, contentType string, timeout time.Duration) (*HTTPService, error) {
	if url == "" {
		url = defaultHTTPURL
	}
	if contentType == "" {
		contentType = "application/x-image"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPService{
		url:         strings.TrimSuffix(url, "/"),
		contentType: contentType,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Embed posts the payload and parses the returned vector.
func (s *HTTPService) Embed(ctx context.Context, payload []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", s.contentType)
	req.Header.Set("Accept", "application/json")

	log.Debug("Requesting embedding over HTTP", "url", s.url, "bytes", len(payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, string(body))
	}

	return ParseVector(body)
}

// Provider returns the provider name.
func (s *HTTPService) Provider() Provider {
	return ProviderHTTP
}

// ModelName returns the server URL.
func (s *HTTPService) ModelName() string {
	return s.url
}
