package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/facesync/internal/config"
)

// TestParseVector tests the accepted response shapes.
func TestParseVector(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []float32
	}{
		{"flat array", `[0.1, 0.2, 0.3]`, []float32{0.1, 0.2, 0.3}},
		{"single row batch", `[[0.5, 0.5]]`, []float32{0.5, 0.5}},
		{"embedding field", `{"embedding":[1,2],"dim":2}`, []float32{1, 2}},
		{"embeddings field", `{"embeddings":[[3,4]]}`, []float32{3, 4}},
		{"predictions field", `{"predictions":[[5,6]]}`, []float32{5, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVector([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("empty vectors", func(t *testing.T) {
		for _, body := range []string{`[]`, `[[]]`, `{}`, `{"embedding":[]}`, `null`} {
			_, err := ParseVector([]byte(body))
			assert.ErrorIs(t, err, ErrEmptyEmbedding, body)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseVector([]byte("not json"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode response")
	})
}

func TestL2Normalize(t *testing.T) {
	v := L2Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	var sum float64
	for _, x := range L2Normalize([]float32{1, 2, 3, 4}) {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)

	assert.Equal(t, []float32{0, 0}, L2Normalize([]float32{0, 0}))
}

func TestCheckFinite(t *testing.T) {
	assert.NoError(t, CheckFinite([]float32{0.5, -2, 0}))
	assert.ErrorIs(t, CheckFinite([]float32{1, float32(math.Inf(-1))}), ErrNonFinite)
	assert.ErrorIs(t, CheckFinite([]float32{float32(math.NaN())}), ErrNonFinite)
}

// mockInferenceServer simulates an inference container's invocation API.
func mockInferenceServer(t *testing.T, dims int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/x-image", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(len(body)) * 0.1
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(vec)
	}))
}

func TestHTTPEmbed(t *testing.T) {
	server := mockInferenceServer(t, 128)
	defer server.Close()

	svc, err := NewHTTPService(server.URL+"/", "", 0)
	require.NoError(t, err)
	assert.Equal(t, server.URL, svc.ModelName())
	assert.Equal(t, ProviderHTTP, svc.Provider())

	embedding, err := svc.Embed(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	assert.Len(t, embedding, 128)
	assert.InDelta(t, 0.4, embedding[0], 1e-6)
}

func TestHTTPErrorHandling(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("model not loaded"))
		}))
		defer server.Close()

		svc, _ := NewHTTPService(server.URL, "", time.Second)
		_, err := svc.Embed(context.Background(), []byte("img"))

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
		assert.Contains(t, err.Error(), "model not loaded")
	})

	t.Run("connection error", func(t *testing.T) {
		svc, _ := NewHTTPService("http://localhost:99999", "", time.Second)
		_, err := svc.Embed(context.Background(), []byte("img"))

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to make request")
	})

	t.Run("empty vector", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("[]"))
		}))
		defer server.Close()

		svc, _ := NewHTTPService(server.URL, "", time.Second)
		_, err := svc.Embed(context.Background(), []byte("img"))
		assert.ErrorIs(t, err, ErrEmptyEmbedding)
	})

	t.Run("cancelled context", func(t *testing.T) {
		server := mockInferenceServer(t, 4)
		defer server.Close()

		svc, _ := NewHTTPService(server.URL, "", time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := svc.Embed(ctx, []byte("img"))
		assert.Error(t, err)
	})
}

type mockSageMaker struct {
	mock.Mock
}

func (m *mockSageMaker) InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, _ ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*sagemakerruntime.InvokeEndpointOutput)
	return out, args.Error(1)
}

func TestSageMakerEmbed(t *testing.T) {
	t.Run("requires endpoint", func(t *testing.T) {
		_, err := NewSageMakerService(SageMakerOptions{})
		assert.Error(t, err)
	})

	t.Run("invokes endpoint", func(t *testing.T) {
		client := new(mockSageMaker)
		client.On("InvokeEndpoint", mock.Anything, mock.MatchedBy(func(in *sagemakerruntime.InvokeEndpointInput) bool {
			return *in.EndpointName == "face-embedder" &&
				*in.ContentType == "application/x-image" &&
				string(in.Body) == "jpegbytes"
		})).Return(&sagemakerruntime.InvokeEndpointOutput{Body: []byte(`[0.1,0.2]`)}, nil).Once()

		svc, err := NewSageMakerService(SageMakerOptions{EndpointName: "face-embedder", Client: client})
		require.NoError(t, err)
		assert.Equal(t, "face-embedder", svc.ModelName())
		assert.Equal(t, ProviderSageMaker, svc.Provider())

		vec, err := svc.Embed(context.Background(), []byte("jpegbytes"))
		require.NoError(t, err)
		assert.Equal(t, []float32{0.1, 0.2}, vec)
		client.AssertExpectations(t)
	})

	t.Run("invoke failure", func(t *testing.T) {
		client := new(mockSageMaker)
		client.On("InvokeEndpoint", mock.Anything, mock.Anything).Return(nil, errors.New("ModelError")).Once()

		svc, _ := NewSageMakerService(SageMakerOptions{EndpointName: "face-embedder", Client: client})
		_, err := svc.Embed(context.Background(), []byte("x"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "face-embedder")
	})

	t.Run("client build retried after failure", func(t *testing.T) {
		client := new(mockSageMaker)
		client.On("InvokeEndpoint", mock.Anything, mock.Anything).
			Return(&sagemakerruntime.InvokeEndpointOutput{Body: []byte(`[1]`)}, nil).Once()

		svc, err := NewSageMakerService(SageMakerOptions{EndpointName: "face-embedder"})
		require.NoError(t, err)
		builds := 0
		svc.newClient = func(context.Context) (SageMakerClient, error) {
			builds++
			if builds == 1 {
				return nil, errors.New("no credentials")
			}
			return client, nil
		}

		_, err = svc.Embed(context.Background(), []byte("x"))
		assert.ErrorContains(t, err, "no credentials")

		vec, err := svc.Embed(context.Background(), []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, []float32{1}, vec)

		_, err = svc.getClient(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, builds)
		client.AssertExpectations(t)
	})
}

func TestNewOpenAIService(t *testing.T) {
	t.Run("requires API key", func(t *testing.T) {
		_, err := NewOpenAIService("", "clip", "", 0)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "API key is required")
	})

	t.Run("requires model", func(t *testing.T) {
		_, err := NewOpenAIService("sk-test", "", "", 0)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "model is required")
	})

	t.Run("sends data URI", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))

			var req struct {
				Model string   `json:"model"`
				Input []string `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "clip", req.Model)
			require.Len(t, req.Input, 1)
			assert.True(t, strings.HasPrefix(req.Input[0], "data:"))
			assert.Contains(t, req.Input[0], ";base64,")

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"object":"list","model":"clip","data":[{"object":"embedding","index":0,"embedding":[0.25,0.75]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
		}))
		defer server.Close()

		svc, err := NewOpenAIService("sk-test", "clip", server.URL, 0)
		require.NoError(t, err)
		assert.Equal(t, ProviderOpenAI, svc.Provider())

		vec, err := svc.Embed(context.Background(), []byte{0xff, 0xd8, 0xff, 0xe0})
		require.NoError(t, err)
		assert.Equal(t, []float32{0.25, 0.75}, vec)
	})
}

func TestDataURI(t *testing.T) {
	uri := dataURI([]byte{0xff, 0xd8, 0xff, 0xe0, 0, 0, 0, 0})
	assert.True(t, strings.HasPrefix(uri, "data:image/jpeg;base64,"))
}

// TestNewService tests the factory function.
func TestNewService(t *testing.T) {
	t.Run("creates SageMaker service with override", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Embeddings.SageMaker.EndpointName = "configured"

		svc, err := NewService(cfg, "from-event")
		require.NoError(t, err)
		assert.Equal(t, ProviderSageMaker, svc.Provider())
		assert.Equal(t, "from-event", svc.ModelName())
	})

	t.Run("creates HTTP service", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Embeddings.Provider = "http"

		svc, err := NewService(cfg, "")
		require.NoError(t, err)
		assert.Equal(t, ProviderHTTP, svc.Provider())
		assert.Equal(t, config.DefaultHTTPEmbedURL, svc.ModelName())
	})

	t.Run("creates OpenAI service", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Embeddings.Provider = "openai"
		cfg.Embeddings.OpenAI.APIKey = "sk-test"

		_, err := NewService(cfg, "")
		assert.Error(t, err, "no model configured")

		cfg.Embeddings.OpenAI.Model = "clip-vit-b-32"
		svc, err := NewService(cfg, "")
		require.NoError(t, err)
		assert.Equal(t, ProviderOpenAI, svc.Provider())
		assert.Equal(t, "clip-vit-b-32", svc.ModelName())
	})

	t.Run("returns error for unsupported provider", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Embeddings.Provider = "unsupported"

		_, err := NewService(cfg, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported embedding provider")
	})
}
