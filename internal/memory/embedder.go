package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/config"
)

const (
	EmbeddingProviderAPI    = "api"
	EmbeddingProviderOllama = "ollama"
	EmbeddingProviderGemini = "gemini"
	EmbeddingProviderHash   = "hash"

	defaultOllamaBaseURL = "http://127.0.0.1:11434"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder builds the embedder selected by cfg.Embedding, wrapped in a
// cache when a cache size is configured.
func NewEmbedder(ctx context.Context, cfg *config.Config) (Embedder, error) {
	ec := cfg.Embedding
	var (
		base Embedder
		err  error
	)

	switch provider := strings.ToLower(strings.TrimSpace(ec.Provider)); provider {
	case "", EmbeddingProviderHash:
		base = NewHashEmbedder(ec.Dimension)
	case EmbeddingProviderAPI, EmbeddingProviderOllama:
		base = NewHTTPEmbedder(provider, ec.BaseURL, ec.APIKey, ec.Model, ec.Dimension, ec.TimeoutDuration())
	case EmbeddingProviderGemini:
		model := firstNonEmpty(ec.Model, config.DefaultGeminiEmbedModel)
		base, err = NewGeminiEmbedder(ctx, ec.APIKey, model, ec.Dimension)
		if err != nil {
			return nil, err
		}
	default:
		return nil, goerr.New("unsupported embedding provider", goerr.V("provider", ec.Provider))
	}

	if ec.CacheSize > 0 {
		cached, err := NewCachedEmbedder(base, ec.CacheSize)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return base, nil
}

// HTTPEmbedder talks to an OpenAI-compatible /v1/embeddings endpoint, or to
// a local Ollama server.
type HTTPEmbedder struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewHTTPEmbedder(provider, baseURL, apiKey, model string, dim int, timeout time.Duration) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultEmbeddingTimeout) * time.Second
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = EmbeddingProviderAPI
	}
	return &HTTPEmbedder{
		provider:    provider,
		baseURL:     strings.TrimSpace(baseURL),
		apiKey:      strings.TrimSpace(apiKey),
		model:       strings.TrimSpace(model),
		expectedDim: dim,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, goerr.New("embed: empty text")
	}
	if e.model == "" {
		return nil, goerr.New("embed: missing embedding model")
	}
	baseURL, err := e.resolveBaseURL()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, goerr.Wrap(err, "embed: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, goerr.Wrap(err, "embed: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "embed: send request", goerr.V("url", baseURL))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(err, "embed: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, goerr.New("embed: unexpected status",
			goerr.V("status", resp.StatusCode), goerr.V("body", strings.TrimSpace(string(body))))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, goerr.Wrap(err, "embed: decode response")
	}
	if len(decoded.Data) != 1 {
		return nil, goerr.New("embed: response count mismatch", goerr.V("count", len(decoded.Data)))
	}
	vec := decoded.Data[0].Embedding
	if len(vec) == 0 {
		return nil, goerr.New("embed: empty embedding vector")
	}
	if e.expectedDim > 0 && len(vec) != e.expectedDim {
		return nil, goerr.New("embed: dimension mismatch", goerr.V("got", len(vec)), goerr.V("want", e.expectedDim))
	}
	return vec, nil
}

func (e *HTTPEmbedder) resolveBaseURL() (string, error) {
	baseURL := strings.TrimRight(e.baseURL, "/")
	switch e.provider {
	case EmbeddingProviderAPI:
		if baseURL == "" {
			return "", goerr.New("embed: missing embedding base url")
		}
		if e.apiKey == "" {
			return "", goerr.New("embed: missing embedding api key")
		}
		return baseURL, nil
	case EmbeddingProviderOllama:
		if baseURL == "" {
			baseURL = defaultOllamaBaseURL
		}
		return baseURL, nil
	}
	return "", goerr.New("embed: unsupported embedding provider", goerr.V("provider", e.provider))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
