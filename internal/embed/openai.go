package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/pkg/version"
)

// DefaultOpenAIBaseURL is the OpenAI API root.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	PoolSize   int
}

// OpenAIEmbedRequest is the /embeddings request body.
type OpenAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
	Dimensions     int      `json:"dimensions,omitempty"`
}

// OpenAIEmbedResponse is the /embeddings response body.
type OpenAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// OpenAIProvider generates embeddings through an OpenAI-compatible API with
// bearer authentication.
type OpenAIProvider struct {
	client *http.Client
	config OpenAIConfig

	mu     sync.RWMutex
	closed bool
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, cerrors.ConfigError("openai provider requires an API key", nil).
			WithSuggestion("export the variable named by embeddings.api_key_env")
	}
	if cfg.Model == "" {
		return nil, cerrors.ConfigError("openai provider requires a model", nil)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIProvider{client: newHTTPClient(cfg.PoolSize), config: cfg}, nil
}

// Embed generates the embedding of one text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in one request and returns vectors in input order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, "provider is closed", nil)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	body, err := json.Marshal(OpenAIEmbedRequest{
		Input:          texts,
		Model:          p.config.Model,
		EncodingFormat: "float",
		Dimensions:     p.config.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError("openai", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("openai", resp)
	}

	var result OpenAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, "decode openai response", err)
	}
	if len(result.Data) != len(texts) {
		return nil, cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingRejected,
			fmt.Sprintf("openai returned %d embeddings for %d inputs", len(result.Data), len(texts)), nil)
	}

	sort.Slice(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	vectors := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		vectors[i] = normalizeVector(toFloat32(d.Embedding))
	}
	if err := checkDimensions(vectors, p.config.Dimensions); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimensions returns the configured vector size.
func (p *OpenAIProvider) Dimensions() int { return p.config.Dimensions }

// ModelName returns the model identifier.
func (p *OpenAIProvider) ModelName() string { return p.config.Model }

// Available reports whether the provider is open. The API has no cheap
// health endpoint, so failures surface on the first call instead.
func (p *OpenAIProvider) Available(_ context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

// Close releases idle connections.
func (p *OpenAIProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
