package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/pkg/version"
)

// OllamaProvider generates embeddings through Ollama's HTTP API.
type OllamaProvider struct {
	client *http.Client
	config OllamaConfig
	dims   atomic.Int64

	mu     sync.RWMutex
	closed bool
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates an Ollama provider. It does not contact the
// server; use Available for a health check.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = OllamaPoolSize
	}
	p := &OllamaProvider{
		client: newHTTPClient(cfg.PoolSize),
		config: cfg,
	}
	p.dims.Store(int64(cfg.Dimensions))
	return p
}

// Embed generates the embedding of one text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in one /api/embed request.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.isClosed() {
		return nil, cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, "provider is closed", nil)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	body, err := json.Marshal(OllamaEmbedRequest{Model: p.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError("ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ollama", resp)
	}

	var result OllamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, "decode ollama response", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingRejected,
			fmt.Sprintf("ollama returned %d embeddings for %d inputs", len(result.Embeddings), len(texts)), nil)
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = normalizeVector(toFloat32(emb))
	}
	if p.dims.Load() == 0 && len(vectors[0]) > 0 {
		p.dims.CompareAndSwap(0, int64(len(vectors[0])))
	}
	if err := checkDimensions(vectors, p.Dimensions()); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimensions returns the configured or detected vector size, 0 before the
// first response when not configured.
func (p *OllamaProvider) Dimensions() int { return int(p.dims.Load()) }

// ModelName returns the model identifier.
func (p *OllamaProvider) ModelName() string { return p.config.Model }

// Available reports whether the server lists the configured model.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	if p.isClosed() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var list OllamaModelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return false
	}
	want := strings.ToLower(p.config.Model)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range list.Models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			return true
		}
	}
	return false
}

// Close releases idle connections.
func (p *OllamaProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func (p *OllamaProvider) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
