package embed

import (
	"os"
	"strings"

	"github.com/Aman-CERP/crossctx/internal/config"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// ProviderType names an embedding backend.
type ProviderType string

const (
	// ProviderOllama uses a local or remote Ollama server.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses an OpenAI-compatible /embeddings endpoint.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic uses deterministic hash vectors.
	ProviderStatic ProviderType = "static"
)

// ParseProvider converts a config string to a ProviderType. Unknown values
// return "".
func ParseProvider(s string) ProviderType {
	switch ProviderType(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderOllama:
		return ProviderOllama
	case ProviderOpenAI:
		return ProviderOpenAI
	case ProviderStatic:
		return ProviderStatic
	}
	return ""
}

// ValidProviders lists accepted provider names.
func ValidProviders() []string {
	return []string{string(ProviderOllama), string(ProviderOpenAI), string(ProviderStatic)}
}

// String returns the provider name.
func (p ProviderType) String() string { return string(p) }

// NewProvider builds the configured provider, wrapped in a CachedProvider
// when a cache size is set.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	var p Provider
	switch ParseProvider(cfg.Provider) {
	case ProviderOllama:
		p = NewOllamaProvider(OllamaConfig{
			Host:       cfg.Endpoint,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case ProviderOpenAI:
		var key string
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		op, err := NewOpenAIProvider(OpenAIConfig{
			BaseURL:    cfg.Endpoint,
			APIKey:     key,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		p = op
	case ProviderStatic:
		p = NewStaticProvider(cfg.Dimensions)
	default:
		return nil, cerrors.ConfigError("unknown embedding provider "+cfg.Provider, nil).
			WithSuggestion("use one of: " + strings.Join(ValidProviders(), ", "))
	}

	if cfg.CacheSize > 0 {
		p = NewCachedProvider(p, cfg.CacheSize)
	}
	return p, nil
}
