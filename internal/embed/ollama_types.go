package embed

import "time"

const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is a general-purpose code and text embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// OllamaPoolSize is the connection pool size.
	OllamaPoolSize = 4
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	// Host is the Ollama API endpoint.
	Host string

	Model string

	// Dimensions overrides detection; 0 detects from the first response.
	Dimensions int

	// Timeout bounds Available checks. Embedding calls use the caller's deadline.
	Timeout time.Duration

	PoolSize int
}

// OllamaEmbedRequest is the /api/embed request.
type OllamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// OllamaEmbedResponse is the /api/embed response.
type OllamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaModelListResponse is the /api/tags response.
type OllamaModelListResponse struct {
	Models []OllamaModelInfo `json:"models"`
}

// OllamaModelInfo describes an installed model.
type OllamaModelInfo struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}
