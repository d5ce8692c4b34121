// Package embed turns fragment text into vectors. Providers wrap an external
// (or deterministic offline) embedding model; the BatchGenerator is the single
// caller of a provider during indexing and enforces batch caps, the shared
// rate limit, truncation and retry.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// HardMaxBatchSize caps items per provider call regardless of config.
	HardMaxBatchSize = 100

	// DefaultBatchSize is used when the configured size is zero.
	DefaultBatchSize = HardMaxBatchSize

	// DefaultMaxInputChars is the truncation limit when none is configured.
	DefaultMaxInputChars = 8000

	// DefaultRequestTimeout bounds one provider call.
	DefaultRequestTimeout = 60 * time.Second

	// StaticDimensions is the vector size of the static provider.
	StaticDimensions = 256
)

// Metadata keys recorded on truncated fragments.
const (
	MetaTruncated     = "embedding_truncated"
	MetaOriginalChars = "embedding_original_chars"
)

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed generates the embedding of a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates one embedding per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks whether the provider can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales v to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
