// Package embeddings provides the text-embedding provider interface,
// a concurrency-safe LRU+disk cache, and provider quality metrics.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Provider generates embedding vectors for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ProviderName() string
	ModelName() string
}

// LocalProvider is a deterministic hash-based embedding provider for
// development and tests. Vectors are stable per input and unit-length,
// so cosine similarity behaves sanely, but they carry no semantics.
type LocalProvider struct {
	dim int
}

// NewLocalProvider creates a local provider with the given dimension.
func NewLocalProvider(dim int) *LocalProvider {
	if dim <= 0 {
		dim = 256
	}
	return &LocalProvider{dim: dim}
}

// Embed hashes the text into a unit vector.
func (p *LocalProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	seed := sha256.Sum256([]byte(text))

	var norm float64
	for i := 0; i < p.dim; i++ {
		counter := make([]byte, 8)
		binary.LittleEndian.PutUint64(counter, uint64(i))
		block := sha256.Sum256(append(seed[:], counter...))
		v := float64(int64(binary.LittleEndian.Uint64(block[:8]))) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the vector dimension.
func (p *LocalProvider) Dimension() int { return p.dim }

// ProviderName identifies this provider.
func (p *LocalProvider) ProviderName() string { return "local" }

// ModelName identifies the (pseudo) model.
func (p *LocalProvider) ModelName() string { return "hash-v1" }

// Cosine computes cosine similarity between two vectors of equal length.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
