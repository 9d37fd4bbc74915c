package embeddings

import (
	"context"
	"sort"
	"sync"
)

// Neighbor is one similarity hit.
type Neighbor struct {
	ExceptionID string
	Score       float64
}

// Index is an in-memory, tenant-partitioned vector index over past
// exceptions. The production deployment points this interface's
// consumers at an external vector store; this implementation serves
// development and tests. Safe for concurrent use.
type Index struct {
	provider Provider

	mu      sync.RWMutex
	vectors map[string]map[string][]float32 // tenant → exception id → vector
}

// NewIndex creates an index over the given provider.
func NewIndex(provider Provider) *Index {
	return &Index{
		provider: provider,
		vectors:  make(map[string]map[string][]float32),
	}
}

// Add embeds the text and stores it under the exception id.
func (ix *Index) Add(ctx context.Context, tenantID, exceptionID, text string) error {
	vec, err := ix.provider.Embed(ctx, text)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.vectors[tenantID] == nil {
		ix.vectors[tenantID] = make(map[string][]float32)
	}
	ix.vectors[tenantID][exceptionID] = vec
	return nil
}

// Similar returns up to limit neighbors for the text, best first. Only
// the requesting tenant's vectors are searched.
func (ix *Index) Similar(ctx context.Context, tenantID, text string, limit int) ([]Neighbor, error) {
	query, err := ix.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []Neighbor
	for exceptionID, vec := range ix.vectors[tenantID] {
		out = append(out, Neighbor{
			ExceptionID: exceptionID,
			Score:       Cosine(query, vec),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
