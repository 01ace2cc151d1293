package embeddings

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryVectorStore is the in-process store for tests and single-node dev.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	vectors map[string]ChunkVector
}

// NewMemoryVectorStore creates an empty store.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{vectors: make(map[string]ChunkVector)}
}

func (s *MemoryVectorStore) Upsert(ctx context.Context, vectors []ChunkVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vectors {
		s.vectors[v.ChunkID] = v
	}
	return nil
}

func (s *MemoryVectorStore) Search(ctx context.Context, vector Embedding, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SearchResult, 0, len(s.vectors))
	for _, v := range s.vectors {
		out = append(out, SearchResult{
			ChunkID: v.ChunkID, ProductID: v.ProductID, Version: v.Version,
			SourceFile: v.SourceFile, Section: v.Section, Text: v.Text,
			Score: cosine(vector, v.Vector),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryVectorStore) Count(ctx context.Context, productID string, version int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.vectors {
		if v.ProductID == productID && v.Version == version {
			n++
		}
	}
	return n, nil
}

func (s *MemoryVectorStore) DeleteVersion(ctx context.Context, productID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.vectors {
		if v.ProductID == productID && v.Version == version {
			delete(s.vectors, id)
		}
	}
	return nil
}

func cosine(a, b Embedding) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
