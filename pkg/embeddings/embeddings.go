// Package embeddings provides the embedding model client and the vector store
// the indexing stage publishes into.
package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Embedding is one dense vector.
type Embedding []float32

// ErrEmptyInput is returned when a chunk has no embeddable text.
var ErrEmptyInput = errors.New("embeddings: empty input text")

// Embedder turns chunk text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
	// Dimensions is the vector width this embedder produces.
	Dimensions() int
	// Model names the underlying model, recorded in run config snapshots.
	Model() string
}

// ChunkVector is what the indexing stage upserts: the vector plus the lineage
// metadata retrieval consumers filter on.
type ChunkVector struct {
	ChunkID    string
	ProductID  string
	Version    int
	SourceFile string
	Section    string
	PageNumber int
	Text       string
	Vector     Embedding
}

// VectorStore is the downstream retrieval sink. Upserts are keyed by chunk_id
// and idempotent.
type VectorStore interface {
	Upsert(ctx context.Context, vectors []ChunkVector) error
	Search(ctx context.Context, vector Embedding, limit int) ([]SearchResult, error)
	// Count returns the stored vectors for a (product, version) pair; the
	// validate_quality stage checks it against the chunk count.
	Count(ctx context.Context, productID string, version int) (int, error)
	DeleteVersion(ctx context.Context, productID string, version int) error
}

// SearchResult is one similarity hit.
type SearchResult struct {
	ChunkID    string
	ProductID  string
	Version    int
	SourceFile string
	Section    string
	Text       string
	Score      float32
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	apiKey  string
	model   string
	dims    int
	baseURL string
	client  *http.Client
}

// NewOpenAIEmbedder uses text-embedding-3-small (1536 dims). baseURL override
// supports API-compatible gateways; empty uses the public endpoint.
func NewOpenAIEmbedder(apiKey, baseURL string) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIEmbedder{
		apiKey:  apiKey,
		model:   "text-embedding-3-small",
		dims:    1536,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }
func (e *OpenAIEmbedder) Model() string   { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if e.apiKey == "" {
		return nil, errors.New("embeddings: missing api key")
	}

	body, err := json.Marshal(map[string]any{"input": text, "model": e.model})
	if err != nil {
		return nil, fmt.Errorf("embeddings: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embeddings: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings: call api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings: api status %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embeddings: decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, errors.New("embeddings: no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// HashEmbedder produces deterministic pseudo-vectors from a content hash. It
// backs tests and offline development; similarity is meaningless.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder defaults to 64 dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dimensions() int { return h.dims }
func (h *HashEmbedder) Model() string   { return "hash" }

func (h *HashEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vec := make(Embedding, h.dims)
	seed := sha256.Sum256([]byte(text))
	state := seed[:]
	for i := 0; i < h.dims; i += 8 {
		next := sha256.Sum256(state)
		state = next[:]
		for j := 0; j < 8 && i+j < h.dims; j++ {
			u := binary.BigEndian.Uint32(state[j*4 : j*4+4])
			vec[i+j] = float32(u)/float32(math.MaxUint32)*2 - 1
		}
	}
	return vec, nil
}
