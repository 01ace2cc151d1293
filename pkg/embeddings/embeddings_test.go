package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(64)
	assert.Equal(t, 64, e.Dimensions())

	a, err := e.Embed(ctx, "hello")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "world")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	for _, f := range a {
		assert.GreaterOrEqual(t, f, float32(-1))
		assert.LessOrEqual(t, f, float32(1))
	}

	_, err = e.Embed(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req["model"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("test-key", srv.URL)
	vec, err := e.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, Embedding{0.1, 0.2, 0.3}, vec)
}

func TestOpenAIEmbedderErrors(t *testing.T) {
	ctx := context.Background()

	e := NewOpenAIEmbedder("", "")
	_, err := e.Embed(ctx, "text")
	assert.ErrorContains(t, err, "api key")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	e = NewOpenAIEmbedder("k", srv.URL)
	_, err = e.Embed(ctx, "text")
	assert.ErrorContains(t, err, "429")
}

func TestMemoryVectorStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryVectorStore()

	vecs := []ChunkVector{
		{ChunkID: "c1", ProductID: "p", Version: 1, Text: "alpha", Vector: Embedding{1, 0}},
		{ChunkID: "c2", ProductID: "p", Version: 1, Text: "beta", Vector: Embedding{0, 1}},
		{ChunkID: "c3", ProductID: "p", Version: 2, Text: "gamma", Vector: Embedding{1, 1}},
	}
	require.NoError(t, s.Upsert(ctx, vecs))

	// Upsert is idempotent per chunk_id.
	require.NoError(t, s.Upsert(ctx, vecs[:1]))
	n, err := s.Count(ctx, "p", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := s.Search(ctx, Embedding{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "c1", hits[0].ChunkID, "exact match ranks first")
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-6)

	require.NoError(t, s.DeleteVersion(ctx, "p", 1))
	n, err = s.Count(ctx, "p", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = s.Count(ctx, "p", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,-0.5,0]", vectorLiteral(Embedding{1, -0.5, 0}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}
