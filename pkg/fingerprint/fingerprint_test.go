package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWeightsValid(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())
}

func TestWeightsValidate(t *testing.T) {
	w := Weights{Completeness: 0.5, Accuracy: 0.6}
	assert.ErrorContains(t, w.Validate(), "sum")

	w = Weights{Completeness: 1.5, Accuracy: -0.5}
	assert.Error(t, w.Validate())
}

func TestBuildComposite(t *testing.T) {
	now := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	scores := []ChunkScores{
		{ChunkID: "a", Completeness: 1, Accuracy: 1, Quality: 1, Timeliness: 1, Metadata: 1, TokenCount: 100},
		{ChunkID: "b", Completeness: 0, Accuracy: 0, Quality: 0, Timeliness: 0, Metadata: 0, TokenCount: 50},
	}
	fp, err := Build("p", 3, "r", scores, DefaultWeights(), now)
	require.NoError(t, err)

	assert.Equal(t, 2, fp.ChunkCount)
	assert.Equal(t, 150, fp.TokenCount)
	assert.InDelta(t, 0.5, fp.Completeness, 1e-9)
	// All sub-means are 0.5, so the composite is 0.5 for any valid weights.
	assert.InDelta(t, 0.5, fp.AITrustScore, 1e-9)
	assert.Len(t, fp.ContentHash, 64)
}

func TestBuildClampsOutOfRangeScores(t *testing.T) {
	fp, err := Build("p", 1, "r", []ChunkScores{
		{ChunkID: "a", Completeness: 97, Accuracy: -2, Quality: 0.5, Timeliness: 0.5, Metadata: 0.5},
	}, DefaultWeights(), time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, fp.Completeness, 1e-9, "over-scale inputs clamp to 1")
	assert.InDelta(t, 0.0, fp.Accuracy, 1e-9)
	assert.LessOrEqual(t, fp.AITrustScore, 1.0)
	assert.GreaterOrEqual(t, fp.AITrustScore, 0.0)
}

func TestBuildEmptyScores(t *testing.T) {
	fp, err := Build("p", 1, "r", nil, DefaultWeights(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, fp.ChunkCount)
	assert.Zero(t, fp.AITrustScore)
	assert.Empty(t, fp.ContentHash)
}

func TestContentHashDeterministic(t *testing.T) {
	scores := []ChunkScores{
		{ChunkID: "a", Completeness: 0.3333333333333333, Quality: 0.1},
		{ChunkID: "b", Accuracy: 0.25},
	}
	fp1, err := Build("p", 1, "r1", scores, DefaultWeights(), time.Now())
	require.NoError(t, err)
	fp2, err := Build("p", 1, "r2", scores, DefaultWeights(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, fp1.ContentHash, fp2.ContentHash, "hash covers chunk scores only")

	scores[0].Quality = 0.2
	fp3, err := Build("p", 1, "r1", scores, DefaultWeights(), time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, fp1.ContentHash, fp3.ContentHash)
}

func TestBuildRejectsInvalidWeights(t *testing.T) {
	_, err := Build("p", 1, "r", nil, Weights{}, time.Now())
	assert.Error(t, err)
}
