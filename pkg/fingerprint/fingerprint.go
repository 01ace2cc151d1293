// Package fingerprint aggregates per-chunk scores into the product-level
// readiness fingerprint and its composite trust score. All metrics are ratios
// in [0,1]; counts carry an explicit _count suffix.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gowebpki/jcs"
)

// Weights distributes the composite across sub-metrics. The weighting is a
// pluggable pure function; these defaults are documented product behavior.
type Weights struct {
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Quality      float64 `json:"quality"`
	Timeliness   float64 `json:"timeliness"`
	Metadata     float64 `json:"metadata"`
}

// DefaultWeights sum to 1.0.
func DefaultWeights() Weights {
	return Weights{
		Completeness: 0.25,
		Accuracy:     0.25,
		Quality:      0.20,
		Timeliness:   0.15,
		Metadata:     0.15,
	}
}

// Validate rejects weight sets that do not sum to 1 (within epsilon).
func (w Weights) Validate() error {
	sum := w.Completeness + w.Accuracy + w.Quality + w.Timeliness + w.Metadata
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("fingerprint: weights sum to %.6f, want 1.0", sum)
	}
	for name, v := range map[string]float64{
		"completeness": w.Completeness, "accuracy": w.Accuracy,
		"quality": w.Quality, "timeliness": w.Timeliness, "metadata": w.Metadata,
	} {
		if v < 0 {
			return fmt.Errorf("fingerprint: weight %s is negative", name)
		}
	}
	return nil
}

// Composite collapses one chunk's score vector into a single ratio using
// these weights.
func (w Weights) Composite(s ChunkScores) float64 {
	return w.Completeness*clamp(s.Completeness) +
		w.Accuracy*clamp(s.Accuracy) +
		w.Quality*clamp(s.Quality) +
		w.Timeliness*clamp(s.Timeliness) +
		w.Metadata*clamp(s.Metadata)
}

// ChunkScores is the scoring stage's per-chunk output consumed here.
type ChunkScores struct {
	ChunkID      string  `json:"chunk_id"`
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Quality      float64 `json:"quality"`
	Timeliness   float64 `json:"timeliness"`
	Metadata     float64 `json:"metadata"`
	TokenCount   int     `json:"token_count"`
}

// Fingerprint is the product-level readiness summary stored as a JSON
// artifact and surfaced by the insights endpoint.
type Fingerprint struct {
	ProductID string    `json:"product_id"`
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	ChunkCount int `json:"chunk_count"`
	TokenCount int `json:"token_count"`

	// Sub-metric means across chunks, each in [0,1].
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Quality      float64 `json:"quality"`
	Timeliness   float64 `json:"timeliness"`
	Metadata     float64 `json:"metadata"`

	Weights Weights `json:"weights"`
	// AITrustScore is the weighted composite, in [0,1].
	AITrustScore float64 `json:"ai_trust_score"`
	// ContentHash fingerprints the canonical JSON of the inputs; identical
	// chunk scores always produce the same hash.
	ContentHash string `json:"content_hash"`
}

// Build aggregates chunk scores under the given weights.
func Build(productID string, version int, runID string, scores []ChunkScores, w Weights, now time.Time) (*Fingerprint, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	fp := &Fingerprint{
		ProductID: productID,
		Version:   version,
		RunID:     runID,
		CreatedAt: now,
		Weights:   w,
	}
	if len(scores) == 0 {
		return fp, nil
	}

	for _, s := range scores {
		fp.Completeness += clamp(s.Completeness)
		fp.Accuracy += clamp(s.Accuracy)
		fp.Quality += clamp(s.Quality)
		fp.Timeliness += clamp(s.Timeliness)
		fp.Metadata += clamp(s.Metadata)
		fp.TokenCount += s.TokenCount
	}
	n := float64(len(scores))
	fp.ChunkCount = len(scores)
	fp.Completeness /= n
	fp.Accuracy /= n
	fp.Quality /= n
	fp.Timeliness /= n
	fp.Metadata /= n

	fp.AITrustScore = w.Completeness*fp.Completeness +
		w.Accuracy*fp.Accuracy +
		w.Quality*fp.Quality +
		w.Timeliness*fp.Timeliness +
		w.Metadata*fp.Metadata

	hash, err := contentHash(scores)
	if err != nil {
		return nil, err
	}
	fp.ContentHash = hash
	return fp, nil
}

// contentHash hashes the RFC 8785 canonical form of the chunk scores, so key
// order and float formatting cannot change the hash.
func contentHash(scores []ChunkScores) (string, error) {
	raw, err := json.Marshal(scores)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal scores: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize scores: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
