package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/fingerprint"
	"github.com/foundry-data/foundry/pkg/pipeline"
)

// Fingerprint aggregates the chunk scores into the product-level readiness
// fingerprint and stores it as a JSON artifact in the report bucket.
type Fingerprint struct {
	// Weights override the composite weighting; zero value uses defaults.
	Weights fingerprint.Weights
}

func (*Fingerprint) Name() string            { return pipeline.StageFingerprint }
func (*Fingerprint) TerminalOnFailure() bool { return true }

func (s *Fingerprint) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	w := s.Weights
	if w == (fingerprint.Weights{}) {
		w = fingerprint.DefaultWeights()
	}

	fp, err := fingerprint.Build(bb.ProductID, bb.Version, bb.RunID, bb.Scores, w, time.Now().UTC())
	if err != nil {
		return failed(fmt.Errorf("build fingerprint: %w", err), nil)
	}

	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return failed(fmt.Errorf("marshal fingerprint: %w", err), nil)
	}
	key := versionPrefix(bb) + "/fingerprint.json"
	res, err := bb.Blob.Put(ctx, blob.BucketReport, key, bytes.NewReader(data), "application/json")
	if err != nil {
		return failed(fmt.Errorf("store fingerprint: %w", err), nil)
	}

	bb.Fingerprint = fp
	return succeeded(map[string]float64{
		"ai_trust_score": fp.AITrustScore,
		"completeness":   fp.Completeness,
		"accuracy":       fp.Accuracy,
		"quality":        fp.Quality,
		"timeliness":     fp.Timeliness,
		"metadata":       fp.Metadata,
		"chunk_count":    float64(fp.ChunkCount),
		"token_count":    float64(fp.TokenCount),
	}, pipeline.ArtifactSpec{
		Type:        catalog.ArtifactJSON,
		Name:        "fingerprint.json",
		DisplayName: "Readiness fingerprint",
		BlobBucket:  blob.BucketReport,
		BlobKey:     key,
		SizeBytes:   res.SizeBytes,
	})
}
