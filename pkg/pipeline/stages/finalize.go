package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/fingerprint"
	"github.com/foundry-data/foundry/pkg/pipeline"
)

// Finalize settles state: raw files flip to PROCESSED, the product's promoted
// version advances, chunk metadata lands in the catalog for per-chunk
// drill-down, and the run summary lands in the report bucket. It never fails;
// settlement errors are recorded in metrics and logged upstream.
type Finalize struct{}

func (*Finalize) Name() string            { return pipeline.StageFinalize }
func (*Finalize) TerminalOnFailure() bool { return false }

func (s *Finalize) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	now := time.Now().UTC()
	metrics := map[string]float64{
		"files_processed":   0,
		"chunks_catalogued": 0,
		"settlement_errors": 0,
	}

	for _, rf := range bb.Files {
		rf.Status = catalog.RawProcessed
		rf.ProcessedAt = &now
		if err := bb.Catalog.UpdateRawFile(ctx, rf); err != nil {
			metrics["settlement_errors"]++
			continue
		}
		metrics["files_processed"]++
	}

	if p, err := bb.Catalog.GetProduct(ctx, bb.ProductID); err == nil {
		v := bb.Version
		if p.PromotedVersion == nil || *p.PromotedVersion < v {
			p.PromotedVersion = &v
			if err := bb.Catalog.UpdateProduct(ctx, p); err != nil {
				metrics["settlement_errors"]++
			}
		}
	} else {
		metrics["settlement_errors"]++
	}

	if len(bb.Chunks) > 0 {
		weights := fingerprint.DefaultWeights()
		scoreByChunk := make(map[string]float64, len(bb.Scores))
		for _, sc := range bb.Scores {
			scoreByChunk[sc.ChunkID] = weights.Composite(sc)
		}
		rows := make([]*catalog.ChunkMetadata, 0, len(bb.Chunks))
		for _, c := range bb.Chunks {
			row := &catalog.ChunkMetadata{
				ID:         uuid.NewString(),
				ProductID:  bb.ProductID,
				Version:    bb.Version,
				ChunkID:    c.ChunkID,
				SourceFile: c.SourceFile,
				Section:    c.Section,
				CreatedAt:  now,
			}
			if score, ok := scoreByChunk[c.ChunkID]; ok {
				row.Score = &score
			}
			rows = append(rows, row)
		}
		if err := bb.Catalog.UpsertChunkMetadata(ctx, rows); err != nil {
			metrics["settlement_errors"]++
		} else {
			metrics["chunks_catalogued"] = float64(len(rows))
		}
	}

	summary := map[string]any{
		"run_id":      bb.RunID,
		"product_id":  bb.ProductID,
		"version":     bb.Version,
		"finished_at": now,
		"chunks":      len(bb.Chunks),
		"embedded":    bb.Embedded,
	}
	if bb.Fingerprint != nil {
		summary["ai_trust_score"] = bb.Fingerprint.AITrustScore
	}
	if bb.Policy != nil {
		summary["policy_verdict"] = bb.Policy.Verdict
	}

	var artifacts []pipeline.ArtifactSpec
	if data, err := json.MarshalIndent(summary, "", "  "); err == nil {
		key := versionPrefix(bb) + "/summary.json"
		if put, err := bb.Blob.Put(ctx, blob.BucketReport, key, bytes.NewReader(data), "application/json"); err == nil {
			artifacts = append(artifacts, pipeline.ArtifactSpec{
				Type:        catalog.ArtifactJSON,
				Name:        "summary.json",
				DisplayName: "Run summary",
				BlobBucket:  blob.BucketReport,
				BlobKey:     key,
				SizeBytes:   put.SizeBytes,
			})
		} else {
			metrics["settlement_errors"]++
		}
	} else {
		metrics["settlement_errors"]++
	}

	return succeeded(metrics, artifacts...)
}
