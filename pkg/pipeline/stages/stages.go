// Package stages implements the nine steps of the preparation DAG. Each stage
// reads and extends the run blackboard; stage-level failure semantics follow
// the partial-failure policy of its step.
package stages

import (
	"context"
	"fmt"

	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/embeddings"
	"github.com/foundry-data/foundry/pkg/pipeline"
	"github.com/foundry-data/foundry/pkg/quality"
)

// UsageRecorder settles embedded-chunk usage against the workspace quota.
// Recording happens after the upsert; failures are tolerated (the vectors
// are already durable) and surface in the stage log only.
type UsageRecorder interface {
	RecordEmbeddedChunks(ctx context.Context, workspaceID string, n int64) error
}

// Services bundles the dependencies stages draw on. Constructed once at
// startup, no process-wide singletons.
type Services struct {
	Embedder embeddings.Embedder
	Vectors  pipeline.VectorSink
	// Usage is optional; nil skips usage settlement.
	Usage UsageRecorder
	// IndexingFailureThreshold is the tolerated per-chunk embedding failure
	// ratio before the indexing stage fails. Default 0.05.
	IndexingFailureThreshold float64
	// IndexingConcurrency bounds the embedding worker pool. Default 8.
	IndexingConcurrency int
}

// All returns the stage set in DAG order.
func All(svc Services) []pipeline.Stage {
	if svc.IndexingFailureThreshold <= 0 {
		svc.IndexingFailureThreshold = 0.05
	}
	if svc.IndexingConcurrency <= 0 {
		svc.IndexingConcurrency = 8
	}
	return []pipeline.Stage{
		&Preprocess{},
		&Scoring{},
		&Fingerprint{},
		&Validation{},
		&Policy{},
		&Reporting{},
		&Indexing{
			Embedder:    svc.Embedder,
			Vectors:     svc.Vectors,
			Usage:       svc.Usage,
			Threshold:   svc.IndexingFailureThreshold,
			Concurrency: svc.IndexingConcurrency,
		},
		&ValidateQuality{Vectors: svc.Vectors},
		&Finalize{},
	}
}

func succeeded(metrics map[string]float64, artifacts ...pipeline.ArtifactSpec) *pipeline.StageResult {
	return &pipeline.StageResult{Status: catalog.StageSucceeded, Metrics: metrics, Artifacts: artifacts}
}

func failed(err error, metrics map[string]float64) *pipeline.StageResult {
	return &pipeline.StageResult{Status: catalog.StageFailed, Metrics: metrics, Err: err}
}

// versionPrefix is the conventional key prefix for a product version.
func versionPrefix(bb *pipeline.Blackboard) string {
	return fmt.Sprintf("%s/%s/%d", bb.WorkspaceID, bb.ProductID, bb.Version)
}

// fileInfos converts raw files plus chunk counts into the evaluator's view.
func fileInfos(bb *pipeline.Blackboard) []quality.FileInfo {
	perFile := make(map[string]int)
	for _, c := range bb.Chunks {
		perFile[c.SourceFile]++
	}
	out := make([]quality.FileInfo, 0, len(bb.Files))
	for _, f := range bb.Files {
		out = append(out, quality.FileInfo{
			Filename:   f.Filename,
			SizeBytes:  f.SizeBytes,
			IngestedAt: f.IngestedAt,
			ChunkCount: perFile[f.Filename],
		})
	}
	return out
}

// chunkInfos is the evaluator's chunk view.
func chunkInfos(bb *pipeline.Blackboard) []quality.ChunkInfo {
	out := make([]quality.ChunkInfo, 0, len(bb.Chunks))
	for _, c := range bb.Chunks {
		out = append(out, quality.ChunkInfo{
			ChunkID:    c.ChunkID,
			SourceFile: c.SourceFile,
			Section:    c.Section,
			Text:       c.Text,
		})
	}
	return out
}
