package stages

import (
	"context"
	"fmt"

	"github.com/foundry-data/foundry/pkg/pipeline"
)

// ValidateQuality cross-checks indexing completeness: the vector store must
// hold as many vectors for the (product, version) as the stage reported
// writing, and dimensions must be consistent.
type ValidateQuality struct {
	Vectors pipeline.VectorSink
}

func (*ValidateQuality) Name() string            { return pipeline.StageValidateQuality }
func (*ValidateQuality) TerminalOnFailure() bool { return true }

func (s *ValidateQuality) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	stored, err := s.Vectors.Count(ctx, bb.ProductID, bb.Version)
	if err != nil {
		return failed(fmt.Errorf("count vectors: %w", err), nil)
	}

	total := len(bb.Chunks)
	successRatio := 0.0
	if total > 0 {
		successRatio = float64(bb.Embedded) / float64(total)
	}
	metrics := map[string]float64{
		"chunks_total":            float64(total),
		"vectors_stored":          float64(stored),
		"embedding_success_ratio": successRatio,
		"vector_dims":             float64(bb.EmbedDims),
	}

	if stored < bb.Embedded {
		return failed(fmt.Errorf("vector store holds %d vectors, indexing wrote %d", stored, bb.Embedded), metrics)
	}
	if bb.EmbedDims <= 0 {
		return failed(fmt.Errorf("inconsistent vector dimensions: %d", bb.EmbedDims), metrics)
	}
	return succeeded(metrics)
}
