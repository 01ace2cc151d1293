// Package pipeline runs the fixed preparation DAG against a product version:
// preprocess → scoring → fingerprint → validation → policy → reporting →
// indexing → validate_quality → finalize.
package pipeline

import (
	"context"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/embeddings"
	"github.com/foundry-data/foundry/pkg/fingerprint"
	"github.com/foundry-data/foundry/pkg/playbook"
	"github.com/foundry-data/foundry/pkg/quality"
)

// Stage names, in the only admissible execution order. The DAG is a path;
// parallel branches would fan out from scoring if they ever land.
const (
	StagePreprocess      = "preprocess"
	StageScoring         = "scoring"
	StageFingerprint     = "fingerprint"
	StageValidation      = "validation"
	StagePolicy          = "policy"
	StageReporting       = "reporting"
	StageIndexing        = "indexing"
	StageValidateQuality = "validate_quality"
	StageFinalize        = "finalize"
)

// DAGOrder is the compile-time stage order.
var DAGOrder = []string{
	StagePreprocess,
	StageScoring,
	StageFingerprint,
	StageValidation,
	StagePolicy,
	StageReporting,
	StageIndexing,
	StageValidateQuality,
	StageFinalize,
}

// ArtifactSpec is a stage-produced artifact already written to the blob store;
// the orchestrator records the catalog row.
type ArtifactSpec struct {
	Type        catalog.ArtifactType
	Name        string
	DisplayName string
	BlobBucket  string
	BlobKey     string
	SizeBytes   int64
}

// StageResult is the uniform stage outcome. Metrics are ratios in [0,1] or
// counts with a _total/_count suffix; readers never re-normalize.
type StageResult struct {
	Status    catalog.StageStatus
	Metrics   map[string]float64
	Artifacts []ArtifactSpec
	// Err carries the stage-level failure; per-item errors stay in metrics.
	Err error
}

// Stage is one step of the DAG.
type Stage interface {
	Name() string
	Run(ctx context.Context, bb *Blackboard) *StageResult
	// TerminalOnFailure reports whether a FAILED result stops the DAG.
	TerminalOnFailure() bool
}

// Blackboard carries the typed outputs each stage may read, plus handles to
// the shared stores. One instance per run; stages mutate it in DAG order only.
type Blackboard struct {
	RunID       string
	WorkspaceID string
	ProductID   string
	Version     int

	Product  *catalog.Product
	Playbook *playbook.Playbook

	Catalog catalog.Catalog
	Blob    blob.Store

	// CancelRequested is the in-process observable of the durable cancel
	// flag. Long stage loops poll it; the orchestrator checks it between
	// stages regardless.
	CancelRequested func() bool

	// Stage outputs, populated in DAG order.
	Files       []*catalog.RawFile        // preprocess
	Chunks      []playbook.Chunk          // preprocess
	ChunksKey   string                    // preprocess: clean-bucket JSONL key
	Scores      []fingerprint.ChunkScores // scoring
	Fingerprint *fingerprint.Fingerprint  // fingerprint
	Policy      *quality.Result           // policy
	Embedded    int                       // indexing: vectors written
	EmbedErrors int                       // indexing: per-chunk failures
	EmbedDims   int                       // indexing
}

// VectorSink abstracts the retrieval store for the indexing stage.
type VectorSink interface {
	Upsert(ctx context.Context, vectors []embeddings.ChunkVector) error
	Count(ctx context.Context, productID string, version int) (int, error)
}
