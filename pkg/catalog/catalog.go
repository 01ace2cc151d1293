package catalog

import (
	"context"
	"time"

	"github.com/foundry-data/foundry/pkg/quality"
)

// Catalog is the contract between ingestion, the orchestrator and the API.
// Implementations must make the multi-row transitions atomic: version
// allocation, finalize and begin-run lock the owning product row.
type Catalog interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, w *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)

	// Products
	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context, workspaceID string) ([]*Product, error)
	UpdateProduct(ctx context.Context, p *Product) error
	// DeleteProduct cascades to data sources, raw files, runs, stages,
	// artifacts, chunk metadata and rules. Fails ErrActiveRun while a run
	// is QUEUED or RUNNING.
	DeleteProduct(ctx context.Context, id string) error

	// Data sources
	CreateDataSource(ctx context.Context, ds *DataSource) error
	GetDataSource(ctx context.Context, id string) (*DataSource, error)
	ListDataSources(ctx context.Context, productID string) ([]*DataSource, error)

	// Raw-file catalog / version coordination
	//
	// AllocateIngestVersion returns current_version+1 without committing the
	// bump; FinalizeIngest applies it together with the INGESTING→INGESTED
	// flip for that version.
	AllocateIngestVersion(ctx context.Context, productID string) (int, error)
	RegisterRawFile(ctx context.Context, rf *RawFile) error
	UpdateRawFile(ctx context.Context, rf *RawFile) error
	FinalizeIngest(ctx context.Context, productID string, version int) error
	ListRawFiles(ctx context.Context, productID string, version int) ([]*RawFile, error)
	ListRawFileVersions(ctx context.Context, productID string) ([]int, error)

	// ResolvePipelineVersion resolves the version a run operates on.
	// explicitVersion <= 0 means auto-resolve (latest with INGESTED or
	// FAILED files). Fails ErrNoRawFiles / *NoRawFilesForVersionError.
	ResolvePipelineVersion(ctx context.Context, productID string, explicitVersion int) (int, error)

	// Pipeline runs
	BeginRun(ctx context.Context, run *PipelineRun) error
	GetRun(ctx context.Context, runID string) (*PipelineRun, error)
	ListRuns(ctx context.Context, productID string) ([]*PipelineRun, error)
	// TransitionRun is a compare-and-set on run status; ErrStateMismatch
	// when the current status differs from from.
	TransitionRun(ctx context.Context, runID string, from, to RunStatus, now time.Time) error
	RequestCancel(ctx context.Context, runID string) error
	// HasSucceededRun reports whether a SUCCEEDED run exists for the pair.
	HasSucceededRun(ctx context.Context, productID string, version int) (bool, error)

	// Stage executions
	UpsertStage(ctx context.Context, runID, stageName string, patch StagePatch) error
	ListStages(ctx context.Context, runID string) ([]*StageExecution, error)

	// Artifacts
	InsertArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error)

	// Chunk metadata
	UpsertChunkMetadata(ctx context.Context, rows []*ChunkMetadata) error
	QueryChunks(ctx context.Context, q ChunkQuery) ([]*ChunkMetadata, error)

	// Quality rules and violations
	PutRuleSet(ctx context.Context, rs *quality.RuleSet) error
	GetEffectiveRuleSet(ctx context.Context, productID string) (*quality.RuleSet, error)
	InsertViolations(ctx context.Context, vs []*quality.Violation) error
	ListViolations(ctx context.Context, productID string, version int) ([]*quality.Violation, error)

	// Ping verifies catalog availability.
	Ping(ctx context.Context) error
}
