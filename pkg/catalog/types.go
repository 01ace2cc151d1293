// Package catalog is the transactional source of truth for products, data
// sources, raw files, pipeline runs, stage executions, artifacts and chunk
// metadata. All processing components read and mutate state through it.
package catalog

import "time"

// Workspace is the tenant boundary. Every other entity references exactly one.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ProductStatus reflects the outcome of the latest pipeline run.
type ProductStatus string

const (
	ProductDraft   ProductStatus = "DRAFT"
	ProductRunning ProductStatus = "RUNNING"
	ProductReady   ProductStatus = "READY"
	ProductFailed  ProductStatus = "FAILED"
)

// Product is a tenant-owned collection of data sources and the processed
// artifacts derived from them, versioned as a unit.
type Product struct {
	ID              string         `json:"id"`
	WorkspaceID     string         `json:"workspace_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Status          ProductStatus  `json:"status"`
	CurrentVersion  int            `json:"current_version"`
	PromotedVersion *int           `json:"promoted_version,omitempty"`
	ChunkingConfig  ChunkingConfig `json:"chunking_config"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ChunkingConfig controls how the preprocess stage slices documents.
type ChunkingConfig struct {
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens"`
	Overlap      int    `json:"overlap" yaml:"overlap"`
	SplitOn      string `json:"split_on" yaml:"split_on"` // "sentence" | "paragraph" | "page"
	PlaybookName string `json:"playbook_name,omitempty" yaml:"playbook_name,omitempty"`
}

// DefaultChunkingConfig is applied to products created without one.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{MaxTokens: 512, Overlap: 64, SplitOn: "sentence"}
}

// DataSourceType discriminates connector configurations.
type DataSourceType string

const (
	SourceWeb      DataSourceType = "WEB"
	SourceFolder   DataSourceType = "FOLDER"
	SourceDatabase DataSourceType = "DATABASE"
)

// DataSource describes how to pull raw bytes for a product. The config is
// opaque to the catalog; connectors interpret it per type.
type DataSource struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	ProductID   string         `json:"product_id"`
	Type        DataSourceType `json:"type"`
	Config      map[string]any `json:"config"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RawFileStatus is the raw-file lifecycle state.
type RawFileStatus string

const (
	RawIngesting  RawFileStatus = "INGESTING"
	RawIngested   RawFileStatus = "INGESTED"
	RawProcessing RawFileStatus = "PROCESSING"
	RawProcessed  RawFileStatus = "PROCESSED"
	RawFailed     RawFileStatus = "FAILED"
	RawDeleted    RawFileStatus = "DELETED"
)

// RawFile is one ingested source item: stored once in the blob store and once
// as a catalog row. (product_id, version, file_stem) is unique.
type RawFile struct {
	ID           string        `json:"id"`
	WorkspaceID  string        `json:"workspace_id"`
	ProductID    string        `json:"product_id"`
	DataSourceID string        `json:"data_source_id"`
	Version      int           `json:"version"`
	FileStem     string        `json:"file_stem"`
	Filename     string        `json:"filename"`
	ContentType  string        `json:"content_type"`
	SizeBytes    int64         `json:"size_bytes"`
	Checksum     string        `json:"checksum"`
	BlobBucket   string        `json:"blob_bucket"`
	BlobKey      string        `json:"blob_key"`
	ETag         string        `json:"etag"`
	Status       RawFileStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	IngestedAt   time.Time     `json:"ingested_at"`
	ProcessedAt  *time.Time    `json:"processed_at,omitempty"`
}

// RunStatus is the pipeline-run lifecycle state.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transition.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// PipelineRun is one execution of the stage DAG against a product version.
type PipelineRun struct {
	ID              string         `json:"id"`
	WorkspaceID     string         `json:"workspace_id"`
	ProductID       string         `json:"product_id"`
	Version         int            `json:"version"`
	Status          RunStatus      `json:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	ConfigSnapshot  map[string]any `json:"config_snapshot,omitempty"`
	TriggerReason   string         `json:"trigger_reason,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
}

// StageStatus is the per-stage lifecycle state within a run.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"
	StageSkipped   StageStatus = "SKIPPED"
)

// StageExecution records one stage's outcome and metrics for a run.
// (run_id, stage_name) is unique.
type StageExecution struct {
	RunID        string             `json:"run_id"`
	StageName    string             `json:"stage_name"`
	Status       StageStatus        `json:"status"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// StagePatch is a partial update applied to a StageExecution. Nil fields are
// left untouched; Metrics are merged key-by-key.
type StagePatch struct {
	Status       *StageStatus
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Metrics      map[string]float64
	ErrorMessage *string
}

// ArtifactType classifies stored pipeline outputs.
type ArtifactType string

const (
	ArtifactJSON   ArtifactType = "JSON"
	ArtifactJSONL  ArtifactType = "JSONL"
	ArtifactCSV    ArtifactType = "CSV"
	ArtifactPDF    ArtifactType = "PDF"
	ArtifactVector ArtifactType = "VECTOR"
	ArtifactReport ArtifactType = "REPORT"
)

// Artifact is a blob-backed output produced by a stage.
type Artifact struct {
	ID          string       `json:"id"`
	RunID       string       `json:"run_id"`
	StageName   string       `json:"stage_name"`
	Type        ArtifactType `json:"artifact_type"`
	Name        string       `json:"name"`
	DisplayName string       `json:"display_name,omitempty"`
	BlobBucket  string       `json:"blob_bucket"`
	BlobKey     string       `json:"blob_key"`
	SizeBytes   int64        `json:"size_bytes"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ChunkMetadata is the denormalized per-chunk index backing drill-down queries.
type ChunkMetadata struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"product_id"`
	Version    int       `json:"version"`
	ChunkID    string    `json:"chunk_id"`
	SourceFile string    `json:"source_file"`
	PageNumber *int      `json:"page_number,omitempty"`
	Section    string    `json:"section,omitempty"`
	FieldName  string    `json:"field_name,omitempty"`
	Score      *float64  `json:"score,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkQuery filters chunk metadata listings. Limit is capped by the store.
type ChunkQuery struct {
	ProductID string
	Version   int
	Section   string
	FieldName string
	Limit     int
	Offset    int
}

// MaxChunkPageSize caps a single chunk metadata page.
const MaxChunkPageSize = 500
