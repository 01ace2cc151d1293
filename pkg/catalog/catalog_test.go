package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-data/foundry/pkg/quality"
)

// backends returns every Catalog implementation the suite runs against.
func backends(t *testing.T) map[string]Catalog {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Catalog{
		"memory": NewMemoryCatalog(),
		"sqlite": sq,
	}
}

func seedProduct(t *testing.T, ctx context.Context, c Catalog) *Product {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	ws := &Workspace{ID: uuid.NewString(), Name: "acme", CreatedAt: now}
	require.NoError(t, c.CreateWorkspace(ctx, ws))
	p := &Product{
		ID:             uuid.NewString(),
		WorkspaceID:    ws.ID,
		Name:           "support-kb",
		Status:         ProductDraft,
		ChunkingConfig: DefaultChunkingConfig(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, c.CreateProduct(ctx, p))
	return p
}

func registerFile(t *testing.T, ctx context.Context, c Catalog, p *Product, version int, stem string, status RawFileStatus) *RawFile {
	t.Helper()
	rf := &RawFile{
		ID:          uuid.NewString(),
		WorkspaceID: p.WorkspaceID,
		ProductID:   p.ID,
		Version:     version,
		FileStem:    stem,
		Filename:    stem + ".pdf",
		Status:      status,
		IngestedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, c.RegisterRawFile(ctx, rf))
	return rf
}

func TestProductLifecycle(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := seedProduct(t, ctx, c)

			got, err := c.GetProduct(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, p.Name, got.Name)
			assert.Equal(t, ProductDraft, got.Status)
			assert.Equal(t, 512, got.ChunkingConfig.MaxTokens)

			// Name is unique per workspace.
			dup := *p
			dup.ID = uuid.NewString()
			err = c.CreateProduct(ctx, &dup)
			assert.ErrorIs(t, err, ErrNameConflict)

			got.Status = ProductReady
			promoted := 2
			got.PromotedVersion = &promoted
			require.NoError(t, c.UpdateProduct(ctx, got))
			got, err = c.GetProduct(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, ProductReady, got.Status)
			require.NotNil(t, got.PromotedVersion)
			assert.Equal(t, 2, *got.PromotedVersion)

			list, err := c.ListProducts(ctx, p.WorkspaceID)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			_, err = c.GetProduct(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestVersionAllocationAndFinalize(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := seedProduct(t, ctx, c)

			// Allocation does not bump current_version by itself.
			v, err := c.AllocateIngestVersion(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, v)
			v2, err := c.AllocateIngestVersion(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, v2, "allocation without finalize must not advance the version")

			registerFile(t, ctx, c, p, v, "handbook", RawIngesting)
			registerFile(t, ctx, c, p, v, "faq", RawIngesting)

			// Duplicate (product, version, stem) is rejected.
			dup := &RawFile{
				ID: uuid.NewString(), WorkspaceID: p.WorkspaceID, ProductID: p.ID,
				Version: v, FileStem: "handbook", Filename: "handbook.pdf",
				Status: RawIngesting, IngestedAt: time.Now().UTC(),
			}
			assert.ErrorIs(t, c.RegisterRawFile(ctx, dup), ErrDuplicateKey)

			require.NoError(t, c.FinalizeIngest(ctx, p.ID, v))

			got, err := c.GetProduct(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, got.CurrentVersion)

			files, err := c.ListRawFiles(ctx, p.ID, v)
			require.NoError(t, err)
			require.Len(t, files, 2)
			for _, f := range files {
				assert.Equal(t, RawIngested, f.Status)
			}

			next, err := c.AllocateIngestVersion(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, next)
		})
	}
}

func TestResolvePipelineVersion(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := seedProduct(t, ctx, c)

			_, err := c.ResolvePipelineVersion(ctx, p.ID, 0)
			assert.ErrorIs(t, err, ErrNoRawFiles)

			registerFile(t, ctx, c, p, 1, "a", RawProcessed)
			registerFile(t, ctx, c, p, 2, "b", RawIngested)
			registerFile(t, ctx, c, p, 3, "c", RawIngesting)

			// Auto: latest version with INGESTED or FAILED files. Version 3 is
			// still mid-ingest and must not be picked.
			v, err := c.ResolvePipelineVersion(ctx, p.ID, 0)
			require.NoError(t, err)
			assert.Equal(t, 2, v)

			// Explicit: PROCESSED versions stay targetable for re-runs.
			v, err = c.ResolvePipelineVersion(ctx, p.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, 1, v)

			// Explicit miss carries the available versions.
			_, err = c.ResolvePipelineVersion(ctx, p.ID, 9)
			var nf *NoRawFilesForVersionError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, 9, nf.RequestedVersion)
			assert.Equal(t, 2, nf.LatestIngested)
			assert.Equal(t, []int{1, 2}, nf.AvailableVersions)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := seedProduct(t, ctx, c)
			now := time.Now().UTC().Truncate(time.Millisecond)

			run := &PipelineRun{
				ID: uuid.NewString(), WorkspaceID: p.WorkspaceID, ProductID: p.ID,
				Version: 1, TriggerReason: "manual",
			}
			require.NoError(t, c.BeginRun(ctx, run))
			assert.Equal(t, RunQueued, run.Status)

			// Second run for the same (product, version) is rejected while
			// the first is active.
			again := &PipelineRun{ID: uuid.NewString(), WorkspaceID: p.WorkspaceID, ProductID: p.ID, Version: 1}
			assert.ErrorIs(t, c.BeginRun(ctx, again), ErrRunAlreadyActive)

			// CAS transition: wrong from-state is rejected.
			err := c.TransitionRun(ctx, run.ID, RunRunning, RunSucceeded, now)
			assert.ErrorIs(t, err, ErrStateMismatch)

			require.NoError(t, c.TransitionRun(ctx, run.ID, RunQueued, RunRunning, now))
			got, err := c.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, RunRunning, got.Status)
			require.NotNil(t, got.StartedAt)
			assert.Nil(t, got.FinishedAt)

			require.NoError(t, c.RequestCancel(ctx, run.ID))
			got, err = c.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.True(t, got.CancelRequested)

			require.NoError(t, c.TransitionRun(ctx, run.ID, RunRunning, RunCancelled, now))
			got, err = c.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, RunCancelled, got.Status)
			require.NotNil(t, got.FinishedAt)

			// Version is free again once the run is terminal.
			require.NoError(t, c.BeginRun(ctx, again))

			ok, err := c.HasSucceededRun(ctx, p.ID, 1)
			require.NoError(t, err)
			assert.False(t, ok)
			require.NoError(t, c.TransitionRun(ctx, again.ID, RunQueued, RunRunning, now))
			require.NoError(t, c.TransitionRun(ctx, again.ID, RunRunning, RunSucceeded, now))
			ok, err = c.HasSucceededRun(ctx, p.ID, 1)
			require.NoError(t, err)
			assert.True(t, ok)

			runs, err := c.ListRuns(ctx, p.ID)
			require.NoError(t, err)
			assert.Len(t, runs, 2)
		})
	}
}

func TestStagePatchSemantics(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := seedProduct(t, ctx, c)
			run := &PipelineRun{ID: uuid.NewString(), WorkspaceID: p.WorkspaceID, ProductID: p.ID, Version: 1}
			require.NoError(t, c.BeginRun(ctx, run))

			now := time.Now().UTC().Truncate(time.Millisecond)
			running := StageRunning
			require.NoError(t, c.UpsertStage(ctx, run.ID, "preprocess", StagePatch{
				Status:    &running,
				StartedAt: &now,
				Metrics:   map[string]float64{"files_total": 3},
			}))

			// Partial patch: status and metrics merge, started_at untouched.
			done := StageSucceeded
			finished := now.Add(2 * time.Second)
			require.NoError(t, c.UpsertStage(ctx, run.ID, "preprocess", StagePatch{
				Status:     &done,
				FinishedAt: &finished,
				Metrics:    map[string]float64{"chunks_total": 120},
			}))

			stages, err := c.ListStages(ctx, run.ID)
			require.NoError(t, err)
			require.Len(t, stages, 1)
			se := stages[0]
			assert.Equal(t, StageSucceeded, se.Status)
			require.NotNil(t, se.StartedAt)
			assert.Equal(t, now.Unix(), se.StartedAt.Unix())
			assert.Equal(t, float64(3), se.Metrics["files_total"])
			assert.Equal(t, float64(120), se.Metrics["chunks_total"])

			require.NoError(t, c.UpsertStage(ctx, run.ID, "scoring", StagePatch{Status: &running}))
			stages, err = c.ListStages(ctx, run.ID)
			require.NoError(t, err)
			require.Len(t, stages, 2)
			assert.Equal(t, "preprocess", stages[0].StageName, "stages keep insertion order")

			err = c.UpsertStage(ctx, "no-such-run", "preprocess", StagePatch{Status: &running})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestArtifactsAndChunks(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := seedProduct(t, ctx, c)
			run := &PipelineRun{ID: uuid.NewString(), WorkspaceID: p.WorkspaceID, ProductID: p.ID, Version: 1}
			require.NoError(t, c.BeginRun(ctx, run))
			now := time.Now().UTC().Truncate(time.Millisecond)

			a := &Artifact{
				ID: uuid.NewString(), RunID: run.ID, StageName: "preprocess",
				Type: ArtifactJSONL, Name: "chunks.jsonl",
				BlobBucket: "clean", BlobKey: p.ID + "/v1/chunks.jsonl",
				SizeBytes: 1024, CreatedAt: now,
			}
			require.NoError(t, c.InsertArtifact(ctx, a))
			got, err := c.GetArtifact(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, ArtifactJSONL, got.Type)
			list, err := c.ListArtifacts(ctx, run.ID)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			rows := []*ChunkMetadata{
				{ID: uuid.NewString(), ProductID: p.ID, Version: 1, ChunkID: "c-001", SourceFile: "a.pdf", Section: "intro", CreatedAt: now},
				{ID: uuid.NewString(), ProductID: p.ID, Version: 1, ChunkID: "c-002", SourceFile: "a.pdf", Section: "body", CreatedAt: now},
			}
			require.NoError(t, c.UpsertChunkMetadata(ctx, rows))

			// Upsert replaces on (product, version, chunk_id).
			score := 0.92
			rows[0].Score = &score
			require.NoError(t, c.UpsertChunkMetadata(ctx, rows[:1]))

			out, err := c.QueryChunks(ctx, ChunkQuery{ProductID: p.ID, Version: 1})
			require.NoError(t, err)
			require.Len(t, out, 2)
			require.NotNil(t, out[0].Score)
			assert.InDelta(t, 0.92, *out[0].Score, 1e-9)

			out, err = c.QueryChunks(ctx, ChunkQuery{ProductID: p.ID, Section: "body"})
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, "c-002", out[0].ChunkID)

			out, err = c.QueryChunks(ctx, ChunkQuery{ProductID: p.ID, Limit: 1, Offset: 1})
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, "c-002", out[0].ChunkID)
		})
	}
}

func TestRuleSetsAndViolations(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := seedProduct(t, ctx, c)

			// Products without a stored rule set fall back to the defaults.
			rs, err := c.GetEffectiveRuleSet(ctx, p.ID)
			require.NoError(t, err)
			assert.NotEmpty(t, rs.Rules)

			custom := &quality.RuleSet{
				ProductID: p.ID,
				Rules: []quality.Rule{{
					Name: "dupes", Type: quality.RuleDuplicateRate,
					Severity: quality.SeverityError, Enabled: true, MaxRatio: 0.05,
				}},
			}
			require.NoError(t, c.PutRuleSet(ctx, custom))
			assert.Equal(t, 1, custom.Version)
			require.NoError(t, c.PutRuleSet(ctx, custom))
			assert.Equal(t, 2, custom.Version, "rule set versions are monotonic")

			rs, err = c.GetEffectiveRuleSet(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, rs.Version)
			require.Len(t, rs.Rules, 1)
			assert.Equal(t, "dupes", rs.Rules[0].Name)

			run := &PipelineRun{ID: uuid.NewString(), WorkspaceID: p.WorkspaceID, ProductID: p.ID, Version: 1}
			require.NoError(t, c.BeginRun(ctx, run))
			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, c.InsertViolations(ctx, []*quality.Violation{{
				ID: uuid.NewString(), RunID: run.ID, RuleName: "dupes",
				RuleType: quality.RuleDuplicateRate, Severity: quality.SeverityError,
				Message:       "duplicate chunk rate 0.40 exceeds 0.05",
				AffectedCount: 4, TotalCount: 10, ViolationRate: 0.4, CreatedAt: now,
			}}))

			vs, err := c.ListViolations(ctx, p.ID, 1)
			require.NoError(t, err)
			require.Len(t, vs, 1)
			assert.Equal(t, quality.SeverityError, vs[0].Severity)

			vs, err = c.ListViolations(ctx, p.ID, 99)
			require.NoError(t, err)
			assert.Empty(t, vs)
		})
	}
}

func TestDeleteProductCascade(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := seedProduct(t, ctx, c)
			registerFile(t, ctx, c, p, 1, "doc", RawIngested)
			run := &PipelineRun{ID: uuid.NewString(), WorkspaceID: p.WorkspaceID, ProductID: p.ID, Version: 1}
			require.NoError(t, c.BeginRun(ctx, run))

			// Active run blocks deletion.
			assert.ErrorIs(t, c.DeleteProduct(ctx, p.ID), ErrActiveRun)

			now := time.Now().UTC()
			require.NoError(t, c.TransitionRun(ctx, run.ID, RunQueued, RunRunning, now))
			require.NoError(t, c.TransitionRun(ctx, run.ID, RunRunning, RunFailed, now))
			require.NoError(t, c.DeleteProduct(ctx, p.ID))

			_, err := c.GetProduct(ctx, p.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = c.GetRun(ctx, run.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			files, err := c.ListRawFiles(ctx, p.ID, 1)
			require.NoError(t, err)
			assert.Empty(t, files)
		})
	}
}

func TestNoRawFilesErrorTaxonomy(t *testing.T) {
	err := error(&NoRawFilesForVersionError{ProductID: "p", RequestedVersion: 3})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "version 3")
}
