package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/embeddings"
	"github.com/foundry-data/foundry/pkg/pipeline"
	"github.com/foundry-data/foundry/pkg/pipeline/stages"
	"github.com/foundry-data/foundry/pkg/playbook"
)

type fixture struct {
	cat   catalog.Catalog
	store blob.Store
	vecs  *embeddings.MemoryVectorStore
	orch  *pipeline.Orchestrator
	prod  *catalog.Product
}

func newFixture(t *testing.T, embedder embeddings.Embedder) *fixture {
	t.Helper()
	ctx := context.Background()
	cat := catalog.NewMemoryCatalog()
	store := blob.NewMemoryStore()
	vecs := embeddings.NewMemoryVectorStore()
	if embedder == nil {
		embedder = embeddings.NewHashEmbedder(8)
	}

	now := time.Now().UTC()
	ws := &catalog.Workspace{ID: uuid.NewString(), Name: "acme", CreatedAt: now}
	require.NoError(t, cat.CreateWorkspace(ctx, ws))
	prod := &catalog.Product{
		ID: uuid.NewString(), WorkspaceID: ws.ID, Name: "kb",
		Status: catalog.ProductDraft, ChunkingConfig: catalog.DefaultChunkingConfig(),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, cat.CreateProduct(ctx, prod))

	stageSet := stages.All(stages.Services{
		Embedder:            embedder,
		Vectors:             vecs,
		IndexingConcurrency: 2,
	})
	newBB := func(run *catalog.PipelineRun, p *catalog.Product, pb *playbook.Playbook) *pipeline.Blackboard {
		return &pipeline.Blackboard{
			RunID: run.ID, WorkspaceID: run.WorkspaceID,
			ProductID: run.ProductID, Version: run.Version,
			Product: p, Playbook: pb, Catalog: cat, Blob: store,
		}
	}
	orch, err := pipeline.NewOrchestrator(cat, stageSet, newBB, pipeline.Config{
		Workers: 1, StageTimeout: 10 * time.Second,
	}, nil)
	require.NoError(t, err)

	return &fixture{cat: cat, store: store, vecs: vecs, orch: orch, prod: prod}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.orch.Stop()
	})
}

// ingestFixture registers raw files with matching blobs at the given version.
func (f *fixture) ingestFixture(t *testing.T, version int, docs map[string]string) {
	t.Helper()
	ctx := context.Background()
	for stem, text := range docs {
		key := fmt.Sprintf("%s/%s/%d/%s", f.prod.WorkspaceID, f.prod.ID, version, stem)
		res, err := f.store.Put(ctx, blob.BucketRaw, key, strings.NewReader(text), "text/plain")
		require.NoError(t, err)
		rf := &catalog.RawFile{
			ID: uuid.NewString(), WorkspaceID: f.prod.WorkspaceID, ProductID: f.prod.ID,
			Version: version, FileStem: stem, Filename: stem + ".txt",
			SizeBytes: res.SizeBytes, Checksum: res.Checksum, ETag: res.ETag,
			BlobBucket: blob.BucketRaw, BlobKey: key,
			Status: catalog.RawIngesting, IngestedAt: time.Now().UTC(),
		}
		require.NoError(t, f.cat.RegisterRawFile(ctx, rf))
	}
	require.NoError(t, f.cat.FinalizeIngest(ctx, f.prod.ID, version))
}

func (f *fixture) waitTerminal(t *testing.T, runID string) *catalog.PipelineRun {
	t.Helper()
	var run *catalog.PipelineRun
	require.Eventually(t, func() bool {
		var err error
		run, err = f.cat.GetRun(context.Background(), runID)
		return err == nil && run.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return run
}

const sampleDoc = `Widgets ship with a two year warranty. Returns are accepted within 30 days.
Support responds within one business day. Refunds are processed weekly.
The portal accepts CSV uploads. Large uploads are chunked automatically.`

func TestFullRunSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.ingestFixture(t, 1, map[string]string{"handbook": sampleDoc})

	res, err := f.orch.Trigger(context.Background(), f.prod.ID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, "auto", res.VersionSource)
	assert.Equal(t, "QUEUED", res.Status)

	run := f.waitTerminal(t, res.RunID)
	assert.Equal(t, catalog.RunSucceeded, run.Status)
	require.NotNil(t, run.FinishedAt)

	// Every DAG stage has an execution in SUCCEEDED (none skipped here).
	ctx := context.Background()
	execs, err := f.cat.ListStages(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, execs, len(pipeline.DAGOrder))
	for i, se := range execs {
		assert.Equal(t, pipeline.DAGOrder[i], se.StageName)
		assert.Equal(t, catalog.StageSucceeded, se.Status, se.StageName)
	}

	// Artifacts: chunks, fingerprint, policy, report, vectors, summary.
	arts, err := f.cat.ListArtifacts(ctx, res.RunID)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, a := range arts {
		names[a.Name] = true
		ok, err := f.store.Exists(ctx, a.BlobBucket, a.BlobKey)
		require.NoError(t, err)
		assert.True(t, ok, "artifact blob %s", a.Name)
	}
	for _, want := range []string{"chunks.jsonl", "fingerprint.json", "policy.json", "report.csv", "report.pdf", "vectors.bin", "summary.json"} {
		assert.True(t, names[want], "missing artifact %s", want)
	}

	// Chunk metadata is queryable for per-chunk drill-down.
	rows, err := f.cat.QueryChunks(ctx, catalog.ChunkQuery{ProductID: f.prod.ID, Version: 1})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, row := range rows {
		assert.NotEmpty(t, row.ChunkID)
		assert.Equal(t, "handbook.txt", row.SourceFile)
		require.NotNil(t, row.Score, "chunk %s has no score", row.ChunkID)
		assert.GreaterOrEqual(t, *row.Score, 0.0)
		assert.LessOrEqual(t, *row.Score, 1.0)
	}

	// Settlement: files PROCESSED, product READY with promoted version.
	files, err := f.cat.ListRawFiles(ctx, f.prod.ID, 1)
	require.NoError(t, err)
	for _, rf := range files {
		assert.Equal(t, catalog.RawProcessed, rf.Status)
		assert.NotNil(t, rf.ProcessedAt)
	}
	p, err := f.cat.GetProduct(ctx, f.prod.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ProductReady, p.Status)
	require.NotNil(t, p.PromotedVersion)
	assert.Equal(t, 1, *p.PromotedVersion)

	// Vectors reached the store.
	n, err := f.vecs.Count(ctx, f.prod.ID, 1)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestTriggerNoRawFiles(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Trigger(context.Background(), f.prod.ID, 0, false)
	assert.ErrorIs(t, err, catalog.ErrNoRawFiles)
}

func TestTriggerExplicitMiss(t *testing.T) {
	f := newFixture(t, nil)
	f.ingestFixture(t, 4, map[string]string{"doc": sampleDoc})
	f.start(t)

	_, err := f.orch.Trigger(context.Background(), f.prod.ID, 5, false)
	var nf *catalog.NoRawFilesForVersionError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []int{4}, nf.AvailableVersions)
	assert.Equal(t, 4, nf.LatestIngested)
}

func TestDoubleTriggerRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.ingestFixture(t, 1, map[string]string{"doc": sampleDoc})
	ctx := context.Background()

	r1, err := f.orch.Trigger(ctx, f.prod.ID, 0, false)
	require.NoError(t, err)

	// The second call either races the first run's completion or hits the
	// active-run guard; both preserve the single-active-run invariant.
	_, err = f.orch.Trigger(ctx, f.prod.ID, 0, false)
	if err != nil {
		ok := errors.Is(err, catalog.ErrRunAlreadyActive) || errors.Is(err, catalog.ErrAlreadySucceeded)
		assert.True(t, ok, "unexpected error: %v", err)
	}

	runs, err := f.cat.ListRuns(ctx, f.prod.ID)
	require.NoError(t, err)
	active := 0
	for _, r := range runs {
		if !r.Status.Terminal() {
			active++
		}
	}
	assert.LessOrEqual(t, active, 1)
	f.waitTerminal(t, r1.RunID)
}

func TestRetriggerRequiresForce(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.ingestFixture(t, 1, map[string]string{"doc": sampleDoc})
	ctx := context.Background()

	r1, err := f.orch.Trigger(ctx, f.prod.ID, 0, false)
	require.NoError(t, err)
	run := f.waitTerminal(t, r1.RunID)
	require.Equal(t, catalog.RunSucceeded, run.Status)

	_, err = f.orch.Trigger(ctx, f.prod.ID, 1, false)
	assert.ErrorIs(t, err, catalog.ErrAlreadySucceeded)

	r2, err := f.orch.Trigger(ctx, f.prod.ID, 1, true)
	require.NoError(t, err)
	assert.NotEqual(t, r1.RunID, r2.RunID, "retrigger mints a new run")
	f.waitTerminal(t, r2.RunID)
}

// flakyEmbedder fails a fixed fraction of chunks.
type flakyEmbedder struct {
	inner embeddings.Embedder
	mu    sync.Mutex
	n     int
	every int
}

func (e *flakyEmbedder) Dimensions() int { return e.inner.Dimensions() }
func (e *flakyEmbedder) Model() string   { return "flaky" }

func (e *flakyEmbedder) Embed(ctx context.Context, text string) (embeddings.Embedding, error) {
	e.mu.Lock()
	e.n++
	fail := e.n%e.every == 0
	e.mu.Unlock()
	if fail {
		return nil, errors.New("synthetic embedding failure")
	}
	return e.inner.Embed(ctx, text)
}

func TestIndexingFailureAboveThreshold(t *testing.T) {
	// Every 2nd embedding fails: ratio 0.5 >> default threshold 0.05.
	f := newFixture(t, &flakyEmbedder{inner: embeddings.NewHashEmbedder(8), every: 2})
	f.start(t)
	ctx := context.Background()

	// Tiny chunks so the batch is large enough for the ratio to bite.
	f.prod.ChunkingConfig = catalog.ChunkingConfig{MaxTokens: 10, Overlap: 0, SplitOn: "sentence"}
	require.NoError(t, f.cat.UpdateProduct(ctx, f.prod))
	f.ingestFixture(t, 1, map[string]string{"doc": sampleDoc})

	res, err := f.orch.Trigger(ctx, f.prod.ID, 0, false)
	require.NoError(t, err)
	run := f.waitTerminal(t, res.RunID)
	assert.Equal(t, catalog.RunFailed, run.Status)

	execs, err := f.cat.ListStages(ctx, res.RunID)
	require.NoError(t, err)
	byName := make(map[string]*catalog.StageExecution)
	for _, se := range execs {
		byName[se.StageName] = se
	}
	require.NotNil(t, byName[pipeline.StageIndexing])
	assert.Equal(t, catalog.StageFailed, byName[pipeline.StageIndexing].Status)
	assert.Contains(t, byName[pipeline.StageIndexing].ErrorMessage, "threshold")

	// Later stages never ran or were skipped.
	for _, later := range []string{pipeline.StageValidateQuality, pipeline.StageFinalize} {
		if se, ok := byName[later]; ok {
			assert.NotEqual(t, catalog.StageSucceeded, se.Status)
		}
	}

	p, err := f.cat.GetProduct(ctx, f.prod.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ProductFailed, p.Status)
}

func TestCancelBeforeExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.ingestFixture(t, 1, map[string]string{"doc": sampleDoc})
	ctx := context.Background()

	// Workers are not started yet, so the run is still QUEUED when the cancel
	// flag lands; execution then observes it at the first stage boundary.
	res, err := f.orch.Trigger(ctx, f.prod.ID, 0, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Cancel(ctx, res.RunID))
	f.start(t)

	run := f.waitTerminal(t, res.RunID)
	assert.Equal(t, catalog.RunCancelled, run.Status)

	// No stage started after the cancel flag can be SUCCEEDED.
	execs, err := f.cat.ListStages(ctx, res.RunID)
	require.NoError(t, err)
	for _, se := range execs {
		assert.NotEqual(t, catalog.StageSucceeded, se.Status, se.StageName)
	}
}

// gatedEmbedder signals entry and then blocks until released, pinning the run
// inside the indexing stage.
type gatedEmbedder struct {
	inner   embeddings.Embedder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEmbedder() *gatedEmbedder {
	return &gatedEmbedder{
		inner:   embeddings.NewHashEmbedder(8),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *gatedEmbedder) Dimensions() int { return e.inner.Dimensions() }
func (e *gatedEmbedder) Model() string   { return "gated" }

func (e *gatedEmbedder) Embed(ctx context.Context, text string) (embeddings.Embedding, error) {
	e.once.Do(func() { close(e.entered) })
	<-e.release
	return e.inner.Embed(ctx, text)
}

func TestCancelWhileStageRunning(t *testing.T) {
	emb := newGatedEmbedder()
	f := newFixture(t, emb)
	f.start(t)
	f.ingestFixture(t, 1, map[string]string{"doc": sampleDoc})
	ctx := context.Background()

	res, err := f.orch.Trigger(ctx, f.prod.ID, 0, false)
	require.NoError(t, err)

	select {
	case <-emb.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("indexing never reached the embedder")
	}

	// The run is pinned mid-indexing; the cancel flag lands now and is
	// observed at the next stage boundary.
	require.NoError(t, f.orch.Cancel(ctx, res.RunID))
	close(emb.release)

	run := f.waitTerminal(t, res.RunID)
	assert.Equal(t, catalog.RunCancelled, run.Status)

	execs, err := f.cat.ListStages(ctx, res.RunID)
	require.NoError(t, err)
	byName := make(map[string]*catalog.StageExecution)
	for _, se := range execs {
		byName[se.StageName] = se
	}
	// The boundary after indexing observes the flag: validate_quality is
	// SKIPPED and nothing later is SUCCEEDED.
	require.NotNil(t, byName[pipeline.StageValidateQuality])
	assert.Equal(t, catalog.StageSkipped, byName[pipeline.StageValidateQuality].Status)
	for _, later := range []string{pipeline.StageValidateQuality, pipeline.StageFinalize} {
		if se, ok := byName[later]; ok {
			assert.NotEqual(t, catalog.StageSucceeded, se.Status, later)
		}
	}
}

func TestCancelRestoresProductStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.ingestFixture(t, 1, map[string]string{"doc": sampleDoc})
	ctx := context.Background()

	// A prior version already promoted this product to READY.
	f.prod.Status = catalog.ProductReady
	require.NoError(t, f.cat.UpdateProduct(ctx, f.prod))

	res, err := f.orch.Trigger(ctx, f.prod.ID, 0, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Cancel(ctx, res.RunID))
	f.start(t)

	run := f.waitTerminal(t, res.RunID)
	require.Equal(t, catalog.RunCancelled, run.Status)

	// The product settles back to its pre-run status, not DRAFT.
	require.Eventually(t, func() bool {
		p, err := f.cat.GetProduct(ctx, f.prod.ID)
		return err == nil && p.Status == catalog.ProductReady
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTriggerSurvivesFullQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stageSet := stages.All(stages.Services{
		Embedder: embeddings.NewHashEmbedder(8),
		Vectors:  embeddings.NewMemoryVectorStore(),
	})
	newBB := func(run *catalog.PipelineRun, p *catalog.Product, pb *playbook.Playbook) *pipeline.Blackboard {
		return &pipeline.Blackboard{
			RunID: run.ID, WorkspaceID: run.WorkspaceID,
			ProductID: run.ProductID, Version: run.Version,
			Product: p, Playbook: pb, Catalog: f.cat, Blob: f.store,
		}
	}
	orch, err := pipeline.NewOrchestrator(f.cat, stageSet, newBB, pipeline.Config{
		Workers: 1, QueueDepth: 1, StageTimeout: 10 * time.Second,
	}, nil)
	require.NoError(t, err)

	// A second product so two runs can be admitted at once.
	now := time.Now().UTC()
	p2 := &catalog.Product{
		ID: uuid.NewString(), WorkspaceID: f.prod.WorkspaceID, Name: "kb2",
		Status: catalog.ProductDraft, ChunkingConfig: catalog.DefaultChunkingConfig(),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.cat.CreateProduct(ctx, p2))
	f.ingestFixture(t, 1, map[string]string{"doc": sampleDoc})
	key := fmt.Sprintf("%s/%s/1/doc", p2.WorkspaceID, p2.ID)
	put, err := f.store.Put(ctx, blob.BucketRaw, key, strings.NewReader(sampleDoc), "text/plain")
	require.NoError(t, err)
	require.NoError(t, f.cat.RegisterRawFile(ctx, &catalog.RawFile{
		ID: uuid.NewString(), WorkspaceID: p2.WorkspaceID, ProductID: p2.ID,
		Version: 1, FileStem: "doc", Filename: "doc.txt",
		SizeBytes: put.SizeBytes, Checksum: put.Checksum, ETag: put.ETag,
		BlobBucket: blob.BucketRaw, BlobKey: key,
		Status: catalog.RawIngesting, IngestedAt: now,
	}))
	require.NoError(t, f.cat.FinalizeIngest(ctx, p2.ID, 1))

	// Workers are not running, so the first trigger fills the depth-1 queue
	// and the second overflows it.
	r1, err := orch.Trigger(ctx, f.prod.ID, 0, false)
	require.NoError(t, err)
	r2, err := orch.Trigger(ctx, p2.ID, 0, false)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	orch.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		orch.Stop()
	})

	// Both runs finish without any Resume call in between.
	for _, id := range []string{r1.RunID, r2.RunID} {
		run := f.waitTerminal(t, id)
		assert.Equal(t, catalog.RunSucceeded, run.Status, id)
	}
}

func TestCancelTerminalRunRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.ingestFixture(t, 1, map[string]string{"doc": sampleDoc})
	ctx := context.Background()

	res, err := f.orch.Trigger(ctx, f.prod.ID, 0, false)
	require.NoError(t, err)
	f.waitTerminal(t, res.RunID)

	err = f.orch.Cancel(ctx, res.RunID)
	assert.ErrorIs(t, err, catalog.ErrStateMismatch)
}

func TestNewOrchestratorRejectsWrongStageOrder(t *testing.T) {
	cat := catalog.NewMemoryCatalog()
	stageSet := stages.All(stages.Services{
		Embedder: embeddings.NewHashEmbedder(8),
		Vectors:  embeddings.NewMemoryVectorStore(),
	})
	// Swap two stages out of order.
	stageSet[0], stageSet[1] = stageSet[1], stageSet[0]
	_, err := pipeline.NewOrchestrator(cat, stageSet, nil, pipeline.Config{}, nil)
	assert.Error(t, err)
}
