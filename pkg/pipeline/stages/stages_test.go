package stages

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/embeddings"
	"github.com/foundry-data/foundry/pkg/fingerprint"
	"github.com/foundry-data/foundry/pkg/pipeline"
	"github.com/foundry-data/foundry/pkg/playbook"
	"github.com/foundry-data/foundry/pkg/quality"
)

type bbEnv struct {
	cat   catalog.Catalog
	store blob.Store
	bb    *pipeline.Blackboard
}

func newBBEnv(t *testing.T) *bbEnv {
	t.Helper()
	ctx := context.Background()
	cat := catalog.NewMemoryCatalog()
	store := blob.NewMemoryStore()

	now := time.Now().UTC()
	ws := &catalog.Workspace{ID: uuid.NewString(), Name: "t", CreatedAt: now}
	require.NoError(t, cat.CreateWorkspace(ctx, ws))
	p := &catalog.Product{
		ID: uuid.NewString(), WorkspaceID: ws.ID, Name: "p",
		Status: catalog.ProductDraft, ChunkingConfig: catalog.DefaultChunkingConfig(),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, cat.CreateProduct(ctx, p))

	return &bbEnv{
		cat:   cat,
		store: store,
		bb: &pipeline.Blackboard{
			RunID:       uuid.NewString(),
			WorkspaceID: ws.ID,
			ProductID:   p.ID,
			Version:     1,
			Product:     p,
			Playbook:    playbook.Default(),
			Catalog:     cat,
			Blob:        store,
		},
	}
}

// addRawFile stores body in the raw bucket and registers the file; a non-empty
// etag overrides the stored one to force an integrity mismatch.
func (e *bbEnv) addRawFile(t *testing.T, stem, body, etag string) *catalog.RawFile {
	t.Helper()
	ctx := context.Background()
	key := e.bb.WorkspaceID + "/" + e.bb.ProductID + "/1/" + stem
	res, err := e.store.Put(ctx, blob.BucketRaw, key, strings.NewReader(body), "text/plain")
	require.NoError(t, err)
	if etag == "" {
		etag = res.ETag
	}
	rf := &catalog.RawFile{
		ID: uuid.NewString(), WorkspaceID: e.bb.WorkspaceID, ProductID: e.bb.ProductID,
		Version: 1, FileStem: stem, Filename: stem + ".txt",
		SizeBytes: res.SizeBytes, Checksum: res.Checksum, ETag: etag,
		BlobBucket: blob.BucketRaw, BlobKey: key,
		Status: catalog.RawIngested, IngestedAt: time.Now().UTC(),
	}
	require.NoError(t, e.cat.RegisterRawFile(ctx, rf))
	return rf
}

func TestPreprocessETagMismatchMarksFileFailed(t *testing.T) {
	e := newBBEnv(t)
	ctx := context.Background()
	good := e.addRawFile(t, "good", "A perfectly fine document body.", "")
	bad := e.addRawFile(t, "bad", "Tampered content.", "deadbeef")

	res := (&Preprocess{}).Run(ctx, e.bb)
	require.Equal(t, catalog.StageSucceeded, res.Status)
	assert.Equal(t, float64(1), res.Metrics["files_failed"])
	assert.NotEmpty(t, e.bb.Chunks)
	require.Len(t, e.bb.Files, 1)
	assert.Equal(t, good.ID, e.bb.Files[0].ID)

	stored, err := e.cat.ListRawFiles(ctx, e.bb.ProductID, 1)
	require.NoError(t, err)
	for _, rf := range stored {
		if rf.ID == bad.ID {
			assert.Equal(t, catalog.RawFailed, rf.Status)
			assert.Contains(t, rf.ErrorMessage, "etag mismatch")
		}
	}

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "chunks.jsonl", res.Artifacts[0].Name)
	ok, err := e.store.Exists(ctx, blob.BucketClean, res.Artifacts[0].BlobKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPreprocessFailsWhenNothingSurvives(t *testing.T) {
	e := newBBEnv(t)
	ctx := context.Background()
	rf := e.addRawFile(t, "only", "body", "")
	require.NoError(t, e.store.Delete(ctx, blob.BucketRaw, rf.BlobKey))

	res := (&Preprocess{}).Run(ctx, e.bb)
	require.Equal(t, catalog.StageFailed, res.Status)
	assert.ErrorContains(t, res.Err, "no chunks produced")
	assert.Equal(t, float64(1), res.Metrics["files_failed"])
}

func seedChunks(e *bbEnv, texts ...string) {
	for i, txt := range texts {
		e.bb.Chunks = append(e.bb.Chunks, playbook.Chunk{
			ChunkID:    uuid.NewString(),
			SourceFile: "doc.txt",
			Section:    "body",
			Index:      i,
			Text:       txt,
			TokenCount: len(strings.Fields(txt)),
		})
	}
}

func TestPolicyFatalRuleFailsStage(t *testing.T) {
	e := newBBEnv(t)
	ctx := context.Background()
	seedChunks(e, "short", "also short")

	require.NoError(t, e.cat.PutRuleSet(ctx, &quality.RuleSet{
		ProductID: e.bb.ProductID,
		Version:   1,
		Rules: []quality.Rule{{
			Name: "min-length", Severity: quality.SeverityError, Enabled: true,
			Type: quality.RuleContentLength, MinChars: 10000, FailRun: true,
		}},
		CreatedAt: time.Now().UTC(),
	}))

	res := (&Policy{}).Run(ctx, e.bb)
	require.Equal(t, catalog.StageFailed, res.Status)
	assert.ErrorContains(t, res.Err, "min-length")
	assert.Equal(t, float64(1), res.Metrics["verdict_failed"])

	// The verdict artifact is attached even though the stage failed.
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "policy.json", res.Artifacts[0].Name)
	ok, err := e.store.Exists(ctx, blob.BucketReport, res.Artifacts[0].BlobKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPolicyWarningDoesNotFailStage(t *testing.T) {
	e := newBBEnv(t)
	ctx := context.Background()
	seedChunks(e, "short")

	require.NoError(t, e.cat.PutRuleSet(ctx, &quality.RuleSet{
		ProductID: e.bb.ProductID,
		Version:   1,
		Rules: []quality.Rule{{
			Name: "min-length", Severity: quality.SeverityWarning, Enabled: true,
			Type: quality.RuleContentLength, MinChars: 10000,
		}},
		CreatedAt: time.Now().UTC(),
	}))

	res := (&Policy{}).Run(ctx, e.bb)
	require.Equal(t, catalog.StageSucceeded, res.Status)
	assert.Equal(t, float64(1), res.Metrics["verdict_warnings"])
	assert.Equal(t, float64(1), res.Metrics["violations_total"])
}

func TestFinalizeSettlesState(t *testing.T) {
	e := newBBEnv(t)
	ctx := context.Background()
	rf := e.addRawFile(t, "doc", "body", "")
	e.bb.Files = []*catalog.RawFile{rf}
	seedChunks(e, "some chunk text")
	e.bb.Scores = []fingerprint.ChunkScores{{
		ChunkID:      e.bb.Chunks[0].ChunkID,
		Completeness: 0.8, Accuracy: 0.8, Quality: 0.8, Timeliness: 0.8, Metadata: 0.8,
		TokenCount: 3,
	}}
	e.bb.Embedded = 1

	res := (&Finalize{}).Run(ctx, e.bb)
	require.Equal(t, catalog.StageSucceeded, res.Status)
	assert.Equal(t, float64(1), res.Metrics["files_processed"])
	assert.Equal(t, float64(1), res.Metrics["chunks_catalogued"])
	assert.Equal(t, float64(0), res.Metrics["settlement_errors"])

	rows, err := e.cat.QueryChunks(ctx, catalog.ChunkQuery{ProductID: e.bb.ProductID, Version: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, e.bb.Chunks[0].ChunkID, rows[0].ChunkID)
	assert.Equal(t, "doc.txt", rows[0].SourceFile)
	assert.Equal(t, "body", rows[0].Section)
	require.NotNil(t, rows[0].Score)
	assert.InDelta(t, 0.8, *rows[0].Score, 1e-9)

	stored, err := e.cat.ListRawFiles(ctx, e.bb.ProductID, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, catalog.RawProcessed, stored[0].Status)
	require.NotNil(t, stored[0].ProcessedAt)

	p, err := e.cat.GetProduct(ctx, e.bb.ProductID)
	require.NoError(t, err)
	require.NotNil(t, p.PromotedVersion)
	assert.Equal(t, 1, *p.PromotedVersion)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "summary.json", res.Artifacts[0].Name)
}

func TestFinalizeNeverLowersPromotedVersion(t *testing.T) {
	e := newBBEnv(t)
	ctx := context.Background()
	five := 5
	e.bb.Product.PromotedVersion = &five
	require.NoError(t, e.cat.UpdateProduct(ctx, e.bb.Product))

	res := (&Finalize{}).Run(ctx, e.bb)
	require.Equal(t, catalog.StageSucceeded, res.Status)

	p, err := e.cat.GetProduct(ctx, e.bb.ProductID)
	require.NoError(t, err)
	require.NotNil(t, p.PromotedVersion)
	assert.Equal(t, 5, *p.PromotedVersion)
}

func TestReportingRendersCSVAndPDF(t *testing.T) {
	e := newBBEnv(t)
	ctx := context.Background()
	seedChunks(e, "a chunk worth reporting on")
	e.bb.Scores = []fingerprint.ChunkScores{{
		ChunkID: e.bb.Chunks[0].ChunkID, Completeness: 1, Quality: 0.5, TokenCount: 5,
	}}
	e.bb.Policy = &quality.Result{Verdict: quality.VerdictPassed}

	res := (&Reporting{}).Run(ctx, e.bb)
	require.Equal(t, catalog.StageSucceeded, res.Status)

	byName := make(map[string]pipeline.ArtifactSpec)
	for _, a := range res.Artifacts {
		byName[a.Name] = a
	}
	require.Contains(t, byName, "report.csv")
	require.Contains(t, byName, "report.pdf")
	assert.Equal(t, catalog.ArtifactPDF, byName["report.pdf"].Type)

	rc, err := e.store.Get(ctx, blob.BucketReport, byName["report.pdf"].BlobKey)
	require.NoError(t, err)
	defer rc.Close()
	pdf, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-1.4")), "PDF magic header")
	assert.Contains(t, string(pdf), "%%EOF")
	assert.Contains(t, string(pdf), "Data Product Run Report")
}

func TestEscapePDFText(t *testing.T) {
	assert.Equal(t, `plain`, escapePDFText("plain"))
	assert.Equal(t, `a \(b\) c \\ d`, escapePDFText(`a (b) c \ d`))
}

func TestPackVectorsLayout(t *testing.T) {
	packed := packVectors([]embeddings.ChunkVector{
		{ChunkID: "a", Vector: []float32{1, -0.5}},
		{ChunkID: "b", Vector: []float32{0.25, 2}},
	})
	require.Len(t, packed, 8+2*2*4)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(packed[0:4]), "row count")
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(packed[4:8]), "dims")
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(packed[8:12])))
	assert.Equal(t, float32(2), math.Float32frombits(binary.LittleEndian.Uint32(packed[20:24])))
}
