package reconcile

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
)

type sweepEnv struct {
	cat   *catalog.MemoryCatalog
	store *blob.MemoryStore
	ws    *catalog.Workspace
	prod  *catalog.Product
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()
	ctx := context.Background()
	e := &sweepEnv{
		cat:   catalog.NewMemoryCatalog(),
		store: blob.NewMemoryStore(),
	}
	now := time.Now().UTC()
	e.ws = &catalog.Workspace{ID: uuid.NewString(), Name: "acme", CreatedAt: now}
	require.NoError(t, e.cat.CreateWorkspace(ctx, e.ws))
	e.prod = &catalog.Product{
		ID: uuid.NewString(), WorkspaceID: e.ws.ID, Name: "kb",
		Status: catalog.ProductDraft, ChunkingConfig: catalog.DefaultChunkingConfig(),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, e.cat.CreateProduct(ctx, e.prod))
	return e
}

func (e *sweepEnv) addFile(t *testing.T, stem, body string) *catalog.RawFile {
	t.Helper()
	ctx := context.Background()
	key := fmt.Sprintf("%s/%s/1/%s", e.ws.ID, e.prod.ID, stem)
	res, err := e.store.Put(ctx, blob.BucketRaw, key, strings.NewReader(body), "text/plain")
	require.NoError(t, err)
	rf := &catalog.RawFile{
		ID: uuid.NewString(), WorkspaceID: e.ws.ID, ProductID: e.prod.ID,
		Version: 1, FileStem: stem, Filename: stem + ".txt",
		SizeBytes: res.SizeBytes, Checksum: res.Checksum, ETag: res.ETag,
		BlobBucket: blob.BucketRaw, BlobKey: key,
		Status: catalog.RawIngested, IngestedAt: time.Now().UTC(),
	}
	require.NoError(t, e.cat.RegisterRawFile(ctx, rf))
	return rf
}

func TestSweepCleanState(t *testing.T) {
	e := newSweepEnv(t)
	e.addFile(t, "a", "alpha")
	e.addFile(t, "b", "beta")

	report, err := NewSweeper(e.cat, e.store, nil).Sweep(context.Background(), []string{e.ws.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, report.FilesSwept)
	assert.Empty(t, report.Findings)
}

func TestSweepMarksMissingBlobFailed(t *testing.T) {
	e := newSweepEnv(t)
	rf := e.addFile(t, "a", "alpha")
	ctx := context.Background()
	require.NoError(t, e.store.Delete(ctx, rf.BlobBucket, rf.BlobKey))

	report, err := NewSweeper(e.cat, e.store, nil).Sweep(ctx, []string{e.ws.ID})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, FindingMissingBlob, f.Kind)
	assert.True(t, f.Repaired)

	files, err := e.cat.ListRawFiles(ctx, e.prod.ID, 1)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, catalog.RawFailed, files[0].Status)
	assert.Contains(t, files[0].ErrorMessage, "missing")
}

func TestSweepDetectsETagDrift(t *testing.T) {
	e := newSweepEnv(t)
	rf := e.addFile(t, "a", "alpha")
	ctx := context.Background()
	// Overwrite behind the catalog's back.
	_, err := e.store.Put(ctx, rf.BlobBucket, rf.BlobKey, strings.NewReader("tampered"), "text/plain")
	require.NoError(t, err)

	report, err := NewSweeper(e.cat, e.store, nil).Sweep(ctx, []string{e.ws.ID})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, FindingIntegrityMismatch, report.Findings[0].Kind)

	files, err := e.cat.ListRawFiles(ctx, e.prod.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, catalog.RawFailed, files[0].Status)
}

func TestSweepReportOnlyLeavesCatalogAlone(t *testing.T) {
	e := newSweepEnv(t)
	rf := e.addFile(t, "a", "alpha")
	ctx := context.Background()
	require.NoError(t, e.store.Delete(ctx, rf.BlobBucket, rf.BlobKey))

	s := NewSweeper(e.cat, e.store, nil)
	s.Repair = false
	report, err := s.Sweep(ctx, []string{e.ws.ID})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.False(t, report.Findings[0].Repaired)

	files, err := e.cat.ListRawFiles(ctx, e.prod.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, catalog.RawIngested, files[0].Status)
}

func TestSweepReportsOrphanWithoutDeleting(t *testing.T) {
	e := newSweepEnv(t)
	e.addFile(t, "a", "alpha")
	ctx := context.Background()
	orphanKey := fmt.Sprintf("%s/%s/1/orphan", e.ws.ID, e.prod.ID)
	_, err := e.store.Put(ctx, blob.BucketRaw, orphanKey, strings.NewReader("stray"), "text/plain")
	require.NoError(t, err)

	report, err := NewSweeper(e.cat, e.store, nil).Sweep(ctx, []string{e.ws.ID})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, FindingOrphanBlob, f.Kind)
	assert.Equal(t, orphanKey, f.BlobKey)
	assert.False(t, f.Repaired)

	exists, err := e.store.Exists(ctx, blob.BucketRaw, orphanKey)
	require.NoError(t, err)
	assert.True(t, exists, "orphans are reported, never deleted")
}

func TestSweepSkipsDeletedRows(t *testing.T) {
	e := newSweepEnv(t)
	rf := e.addFile(t, "a", "alpha")
	ctx := context.Background()
	rf.Status = catalog.RawDeleted
	require.NoError(t, e.cat.UpdateRawFile(ctx, rf))
	require.NoError(t, e.store.Delete(ctx, rf.BlobBucket, rf.BlobKey))

	report, err := NewSweeper(e.cat, e.store, nil).Sweep(ctx, []string{e.ws.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, report.FilesSwept)
	assert.Empty(t, report.Findings)
}
