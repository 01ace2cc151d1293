package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
)

type staticConnector struct {
	items []Item
}

func (c *staticConnector) Items(ctx context.Context) ([]Item, error) { return c.items, nil }

func textItem(uri, body string) Item {
	return Item{
		URI: uri, Filename: Stem(uri) + ".txt", ContentType: "text/plain",
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

type ingestEnv struct {
	cat   catalog.Catalog
	store blob.Store
	coord *Coordinator
	prod  *catalog.Product
	src   *catalog.DataSource
}

func newIngestEnv(t *testing.T, items []Item) *ingestEnv {
	t.Helper()
	ctx := context.Background()
	cat := catalog.NewMemoryCatalog()
	store := blob.NewMemoryStore()

	now := time.Now().UTC()
	ws := &catalog.Workspace{ID: uuid.NewString(), Name: "acme", CreatedAt: now}
	require.NoError(t, cat.CreateWorkspace(ctx, ws))
	prod := &catalog.Product{
		ID: uuid.NewString(), WorkspaceID: ws.ID, Name: "kb",
		Status: catalog.ProductDraft, ChunkingConfig: catalog.DefaultChunkingConfig(),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, cat.CreateProduct(ctx, prod))
	src := &catalog.DataSource{
		ID: uuid.NewString(), WorkspaceID: ws.ID, ProductID: prod.ID,
		Type: catalog.SourceFolder, Config: map[string]any{"path": "unused"},
		CreatedAt: now,
	}
	require.NoError(t, cat.CreateDataSource(ctx, src))

	coord := NewCoordinator(cat, store, nil, nil)
	coord.newConnector = func(*catalog.DataSource) (Connector, error) {
		return &staticConnector{items: items}, nil
	}
	return &ingestEnv{cat: cat, store: store, coord: coord, prod: prod, src: src}
}

func TestIngestHappyPath(t *testing.T) {
	e := newIngestEnv(t, []Item{
		textItem("https://docs.example.com/a", "alpha body"),
		textItem("https://docs.example.com/b", "beta body"),
	})
	ctx := context.Background()

	sum, err := e.coord.Ingest(ctx, e.prod.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Version)
	assert.Equal(t, 2, sum.Ingested)
	assert.Zero(t, sum.SkippedDuplicate)
	assert.Zero(t, sum.Failed)

	files, err := e.cat.ListRawFiles(ctx, e.prod.ID, 1)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, rf := range files {
		assert.Equal(t, catalog.RawIngested, rf.Status)
		assert.NotEmpty(t, rf.Checksum)
		assert.Positive(t, rf.SizeBytes)
		ok, err := e.store.Exists(ctx, rf.BlobBucket, rf.BlobKey)
		require.NoError(t, err)
		assert.True(t, ok)
		info, err := e.store.Head(ctx, rf.BlobBucket, rf.BlobKey)
		require.NoError(t, err)
		assert.Equal(t, rf.ETag, info.ETag)
	}

	p, err := e.cat.GetProduct(ctx, e.prod.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.CurrentVersion)
}

func TestIngestIdempotentUnderSameVersion(t *testing.T) {
	items := []Item{textItem("https://docs.example.com/a", "alpha body")}
	e := newIngestEnv(t, items)
	ctx := context.Background()

	first, err := e.coord.Ingest(ctx, e.prod.ID, "", 0)
	require.NoError(t, err)
	require.Equal(t, 1, first.Ingested)

	// Re-ingesting into the same explicit version skips on the unique
	// (product, version, file_stem) key.
	second, err := e.coord.Ingest(ctx, e.prod.ID, "", first.Version)
	require.NoError(t, err)
	assert.Zero(t, second.Ingested)
	assert.Equal(t, 1, second.SkippedDuplicate)

	files, err := e.cat.ListRawFiles(ctx, e.prod.ID, first.Version)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestIngestPerFileFailureDoesNotAbortBatch(t *testing.T) {
	broken := Item{
		URI: "https://docs.example.com/broken", Filename: "broken.txt",
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return nil, errors.New("connection reset")
		},
	}
	e := newIngestEnv(t, []Item{broken, textItem("https://docs.example.com/ok", "fine")})
	ctx := context.Background()

	sum, err := e.coord.Ingest(ctx, e.prod.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Ingested)
	assert.Equal(t, 1, sum.Failed)

	files, err := e.cat.ListRawFiles(ctx, e.prod.ID, sum.Version)
	require.NoError(t, err)
	statuses := make(map[catalog.RawFileStatus]int)
	for _, rf := range files {
		statuses[rf.Status]++
		if rf.Status == catalog.RawFailed {
			assert.Contains(t, rf.ErrorMessage, "connection reset")
		}
	}
	assert.Equal(t, 1, statuses[catalog.RawIngested])
	assert.Equal(t, 1, statuses[catalog.RawFailed])
}

type denyQuota struct{}

func (denyQuota) CheckIngest(ctx context.Context, workspaceID string) error {
	return errors.New("ingest bytes exhausted")
}
func (denyQuota) RecordIngestBytes(ctx context.Context, workspaceID string, n int64) error {
	return nil
}

func TestIngestQuotaDeniedMutatesNothing(t *testing.T) {
	e := newIngestEnv(t, []Item{textItem("https://docs.example.com/a", "alpha")})
	e.coord.quota = denyQuota{}
	ctx := context.Background()

	_, err := e.coord.Ingest(ctx, e.prod.ID, "", 0)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	p, err := e.cat.GetProduct(ctx, e.prod.ID)
	require.NoError(t, err)
	assert.Zero(t, p.CurrentVersion)
	files, err := e.cat.ListRawFiles(ctx, e.prod.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestWebConnectorFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/docs/guide.html" {
			_, _ = w.Write([]byte("<html>guide</html>"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	conn, err := NewWebConnector(map[string]any{
		"urls": []any{srv.URL + "/docs/guide.html"},
	})
	require.NoError(t, err)

	items, err := conn.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "guide.html", items[0].Filename)

	rc, err := items[0].Open(context.Background())
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<html>guide</html>", string(body))
}

func TestWebConnectorRejectsBadConfig(t *testing.T) {
	_, err := NewWebConnector(map[string]any{})
	assert.ErrorContains(t, err, "urls is required")
	_, err = NewWebConnector(map[string]any{"urls": []any{"ftp://nope"}})
	assert.ErrorContains(t, err, "invalid url")
}

func TestFolderConnectorWalksAndFilters(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("# a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), []byte{0x01}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.md"), []byte("# c"), 0o644))

	conn, err := NewFolderConnector(map[string]any{
		"path": dir, "patterns": []any{"*.md"},
	})
	require.NoError(t, err)

	items, err := conn.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	uris := []string{items[0].URI, items[1].URI}
	assert.Contains(t, uris, "file://a.md")
	assert.Contains(t, uris, "file://sub/c.md")

	rc, err := items[0].Open(context.Background())
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.NotEmpty(t, data)
}

func TestStemStability(t *testing.T) {
	uris := []string{
		"https://docs.example.com/guide.html",
		"file://reports/q3.csv",
		"db://orders",
	}
	seen := make(map[string]bool)
	for _, uri := range uris {
		got := Stem(uri)
		assert.Equal(t, got, Stem(uri), "stable for %s", uri)
		assert.NotEmpty(t, got)
		assert.False(t, seen[got], "collision for %s", uri)
		seen[got] = true
	}

	// A plain file path survives slugging without a hash suffix.
	assert.Equal(t, "a.md", Stem("file://a.md"))

	// Distinct URIs that slug identically stay distinct via the hash suffix.
	a := Stem("https://example.com/a b")
	b := Stem("https://example.com/a  b")
	assert.NotEqual(t, a, b)
}
