// Package ingest pulls raw bytes from connectors into the blob store and
// registers them in the catalog under a freshly allocated product version.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
)

var (
	// ErrVersionNotEmpty rejects auto-allocated versions that already hold
	// files. Explicit requested versions append instead.
	ErrVersionNotEmpty = errors.New("ingest: allocated version already has raw files")
	// ErrNoDataSources means the selector matched nothing.
	ErrNoDataSources = errors.New("ingest: no data sources selected")
	// ErrQuotaExceeded is returned before any state is mutated.
	ErrQuotaExceeded = errors.New("ingest: workspace quota exceeded")
)

// Item is one unit a connector yields. Open is called at most once, on the
// worker that uploads the item.
type Item struct {
	// URI is the canonical identity of the item, stable across ingests.
	URI         string
	Filename    string
	ContentType string
	Open        func(ctx context.Context) (io.ReadCloser, error)
}

// Connector streams items for one data source. Items returns them eagerly;
// connectors with large listings paginate internally.
type Connector interface {
	Items(ctx context.Context) ([]Item, error)
}

// Quota gates ingestion per workspace. A nil Quota admits everything.
type Quota interface {
	// CheckIngest is consulted once at entry, before any mutation.
	CheckIngest(ctx context.Context, workspaceID string) error
	// RecordIngestBytes accrues usage after a successful upload.
	RecordIngestBytes(ctx context.Context, workspaceID string, n int64) error
}

// FileOutcome classifies one item in the batch summary.
type FileOutcome string

const (
	OutcomeIngested FileOutcome = "INGESTED"
	OutcomeSkipped  FileOutcome = "SKIPPED_DUPLICATE"
	OutcomeFailed   FileOutcome = "FAILED"
)

// FileResult is the per-item line of the batch summary.
type FileResult struct {
	FileStem string      `json:"file_stem"`
	Filename string      `json:"filename"`
	Outcome  FileOutcome `json:"outcome"`
	Error    string      `json:"error,omitempty"`
}

// Summary is the batch result of one ingest call.
type Summary struct {
	ProductID        string       `json:"product_id"`
	Version          int          `json:"version"`
	Ingested         int          `json:"ingested"`
	SkippedDuplicate int          `json:"skipped_duplicate"`
	Failed           int          `json:"failed"`
	Files            []FileResult `json:"files"`
}

// Coordinator drives the ingest protocol: allocate a version, fan items out
// over a bounded worker pool, finalize. Per-item failures never abort the
// batch; only catalog unavailability does.
type Coordinator struct {
	cat   catalog.Catalog
	store blob.Store
	quota Quota
	log   *slog.Logger

	// Concurrency bounds uploads per source. Default 8.
	Concurrency int

	// newConnector is swapped in tests.
	newConnector func(ds *catalog.DataSource) (Connector, error)
}

func NewCoordinator(cat catalog.Catalog, store blob.Store, quota Quota, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cat:          cat,
		store:        store,
		quota:        quota,
		log:          log,
		Concurrency:  8,
		newConnector: OpenConnector,
	}
}

// Ingest pulls every selected data source into (product, V). sourceID narrows
// the batch to one source; empty means all sources of the product.
// requestedVersion <= 0 allocates the next version and requires it to be
// empty; an explicit version appends to it.
func (c *Coordinator) Ingest(ctx context.Context, productID, sourceID string, requestedVersion int) (*Summary, error) {
	product, err := c.cat.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if c.quota != nil {
		if err := c.quota.CheckIngest(ctx, product.WorkspaceID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
	}

	sources, err := c.selectSources(ctx, productID, sourceID)
	if err != nil {
		return nil, err
	}

	version := requestedVersion
	if version <= 0 {
		version, err = c.cat.AllocateIngestVersion(ctx, productID)
		if err != nil {
			return nil, err
		}
		existing, err := c.cat.ListRawFiles(ctx, productID, version)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, ErrVersionNotEmpty
		}
	}

	summary := &Summary{ProductID: productID, Version: version}
	for _, ds := range sources {
		conn, err := c.newConnector(ds)
		if err != nil {
			// A misconfigured source fails its items, not the batch.
			summary.Failed++
			summary.Files = append(summary.Files, FileResult{
				Filename: string(ds.Type), Outcome: OutcomeFailed, Error: err.Error(),
			})
			continue
		}
		items, err := conn.Items(ctx)
		if err != nil {
			summary.Failed++
			summary.Files = append(summary.Files, FileResult{
				Filename: string(ds.Type), Outcome: OutcomeFailed, Error: err.Error(),
			})
			continue
		}
		c.ingestItems(ctx, product, ds, version, items, summary)
	}

	if err := c.cat.FinalizeIngest(ctx, productID, version); err != nil {
		return nil, fmt.Errorf("finalize ingest: %w", err)
	}
	c.log.Info("ingest finished", "product_id", productID, "version", version,
		"ingested", summary.Ingested, "skipped", summary.SkippedDuplicate, "failed", summary.Failed)
	return summary, nil
}

func (c *Coordinator) selectSources(ctx context.Context, productID, sourceID string) ([]*catalog.DataSource, error) {
	if sourceID != "" {
		ds, err := c.cat.GetDataSource(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		if ds.ProductID != productID {
			return nil, catalog.ErrNotFound
		}
		return []*catalog.DataSource{ds}, nil
	}
	sources, err := c.cat.ListDataSources(ctx, productID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, ErrNoDataSources
	}
	return sources, nil
}

func (c *Coordinator) ingestItems(ctx context.Context, product *catalog.Product, ds *catalog.DataSource, version int, items []Item, summary *Summary) {
	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)
	record := func(r FileResult) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Outcome {
		case OutcomeIngested:
			summary.Ingested++
		case OutcomeSkipped:
			summary.SkippedDuplicate++
		case OutcomeFailed:
			summary.Failed++
		}
		summary.Files = append(summary.Files, r)
	}

	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(item Item) {
			defer wg.Done()
			defer func() { <-sem }()
			record(c.ingestOne(ctx, product, ds, version, item))
		}(item)
	}
	wg.Wait()
}

// ingestOne runs the per-item protocol: register INGESTING under the
// provisional key, stream to the blob store, flip to INGESTED. Partial blobs
// from failed uploads stay behind for reconciliation.
func (c *Coordinator) ingestOne(ctx context.Context, product *catalog.Product, ds *catalog.DataSource, version int, item Item) FileResult {
	stem := Stem(item.URI)
	key := fmt.Sprintf("%s/%s/%d/%s", product.WorkspaceID, product.ID, version, stem)

	rf := &catalog.RawFile{
		ID:           uuid.NewString(),
		WorkspaceID:  product.WorkspaceID,
		ProductID:    product.ID,
		DataSourceID: ds.ID,
		Version:      version,
		FileStem:     stem,
		Filename:     item.Filename,
		ContentType:  item.ContentType,
		BlobBucket:   blob.BucketRaw,
		BlobKey:      key,
		Status:       catalog.RawIngesting,
		IngestedAt:   time.Now().UTC(),
	}
	if err := c.cat.RegisterRawFile(ctx, rf); err != nil {
		if errors.Is(err, catalog.ErrDuplicateKey) {
			return FileResult{FileStem: stem, Filename: item.Filename, Outcome: OutcomeSkipped}
		}
		return c.failFile(ctx, rf, fmt.Errorf("register: %w", err))
	}

	body, err := item.Open(ctx)
	if err != nil {
		return c.failFile(ctx, rf, fmt.Errorf("open %s: %w", item.URI, err))
	}
	res, err := c.store.Put(ctx, blob.BucketRaw, key, body, item.ContentType)
	_ = body.Close()
	if err != nil {
		return c.failFile(ctx, rf, fmt.Errorf("upload %s: %w", item.URI, err))
	}

	rf.SizeBytes = res.SizeBytes
	rf.Checksum = res.Checksum
	rf.ETag = res.ETag
	rf.Status = catalog.RawIngested
	if err := c.cat.UpdateRawFile(ctx, rf); err != nil {
		return c.failFile(ctx, rf, fmt.Errorf("record upload: %w", err))
	}
	if c.quota != nil {
		if err := c.quota.RecordIngestBytes(ctx, product.WorkspaceID, res.SizeBytes); err != nil {
			c.log.Warn("record ingest usage", "workspace_id", product.WorkspaceID, "error", err)
		}
	}
	return FileResult{FileStem: stem, Filename: item.Filename, Outcome: OutcomeIngested}
}

func (c *Coordinator) failFile(ctx context.Context, rf *catalog.RawFile, cause error) FileResult {
	rf.Status = catalog.RawFailed
	rf.ErrorMessage = cause.Error()
	if err := c.cat.UpdateRawFile(ctx, rf); err != nil {
		c.log.Error("mark raw file failed", "file_stem", rf.FileStem, "error", err)
	}
	return FileResult{FileStem: rf.FileStem, Filename: rf.Filename, Outcome: OutcomeFailed, Error: cause.Error()}
}

// OpenConnector builds the connector matching the source type.
func OpenConnector(ds *catalog.DataSource) (Connector, error) {
	switch ds.Type {
	case catalog.SourceWeb:
		return NewWebConnector(ds.Config)
	case catalog.SourceFolder:
		return NewFolderConnector(ds.Config)
	case catalog.SourceDatabase:
		return NewDatabaseConnector(ds.Config)
	default:
		return nil, fmt.Errorf("ingest: unknown data source type %q", ds.Type)
	}
}
