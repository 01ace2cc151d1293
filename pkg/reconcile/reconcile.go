// Package reconcile sweeps the raw-file catalog against the blob store and
// repairs drift: catalog rows whose object vanished or changed are marked
// FAILED, and raw objects without a catalog row are reported as orphans.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
)

// Finding classifies one detected inconsistency.
type Finding struct {
	Kind      FindingKind `json:"kind"`
	ProductID string      `json:"product_id,omitempty"`
	Version   int         `json:"version,omitempty"`
	RawFileID string      `json:"raw_file_id,omitempty"`
	BlobKey   string      `json:"blob_key"`
	Detail    string      `json:"detail"`
	Repaired  bool        `json:"repaired"`
}

type FindingKind string

const (
	// FindingMissingBlob: a catalog row points at an object that is gone.
	FindingMissingBlob FindingKind = "MISSING_BLOB"
	// FindingIntegrityMismatch: the object exists but its ETag moved under us.
	FindingIntegrityMismatch FindingKind = "INTEGRITY_MISMATCH"
	// FindingOrphanBlob: a raw object with no catalog row. Reported, never
	// deleted; removal is an operator decision.
	FindingOrphanBlob FindingKind = "ORPHAN_BLOB"
)

// Report summarizes one sweep.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Workspaces int       `json:"workspaces"`
	Products   int       `json:"products"`
	FilesSwept int       `json:"files_swept"`
	Findings   []Finding `json:"findings"`
}

// Sweeper walks every product of the given workspaces.
type Sweeper struct {
	cat   catalog.Catalog
	store blob.Store
	log   *slog.Logger

	// Repair applies fixes; false means report-only.
	Repair bool
}

func NewSweeper(cat catalog.Catalog, store blob.Store, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{cat: cat, store: store, log: log, Repair: true}
}

// Sweep reconciles all products of the listed workspaces.
func (s *Sweeper) Sweep(ctx context.Context, workspaceIDs []string) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC(), Workspaces: len(workspaceIDs)}

	for _, wsID := range workspaceIDs {
		products, err := s.cat.ListProducts(ctx, wsID)
		if err != nil {
			return nil, fmt.Errorf("list products for workspace %s: %w", wsID, err)
		}
		report.Products += len(products)
		for _, p := range products {
			if err := s.sweepProduct(ctx, p, report); err != nil {
				return nil, err
			}
		}
	}

	report.FinishedAt = time.Now().UTC()
	s.log.Info("reconcile sweep finished",
		"workspaces", report.Workspaces,
		"products", report.Products,
		"files_swept", report.FilesSwept,
		"findings", len(report.Findings),
		"repair", s.Repair,
	)
	return report, nil
}

func (s *Sweeper) sweepProduct(ctx context.Context, p *catalog.Product, report *Report) error {
	versions, err := s.cat.ListRawFileVersions(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list versions for product %s: %w", p.ID, err)
	}

	// known maps blob keys back to their catalog rows, for orphan detection.
	known := make(map[string]struct{})
	for _, version := range versions {
		files, err := s.cat.ListRawFiles(ctx, p.ID, version)
		if err != nil {
			return fmt.Errorf("list raw files for product %s v%d: %w", p.ID, version, err)
		}
		for _, rf := range files {
			known[rf.BlobKey] = struct{}{}
			if rf.Status == catalog.RawDeleted {
				continue
			}
			report.FilesSwept++
			if err := s.checkFile(ctx, rf, report); err != nil {
				return err
			}
		}
	}

	return s.findOrphans(ctx, p, known, report)
}

func (s *Sweeper) checkFile(ctx context.Context, rf *catalog.RawFile, report *Report) error {
	info, err := s.store.Head(ctx, rf.BlobBucket, rf.BlobKey)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		return s.fail(ctx, rf, report, Finding{
			Kind:      FindingMissingBlob,
			ProductID: rf.ProductID,
			Version:   rf.Version,
			RawFileID: rf.ID,
			BlobKey:   rf.BlobKey,
			Detail:    "object missing from blob store",
		})
	case err != nil:
		return fmt.Errorf("head %s/%s: %w", rf.BlobBucket, rf.BlobKey, err)
	}

	if rf.ETag != "" && info.ETag != "" && rf.ETag != info.ETag {
		return s.fail(ctx, rf, report, Finding{
			Kind:      FindingIntegrityMismatch,
			ProductID: rf.ProductID,
			Version:   rf.Version,
			RawFileID: rf.ID,
			BlobKey:   rf.BlobKey,
			Detail:    fmt.Sprintf("etag mismatch: catalog %s, store %s", rf.ETag, info.ETag),
		})
	}
	return nil
}

// fail records the finding and, when repairing, flips the row to FAILED so
// the next run skips it instead of tripping on a missing object.
func (s *Sweeper) fail(ctx context.Context, rf *catalog.RawFile, report *Report, f Finding) error {
	if s.Repair && rf.Status != catalog.RawFailed {
		rf.Status = catalog.RawFailed
		rf.ErrorMessage = f.Detail
		if err := s.cat.UpdateRawFile(ctx, rf); err != nil {
			return fmt.Errorf("mark raw file %s failed: %w", rf.ID, err)
		}
		f.Repaired = true
	}
	s.log.Warn("reconcile finding",
		"kind", f.Kind,
		"product_id", f.ProductID,
		"version", f.Version,
		"blob_key", f.BlobKey,
		"repaired", f.Repaired,
	)
	report.Findings = append(report.Findings, f)
	return nil
}

func (s *Sweeper) findOrphans(ctx context.Context, p *catalog.Product, known map[string]struct{}, report *Report) error {
	prefix := p.WorkspaceID + "/" + p.ID + "/"
	keys, err := s.store.List(ctx, blob.BucketRaw, prefix)
	if err != nil {
		return fmt.Errorf("list raw objects for product %s: %w", p.ID, err)
	}
	for _, key := range keys {
		if _, ok := known[key]; ok {
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		f := Finding{
			Kind:      FindingOrphanBlob,
			ProductID: p.ID,
			BlobKey:   key,
			Detail:    "raw object has no catalog row",
		}
		s.log.Warn("reconcile finding", "kind", f.Kind, "product_id", p.ID, "blob_key", key)
		report.Findings = append(report.Findings, f)
	}
	return nil
}
