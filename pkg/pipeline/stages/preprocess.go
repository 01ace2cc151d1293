package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/pipeline"
	"github.com/foundry-data/foundry/pkg/playbook"
)

// Preprocess loads the version's raw files, verifies blob integrity, applies
// the playbook and writes the chunk set as JSONL to the clean bucket.
//
// Per-file failures (missing blob, ETag mismatch, read errors) mark the file
// FAILED and drop it from the batch; the stage fails only when zero chunks
// come out.
type Preprocess struct{}

func (*Preprocess) Name() string            { return pipeline.StagePreprocess }
func (*Preprocess) TerminalOnFailure() bool { return true }

func (s *Preprocess) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	files, err := bb.Catalog.ListRawFiles(ctx, bb.ProductID, bb.Version)
	if err != nil {
		return failed(fmt.Errorf("list raw files: %w", err), nil)
	}

	chunker, err := playbook.NewChunker(bb.Playbook, playbook.ChunkerConfig{
		MaxTokens: bb.Product.ChunkingConfig.MaxTokens,
		Overlap:   bb.Product.ChunkingConfig.Overlap,
		SplitOn:   bb.Product.ChunkingConfig.SplitOn,
	})
	if err != nil {
		return failed(fmt.Errorf("build chunker: %w", err), nil)
	}

	metrics := map[string]float64{
		"files_total":  float64(len(files)),
		"files_failed": 0,
		"chunks_total": 0,
	}

	var kept []*catalog.RawFile
	var chunks []playbook.Chunk
	for _, rf := range files {
		if rf.Status == catalog.RawFailed {
			metrics["files_failed"]++
			continue
		}
		if bb.CancelRequested != nil && bb.CancelRequested() {
			break
		}
		text, err := s.readVerified(ctx, bb, rf)
		if err != nil {
			s.markFailed(ctx, bb, rf, err)
			metrics["files_failed"]++
			continue
		}
		s.markProcessing(ctx, bb, rf)
		kept = append(kept, rf)
		chunks = append(chunks, chunker.Chunk(rf.Filename, text)...)
	}

	metrics["chunks_total"] = float64(len(chunks))
	if len(chunks) == 0 {
		return failed(errors.New("no chunks produced"), metrics)
	}

	key := versionPrefix(bb) + "/chunks.jsonl"
	size, err := s.writeJSONL(ctx, bb, key, chunks)
	if err != nil {
		return failed(fmt.Errorf("write chunks: %w", err), metrics)
	}

	bb.Files = kept
	bb.Chunks = chunks
	bb.ChunksKey = key
	return succeeded(metrics, pipeline.ArtifactSpec{
		Type:        catalog.ArtifactJSONL,
		Name:        "chunks.jsonl",
		DisplayName: "Prepared chunks",
		BlobBucket:  blob.BucketClean,
		BlobKey:     key,
		SizeBytes:   size,
	})
}

// readVerified head-checks the registered ETag before reading. A mismatch is
// an integrity failure for that file, never for the run.
func (s *Preprocess) readVerified(ctx context.Context, bb *pipeline.Blackboard, rf *catalog.RawFile) (string, error) {
	info, err := bb.Blob.Head(ctx, rf.BlobBucket, rf.BlobKey)
	if err != nil {
		return "", fmt.Errorf("head %s/%s: %w", rf.BlobBucket, rf.BlobKey, err)
	}
	if rf.ETag != "" && info.ETag != "" && info.ETag != rf.ETag {
		return "", fmt.Errorf("etag mismatch for %s: registered %s, stored %s", rf.Filename, rf.ETag, info.ETag)
	}
	rc, err := bb.Blob.Get(ctx, rf.BlobBucket, rf.BlobKey)
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", rf.BlobBucket, rf.BlobKey, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rf.Filename, err)
	}
	return string(data), nil
}

func (s *Preprocess) markFailed(ctx context.Context, bb *pipeline.Blackboard, rf *catalog.RawFile, cause error) {
	rf.Status = catalog.RawFailed
	rf.ErrorMessage = cause.Error()
	_ = bb.Catalog.UpdateRawFile(ctx, rf)
}

func (s *Preprocess) markProcessing(ctx context.Context, bb *pipeline.Blackboard, rf *catalog.RawFile) {
	rf.Status = catalog.RawProcessing
	_ = bb.Catalog.UpdateRawFile(ctx, rf)
}

func (s *Preprocess) writeJSONL(ctx context.Context, bb *pipeline.Blackboard, key string, chunks []playbook.Chunk) (int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return 0, err
		}
	}
	res, err := bb.Blob.Put(ctx, blob.BucketClean, key, &buf, "application/jsonl")
	if err != nil {
		return 0, err
	}
	return res.SizeBytes, nil
}
