package stages

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/embeddings"
	"github.com/foundry-data/foundry/pkg/pipeline"
)

// Indexing embeds the chunk set on a bounded worker pool, writes the packed
// vectors to the embed bucket and upserts them into the vector store.
// Per-chunk embedding failures are tolerated up to Threshold of the batch;
// above it the stage fails.
type Indexing struct {
	Embedder    embeddings.Embedder
	Vectors     pipeline.VectorSink
	Usage       UsageRecorder
	Threshold   float64
	Concurrency int
}

func (*Indexing) Name() string            { return pipeline.StageIndexing }
func (*Indexing) TerminalOnFailure() bool { return true }

func (s *Indexing) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	total := len(bb.Chunks)
	metrics := map[string]float64{
		"chunks_total":   float64(total),
		"embed_failures": 0,
		"embedded_total": 0,
		"failure_ratio":  0,
		"vector_dims":    float64(s.Embedder.Dimensions()),
	}
	if total == 0 {
		return failed(fmt.Errorf("no chunks to index"), metrics)
	}

	type slot struct {
		vec embeddings.ChunkVector
		err error
	}
	slots := make([]slot, total)

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.Concurrency)
	for i, c := range bb.Chunks {
		if bb.CancelRequested != nil && bb.CancelRequested() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c blackboardChunk) {
			defer wg.Done()
			defer func() { <-sem }()
			vec, err := s.Embedder.Embed(ctx, c.Text)
			if err != nil {
				slots[i].err = err
				return
			}
			slots[i].vec = embeddings.ChunkVector{
				ChunkID:    c.ChunkID,
				ProductID:  bb.ProductID,
				Version:    bb.Version,
				SourceFile: c.SourceFile,
				Section:    c.Section,
				Text:       c.Text,
				Vector:     vec,
			}
		}(i, blackboardChunk{ChunkID: c.ChunkID, SourceFile: c.SourceFile, Section: c.Section, Text: c.Text})
	}
	wg.Wait()

	vectors := make([]embeddings.ChunkVector, 0, total)
	failures := 0
	for _, sl := range slots {
		switch {
		case sl.err != nil:
			failures++
		case sl.vec.ChunkID != "":
			vectors = append(vectors, sl.vec)
		default:
			// Cancelled before dispatch.
			failures++
		}
	}

	metrics["embed_failures"] = float64(failures)
	metrics["embedded_total"] = float64(len(vectors))
	ratio := float64(failures) / float64(total)
	metrics["failure_ratio"] = ratio

	if ratio > s.Threshold {
		return failed(fmt.Errorf("embedding failure ratio %.3f exceeds threshold %.3f", ratio, s.Threshold), metrics)
	}

	if err := s.Vectors.Upsert(ctx, vectors); err != nil {
		return failed(fmt.Errorf("upsert vectors: %w", err), metrics)
	}
	if s.Usage != nil && len(vectors) > 0 {
		if err := s.Usage.RecordEmbeddedChunks(ctx, bb.WorkspaceID, int64(len(vectors))); err != nil {
			slog.Warn("record embedded-chunk usage",
				"workspace_id", bb.WorkspaceID, "run_id", bb.RunID, "error", err)
		}
	}

	packed := packVectors(vectors)
	key := versionPrefix(bb) + "/vectors.bin"
	put, err := bb.Blob.Put(ctx, blob.BucketEmbed, key, bytes.NewReader(packed), "application/octet-stream")
	if err != nil {
		return failed(fmt.Errorf("store vectors: %w", err), metrics)
	}

	bb.Embedded = len(vectors)
	bb.EmbedErrors = failures
	bb.EmbedDims = s.Embedder.Dimensions()
	return succeeded(metrics, pipeline.ArtifactSpec{
		Type:        catalog.ArtifactVector,
		Name:        "vectors.bin",
		DisplayName: "Packed embeddings",
		BlobBucket:  blob.BucketEmbed,
		BlobKey:     key,
		SizeBytes:   put.SizeBytes,
	})
}

type blackboardChunk struct {
	ChunkID    string
	SourceFile string
	Section    string
	Text       string
}

// packVectors lays the vectors out as little-endian float32 rows preceded by
// a (count, dims) header.
func packVectors(vectors []embeddings.ChunkVector) []byte {
	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0].Vector)
	}
	buf := make([]byte, 8, 8+len(vectors)*dims*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dims))
	for _, v := range vectors {
		for _, f := range v.Vector {
			var cell [4]byte
			binary.LittleEndian.PutUint32(cell[:], math.Float32bits(f))
			buf = append(buf, cell[:]...)
		}
	}
	return buf
}
