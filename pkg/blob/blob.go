// Package blob is the object storage layer. Raw files, cleaned documents,
// chunk sets, vectors, exports and reports each live in a logical bucket;
// backends map logical buckets onto real storage.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Logical buckets. Keys inside a bucket follow
// {workspace_id}/{product_id}/{version}/... by convention.
const (
	BucketRaw    = "raw"
	BucketClean  = "clean"
	BucketChunk  = "chunk"
	BucketEmbed  = "embed"
	BucketExport = "export"
	BucketReport = "report"
)

// Buckets lists every logical bucket, in reconcile sweep order.
var Buckets = []string{BucketRaw, BucketClean, BucketChunk, BucketEmbed, BucketExport, BucketReport}

// ErrNotFound marks a missing object, distinct from transport failures.
var ErrNotFound = errors.New("blob: object not found")

// ErrPresignUnsupported is returned by backends without native URL signing.
var ErrPresignUnsupported = errors.New("blob: presigned URLs not supported by this backend")

// PutResult reports what the backend recorded for a written object.
type PutResult struct {
	SizeBytes int64
	// Checksum is the hex SHA-256 of the object body, computed while streaming.
	Checksum string
	// ETag is the backend's entity tag, empty when the backend has none.
	ETag string
}

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Bucket      string
	Key         string
	SizeBytes   int64
	ContentType string
	ETag        string
	ModifiedAt  time.Time
}

// Store is the backend contract. Put streams; callers own closing the reader
// returned by Get.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (*PutResult, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Head(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Delete(ctx context.Context, bucket, key string) error
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	// Presign returns a time-limited download URL for the object.
	Presign(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}
