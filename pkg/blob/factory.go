package blob

import (
	"context"
	"fmt"
)

// Backend selects a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Options carries backend-specific settings; only the fields for the chosen
// backend are consulted.
type Options struct {
	Backend Backend

	// fs
	Root string

	// s3
	S3 S3Config

	// gcs
	GCSBucket string
	GCSPrefix string
}

// New builds a Store from options. GCS is only available in gcp-tagged builds;
// newGCSFromOptions reports an error otherwise.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFS, "":
		root := opts.Root
		if root == "" {
			root = "data/blobs"
		}
		return NewFileStore(root)
	case BackendS3:
		if opts.S3.Bucket == "" {
			return nil, fmt.Errorf("blob: s3 backend requires a bucket")
		}
		return NewS3Store(ctx, opts.S3)
	case BackendGCS:
		if opts.GCSBucket == "" {
			return nil, fmt.Errorf("blob: gcs backend requires a bucket")
		}
		return newGCSFromOptions(ctx, opts)
	default:
		return nil, fmt.Errorf("blob: unsupported backend %q", opts.Backend)
	}
}
