//go:build gcp

package blob

import "context"

func newGCSFromOptions(ctx context.Context, opts Options) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: opts.GCSBucket, Prefix: opts.GCSPrefix})
}
