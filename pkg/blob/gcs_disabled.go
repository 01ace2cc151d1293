//go:build !gcp

package blob

import (
	"context"
	"fmt"
)

func newGCSFromOptions(ctx context.Context, opts Options) (Store, error) {
	return nil, fmt.Errorf("blob: gcs backend requires a build with the gcp tag")
}
