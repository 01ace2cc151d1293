//go:build gcp

package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore maps logical buckets onto key prefixes inside one GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds connection settings; credentials come from ADC.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed store.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectPath(bucket, key string) string {
	return s.prefix + bucket + "/" + key
}

func (s *GCSStore) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (*PutResult, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(bucket, key))
	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), body)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("blob: gcs write %s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("blob: gcs close %s/%s: %w", bucket, key, err)
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	etag := w.Attrs().Etag
	return &PutResult{SizeBytes: n, Checksum: checksum, ETag: etag}, nil
}

func (s *GCSStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectPath(bucket, key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: gcs get %s/%s: %w", bucket, key, err)
	}
	return r, nil
}

func (s *GCSStore) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(s.objectPath(bucket, key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: gcs attrs %s/%s: %w", bucket, key, err)
	}
	return &ObjectInfo{
		Bucket: bucket, Key: key,
		SizeBytes:   attrs.Size,
		ContentType: attrs.ContentType,
		ETag:        attrs.Etag,
		ModifiedAt:  attrs.Updated.UTC(),
	}, nil
}

func (s *GCSStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.Head(ctx, bucket, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectPath(bucket, key)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("blob: gcs delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	strip := s.prefix + bucket + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.objectPath(bucket, prefix)})
	var out []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blob: gcs list %s/%s: %w", bucket, prefix, err)
		}
		out = append(out, attrs.Name[len(strip):])
	}
	sort.Strings(out)
	return out, nil
}

func (s *GCSStore) Presign(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(s.objectPath(bucket, key), &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expiry),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("blob: gcs presign %s/%s: %w", bucket, key, err)
	}
	return url, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error { return s.client.Close() }
