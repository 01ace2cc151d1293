package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileStore is the filesystem backend. Each logical bucket becomes a directory
// under root; writes go through a temp file and rename so readers never see a
// partial object.
type FileStore struct {
	root string
}

// NewFileStore creates the root and bucket directories.
func NewFileStore(root string) (*FileStore, error) {
	for _, b := range Buckets {
		if err := os.MkdirAll(filepath.Join(root, b), 0o755); err != nil {
			return nil, fmt.Errorf("blob: create bucket dir %s: %w", b, err)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(bucket, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(key))
}

func (s *FileStore) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (*PutResult, error) {
	dst := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("blob: mkdir for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return nil, fmt.Errorf("blob: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("blob: write %s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return nil, fmt.Errorf("blob: rename %s/%s: %w", bucket, key, err)
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	return &PutResult{SizeBytes: n, Checksum: checksum, ETag: checksum[:32]}, nil
}

func (s *FileStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(bucket, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open %s/%s: %w", bucket, key, err)
	}
	return f, nil
}

func (s *FileStore) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	fi, err := os.Stat(s.path(bucket, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: stat %s/%s: %w", bucket, key, err)
	}
	return &ObjectInfo{
		Bucket: bucket, Key: key,
		SizeBytes:  fi.Size(),
		ModifiedAt: fi.ModTime().UTC(),
	}, nil
}

func (s *FileStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := os.Stat(s.path(bucket, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: stat %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, bucket, key string) error {
	err := os.Remove(s.path(bucket, key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (s *FileStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	base := filepath.Join(s.root, bucket)
	var out []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(filepath.Base(path), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list %s/%s: %w", bucket, prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) Presign(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}
