package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	etag        string
	modifiedAt  time.Time
}

// MemoryStore is the in-memory backend used in tests and ephemeral setups.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func memKey(bucket, key string) string { return bucket + "\x00" + key }

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (*PutResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("blob: read body: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	s.mu.Lock()
	s.objects[memKey(bucket, key)] = memObject{
		data:        data,
		contentType: contentType,
		etag:        checksum[:32],
		modifiedAt:  time.Now().UTC(),
	}
	s.mu.Unlock()

	return &PutResult{SizeBytes: int64(len(data)), Checksum: checksum, ETag: checksum[:32]}, nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[memKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[memKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &ObjectInfo{
		Bucket: bucket, Key: key,
		SizeBytes: int64(len(obj.data)), ContentType: obj.contentType,
		ETag: obj.etag, ModifiedAt: obj.modifiedAt,
	}, nil
}

func (s *MemoryStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[memKey(bucket, key)]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(bucket, key)
	if _, ok := s.objects[k]; !ok {
		return ErrNotFound
	}
	delete(s.objects, k)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	marker := bucket + "\x00"
	var out []string
	for k := range s.objects {
		if !strings.HasPrefix(k, marker) {
			continue
		}
		key := strings.TrimPrefix(k, marker)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Presign(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}
