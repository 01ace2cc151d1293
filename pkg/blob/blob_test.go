package blob

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"fs":     fs,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res, err := s.Put(ctx, BucketRaw, "ws/prod/v1/doc.pdf", strings.NewReader("hello blob"), "application/pdf")
			require.NoError(t, err)
			assert.Equal(t, int64(10), res.SizeBytes)
			assert.Len(t, res.Checksum, 64, "hex sha-256")
			assert.NotEmpty(t, res.ETag)

			rc, err := s.Get(ctx, BucketRaw, "ws/prod/v1/doc.pdf")
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "hello blob", string(data))

			// Same content in a different bucket is a different object.
			_, err = s.Get(ctx, BucketClean, "ws/prod/v1/doc.pdf")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Put(ctx, BucketClean, "k", strings.NewReader("v1"), "text/plain")
			require.NoError(t, err)
			_, err = s.Put(ctx, BucketClean, "k", strings.NewReader("v2"), "text/plain")
			require.NoError(t, err)

			rc, err := s.Get(ctx, BucketClean, "k")
			require.NoError(t, err)
			data, _ := io.ReadAll(rc)
			_ = rc.Close()
			assert.Equal(t, "v2", string(data))
		})
	}
}

func TestHeadAndExists(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Put(ctx, BucketReport, "r/report.json", strings.NewReader(`{}`), "application/json")
			require.NoError(t, err)

			info, err := s.Head(ctx, BucketReport, "r/report.json")
			require.NoError(t, err)
			assert.Equal(t, int64(2), info.SizeBytes)
			assert.WithinDuration(t, time.Now().UTC(), info.ModifiedAt, time.Minute)

			ok, err := s.Exists(ctx, BucketReport, "r/report.json")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Exists(ctx, BucketReport, "r/missing.json")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Head(ctx, BucketReport, "r/missing.json")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Put(ctx, BucketChunk, "x", strings.NewReader("data"), "")
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, BucketChunk, "x"))
			assert.ErrorIs(t, s.Delete(ctx, BucketChunk, "x"), ErrNotFound)
			_, err = s.Get(ctx, BucketChunk, "x")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListByPrefix(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{
				"ws/p1/v1/a.txt", "ws/p1/v1/b.txt", "ws/p1/v2/c.txt", "ws/p2/v1/d.txt",
			} {
				_, err := s.Put(ctx, BucketRaw, key, strings.NewReader("x"), "")
				require.NoError(t, err)
			}

			keys, err := s.List(ctx, BucketRaw, "ws/p1/v1/")
			require.NoError(t, err)
			assert.Equal(t, []string{"ws/p1/v1/a.txt", "ws/p1/v1/b.txt"}, keys)

			keys, err = s.List(ctx, BucketRaw, "ws/")
			require.NoError(t, err)
			assert.Len(t, keys, 4)

			keys, err = s.List(ctx, BucketRaw, "nope/")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestChecksumIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r1, err := s.Put(ctx, BucketRaw, "a", strings.NewReader("same"), "")
	require.NoError(t, err)
	r2, err := s.Put(ctx, BucketRaw, "b", strings.NewReader("same"), "")
	require.NoError(t, err)
	assert.Equal(t, r1.Checksum, r2.Checksum)

	r3, err := s.Put(ctx, BucketRaw, "c", strings.NewReader("different"), "")
	require.NoError(t, err)
	assert.NotEqual(t, r1.Checksum, r3.Checksum)
}

func TestPresignUnsupported(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Presign(ctx, BucketRaw, "k", time.Minute)
			assert.ErrorIs(t, err, ErrPresignUnsupported)
		})
	}
}

func TestFactory(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Options{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(ctx, Options{Backend: BackendFS, Root: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = New(ctx, Options{Backend: BackendS3})
	assert.Error(t, err, "s3 without a bucket is rejected")

	_, err = New(ctx, Options{Backend: "ftp"})
	assert.Error(t, err)
}
