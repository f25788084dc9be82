package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthscale/geoflow/pkg/match"
)

// memStore is an in-memory Store + Copier used by copy tests.
type memStore struct {
	mu      sync.Mutex
	objects map[string]map[string]int64 // bucket -> key -> size
	failOn  map[string]error            // srcKey -> copy error
	copies  []string
}

func newMemStore() *memStore {
	return &memStore{
		objects: make(map[string]map[string]int64),
		failOn:  make(map[string]error),
	}
}

func (m *memStore) put(bucket, key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[bucket] == nil {
		m.objects[bucket] = make(map[string]int64)
	}
	m.objects[bucket][key] = size
}

func (m *memStore) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects[opts.Bucket] {
		if opts.Prefix == "" || len(k) >= len(opts.Prefix) && k[:len(opts.Prefix)] == opts.Prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	res := &ListResult{}
	for _, k := range keys {
		res.Objects = append(res.Objects, ObjectSummary{Key: k, Size: m.objects[opts.Bucket][k], LastModified: time.Now()})
	}
	return res, nil
}

func (m *memStore) Head(ctx context.Context, bucket, key string) (*ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.objects[bucket][key]
	if !ok {
		return nil, &StoreError{Op: "Head", Backend: "mem", Bucket: bucket, Key: key, Err: ErrNotFound}
	}
	return &ObjectMeta{ObjectSummary: ObjectSummary{Key: key, Size: size}}, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[srcKey]; ok {
		return err
	}
	size := m.objects[srcBucket][srcKey]
	if m.objects[dstBucket] == nil {
		m.objects[dstBucket] = make(map[string]int64)
	}
	m.objects[dstBucket][dstKey] = size
	m.copies = append(m.copies, fmt.Sprintf("%s/%s -> %s/%s", srcBucket, srcKey, dstBucket, dstKey))
	return nil
}

func TestCopyPrefix(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.put("src", "stage/out.zarr/.zattrs", 10)
	st.put("src", "stage/out.zarr/temp/0.0.0", 100)
	st.put("src", "stage/out.zarr/temp/0.0.1", 100)
	st.put("src", "other/ignored.nc4", 5)

	report, err := CopyPrefix(ctx, st,
		Path{Bucket: "src", Key: "stage/out.zarr/"},
		Path{Bucket: "dst", Key: "products/out.zarr/"},
	)
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.ObjectsListed)
	assert.Equal(t, int64(3), report.ObjectsCopied)
	assert.Equal(t, int64(210), report.BytesCopied)
	assert.False(t, report.Failed())

	_, err = st.Head(ctx, "dst", "products/out.zarr/.zattrs")
	assert.NoError(t, err)
	_, err = st.Head(ctx, "dst", "products/out.zarr/temp/0.0.1")
	assert.NoError(t, err)
}

func TestCopyPrefix_PartialFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.put("src", "p/a", 1)
	st.put("src", "p/b", 1)
	st.put("src", "p/c", 1)
	st.failOn["p/b"] = errors.New("copy refused")

	report, err := CopyPrefix(ctx, st, Path{Bucket: "src", Key: "p/"}, Path{Bucket: "dst", Key: "q/"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.ObjectsListed)
	assert.Equal(t, int64(2), report.ObjectsCopied)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "p/b", report.Failures[0].Key)
	assert.True(t, report.Failed())
}

func TestCopyPrefix_EmptySource(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	report, err := CopyPrefix(ctx, st, Path{Bucket: "src", Key: "none/"}, Path{Bucket: "dst", Key: "q/"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.ObjectsListed)
	assert.Equal(t, int64(0), report.ObjectsCopied)
}

func TestCopyPrefix_WithMatcher(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.put("src", "p/keep.tif", 1)
	st.put("src", "p/skip.nc4", 1)

	m, err := match.New(match.Config{Includes: []string{"**/*.tif"}})
	require.NoError(t, err)

	report, err := CopyPrefix(ctx, st,
		Path{Bucket: "src", Key: "p/"},
		Path{Bucket: "dst", Key: "q/"},
		WithCopyMatcher(m), WithCopyWorkers(2),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ObjectsCopied)

	_, err = st.Head(ctx, "dst", "q/keep.tif")
	assert.NoError(t, err)
	_, err = st.Head(ctx, "dst", "q/skip.nc4")
	assert.Error(t, err)
}

func TestCopyPrefix_RequiresCopier(t *testing.T) {
	ctx := context.Background()
	_, err := CopyPrefix(ctx, listOnlyStore{}, Path{Bucket: "a"}, Path{Bucket: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support server-side copy")
}

type listOnlyStore struct{}

func (listOnlyStore) List(context.Context, ListOptions) (*ListResult, error) {
	return &ListResult{}, nil
}
func (listOnlyStore) Head(context.Context, string, string) (*ObjectMeta, error) {
	return nil, ErrNotFound
}
func (listOnlyStore) Close() error { return nil }

func TestRewriteKey(t *testing.T) {
	tests := []struct {
		key, src, dst, want string
	}{
		{"stage/out.zarr/a", "stage/", "products/", "products/out.zarr/a"},
		{"a/b", "", "pfx", "pfx/a/b"},
		{"a/b", "", "", "a/b"},
		{"p/p/file", "p/", "q/", "q/p/file"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rewriteKey(tt.key, tt.src, tt.dst), "key=%s", tt.key)
	}
}
