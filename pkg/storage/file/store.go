// Package file implements the storage interfaces on the local
// filesystem. Buckets are first-level directories under a root; keys are
// relative paths below a bucket. Used by tests and local pipeline runs.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/earthscale/geoflow/pkg/storage"
)

// Store implements storage.Store for local filesystem paths.
type Store struct {
	root string
}

// Ensure Store implements the storage interfaces.
var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Getter  = (*Store)(nil)
	_ storage.Putter  = (*Store)(nil)
	_ storage.Deleter = (*Store)(nil)
	_ storage.Copier  = (*Store)(nil)
)

// Config configures a file store.
type Config struct {
	// Root is the directory holding bucket directories (required).
	Root string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root dir is required")
	}
	return nil
}

// New creates a file store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{root: filepath.Clean(cfg.Root)}, nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error { return nil }

// List returns a page of objects with the given prefix.
//
// Prefixes are matched as string prefixes of keys, matching object-store
// semantics: "out/2026-" matches "out/2026-01/part.nc4".
func (s *Store) List(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	_ = ctx
	if opts.Bucket == "" {
		return nil, s.wrapError("List", "", "", storage.ErrMissingBucket)
	}

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	keys, err := s.collectKeys(opts.Bucket, strings.TrimPrefix(opts.Prefix, "/"))
	if err != nil {
		return nil, s.wrapError("List", opts.Bucket, opts.Prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Start strictly after the last returned key.
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}

	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}

	objects := make([]storage.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		full, err := s.fullPath(opts.Bucket, k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, storage.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}

	res := &storage.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

// Head returns metadata for a single object.
func (s *Store) Head(ctx context.Context, bucket, key string) (*storage.ObjectMeta, error) {
	_ = ctx
	full, err := s.fullPath(bucket, key)
	if err != nil {
		return nil, s.wrapError("Head", bucket, key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, s.wrapError("Head", bucket, key, err)
	}
	if st.IsDir() {
		return nil, s.wrapError("Head", bucket, key, storage.ErrNotFound)
	}

	return &storage.ObjectMeta{
		ObjectSummary: storage.ObjectSummary{
			Key:          strings.TrimPrefix(key, "/"),
			Size:         st.Size(),
			LastModified: st.ModTime(),
		},
	}, nil
}

// Get downloads an object as a stream.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, *storage.ObjectMeta, error) {
	_ = ctx
	full, err := s.fullPath(bucket, key)
	if err != nil {
		return nil, nil, s.wrapError("Get", bucket, key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, nil, s.wrapError("Get", bucket, key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, s.wrapError("Get", bucket, key, err)
	}
	meta := &storage.ObjectMeta{
		ObjectSummary: storage.ObjectSummary{
			Key:          strings.TrimPrefix(key, "/"),
			Size:         st.Size(),
			LastModified: st.ModTime(),
		},
	}
	return f, meta, nil
}

// Put creates or overwrites an object. Writes go through a temp file and
// rename so readers never observe partial objects.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, contentLength int64, contentType string) error {
	_ = ctx
	_ = contentLength
	_ = contentType
	full, err := s.fullPath(bucket, key)
	if err != nil {
		return s.wrapError("Put", bucket, key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", bucket, key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "geoflow-put-*")
	if err != nil {
		return s.wrapError("Put", bucket, key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("Put", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", bucket, key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", bucket, key, err)
	}
	return nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_ = ctx
	full, err := s.fullPath(bucket, key)
	if err != nil {
		return s.wrapError("Delete", bucket, key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.wrapError("Delete", bucket, key, err)
	}
	return nil
}

// Copy duplicates an object between buckets.
func (s *Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	body, _, err := s.Get(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	defer body.Close()
	return s.Put(ctx, dstBucket, dstKey, body, -1, "")
}

// fullPath resolves bucket/key to a filesystem path, preventing traversal.
func (s *Store) fullPath(bucket, key string) (string, error) {
	if bucket == "" {
		return "", storage.ErrMissingBucket
	}
	if strings.Contains(bucket, "/") || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(clean)), nil
}

// collectKeys walks the bucket and returns keys matching the string prefix.
func (s *Store) collectKeys(bucket, prefix string) ([]string, error) {
	bucketDir := filepath.Join(s.root, bucket)
	if _, err := os.Stat(bucketDir); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	_ = filepath.WalkDir(bucketDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	return keys, nil
}

// wrapError normalizes filesystem errors to storage sentinels.
func (s *Store) wrapError(op, bucket, key string, err error) error {
	wrapped := &storage.StoreError{Op: op, Backend: storage.BackendFile, Bucket: bucket, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	if os.IsNotExist(err) {
		wrapped.Err = storage.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = storage.ErrAccessDenied
	}
	return wrapped
}
