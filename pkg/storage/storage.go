// Package storage defines abstractions for the object stores the pipeline
// reads granules from and writes products to.
//
// Stores implement a minimal surface focused on listing and metadata
// retrieval; write-side operations are optional capabilities discovered by
// type assertion. Job outputs land in whatever bucket the remote executor
// was configured with, so bucket is a per-call parameter rather than fixed
// at construction.
package storage

import (
	"context"
	"time"
)

// Store abstracts object storage operations.
//
// Implementations should:
//   - Use SDK default credential chains where applicable
//   - Support pagination via continuation tokens
//   - Be safe for concurrent use
type Store interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, bucket, key string) (*ObjectMeta, error)

	// Close releases any resources held by the store.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Bucket is the bucket to list (required).
	Bucket string

	// Prefix filters results to keys starting with this value.
	// Empty string lists all objects.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	// Empty string starts from the beginning.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses the store default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	// Objects contains the object summaries for this page.
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	// IsTruncated indicates whether more results are available.
	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the full object key (path) in the bucket.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, typically an MD5 hash of the object.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
// Returned by Head operations.
type ObjectMeta struct {
	ObjectSummary

	// ContentType is the MIME type of the object.
	ContentType string

	// Metadata contains user-defined metadata key-value pairs.
	Metadata map[string]string
}

// Backend identifies a storage backend.
type Backend string

const (
	// BackendS3 represents AWS S3 or S3-compatible storage.
	BackendS3 Backend = "s3"

	// BackendFile represents local filesystem storage.
	BackendFile Backend = "file"
)

// String returns the string representation of the backend.
func (b Backend) String() string {
	return string(b)
}

// ListAll drains every page under bucket/prefix into one slice.
//
// Fan-out job outputs are bounded (one store or a handful of rasters per
// job), so collecting into memory is acceptable here.
func ListAll(ctx context.Context, st Store, bucket, prefix string) ([]ObjectSummary, error) {
	var objects []ObjectSummary
	token := ""
	for {
		res, err := st.List(ctx, ListOptions{
			Bucket:            bucket,
			Prefix:            prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		objects = append(objects, res.Objects...)
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	return objects, nil
}
