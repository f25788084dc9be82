package storage

import (
	"context"
	"io"
	"time"
)

// Optional store capability interfaces.
//
// These are used for feature detection (type assertions). The core Store
// interface remains intentionally small.

// Getter can download objects as a stream.
type Getter interface {
	Get(ctx context.Context, bucket, key string) (body io.ReadCloser, meta *ObjectMeta, err error)
}

// Putter can create/overwrite objects.
type Putter interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, contentLength int64, contentType string) error
}

// Deleter can delete objects.
type Deleter interface {
	Delete(ctx context.Context, bucket, key string) error
}

// Copier can copy an object without round-tripping its bytes through the
// caller (server-side copy on S3).
type Copier interface {
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
}

// Presigner can mint time-limited GET URLs for objects.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
