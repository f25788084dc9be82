package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/earthscale/geoflow/pkg/match"
)

// DefaultCopyWorkers bounds concurrent server-side copies. Zarr stores
// fan out to hundreds of chunk objects, so copies are parallelized but
// kept below S3's per-prefix request comfort zone.
const DefaultCopyWorkers = 16

// CopyReport summarizes a CopyPrefix operation.
type CopyReport struct {
	// ObjectsListed is the number of objects found under the source prefix.
	ObjectsListed int64

	// ObjectsCopied is the number successfully copied.
	ObjectsCopied int64

	// BytesCopied is the total size of successfully copied objects.
	BytesCopied int64

	// Failures lists per-object copy errors. Failures do not abort the
	// operation; remaining objects are still attempted.
	Failures []CopyFailure
}

// CopyFailure records a single failed object copy.
type CopyFailure struct {
	Key string
	Err error
}

// Failed reports whether any object failed to copy.
func (r *CopyReport) Failed() bool {
	return len(r.Failures) > 0
}

// copyOptions holds optional CopyPrefix behavior.
type copyOptions struct {
	workers int
	matcher *match.Matcher
}

// CopyOption configures CopyPrefix.
type CopyOption func(*copyOptions)

// WithCopyWorkers sets the number of concurrent copy workers.
func WithCopyWorkers(n int) CopyOption {
	return func(o *copyOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithCopyMatcher restricts the copy to keys selected by the matcher.
// The matcher is applied to keys relative to the source prefix.
func WithCopyMatcher(m *match.Matcher) CopyOption {
	return func(o *copyOptions) { o.matcher = m }
}

// CopyPrefix copies every object under src to dst, rewriting each key by
// replacing the source prefix with the destination prefix once.
//
// The store must implement Copier. Per-object failures are collected
// into the report rather than aborting: a half-copied Zarr store is
// recoverable by re-running, a silently missing chunk is not.
func CopyPrefix(ctx context.Context, st Store, src, dst Path, opts ...CopyOption) (*CopyReport, error) {
	copier, ok := st.(Copier)
	if !ok {
		return nil, fmt.Errorf("store %T does not support server-side copy", st)
	}

	o := copyOptions{workers: DefaultCopyWorkers}
	for _, opt := range opts {
		opt(&o)
	}

	objects, err := ListAll(ctx, st, src.Bucket, src.Key)
	if err != nil {
		return nil, fmt.Errorf("list source prefix: %w", err)
	}

	report := &CopyReport{ObjectsListed: int64(len(objects))}
	if len(objects) == 0 {
		return report, nil
	}

	var (
		copied   atomic.Int64
		bytes    atomic.Int64
		mu       sync.Mutex
		failures []CopyFailure
	)

	work := make(chan ObjectSummary)
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range work {
				if ctx.Err() != nil {
					return
				}
				dstKey := rewriteKey(obj.Key, src.Key, dst.Key)
				if err := copier.Copy(ctx, src.Bucket, obj.Key, dst.Bucket, dstKey); err != nil {
					mu.Lock()
					failures = append(failures, CopyFailure{Key: obj.Key, Err: err})
					mu.Unlock()
					continue
				}
				copied.Add(1)
				bytes.Add(obj.Size)
			}
		}()
	}

	for _, obj := range objects {
		if o.matcher != nil && !o.matcher.Match(strings.TrimPrefix(obj.Key, src.Key)) {
			continue
		}
		select {
		case work <- obj:
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return report, ctx.Err()
		}
	}
	close(work)
	wg.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].Key < failures[j].Key })

	report.ObjectsCopied = copied.Load()
	report.BytesCopied = bytes.Load()
	report.Failures = failures
	return report, nil
}

// rewriteKey replaces the source prefix with the destination prefix once.
func rewriteKey(key, srcPrefix, dstPrefix string) string {
	if srcPrefix == "" {
		if dstPrefix == "" {
			return key
		}
		return strings.TrimSuffix(dstPrefix, "/") + "/" + key
	}
	return strings.Replace(key, srcPrefix, dstPrefix, 1)
}
