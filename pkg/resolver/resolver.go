// Package resolver turns completed jobs into concrete storage URIs.
//
// A finished job reports a list of result locations; the first one on
// object storage is the job's output prefix. The resolver lists every
// object under that prefix and filters by filename suffix, or by the
// suffix of the containing prefix when the outputs are directory-style
// stores (Zarr). Results from a batch of jobs merge into one
// deduplicated, sorted set.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/earthscale/geoflow/pkg/executor"
	"github.com/earthscale/geoflow/pkg/match"
	"github.com/earthscale/geoflow/pkg/storage"
)

// DefaultWorkers bounds concurrent per-job listings when Workers is
// not set.
const DefaultWorkers = 8

// Resultser fetches the output locations recorded for a completed
// job. *executor.Client satisfies it.
type Resultser interface {
	Results(ctx context.Context, h *executor.Handle) ([]string, error)
}

// Resolver lists job outputs from object storage.
type Resolver struct {
	// Store lists objects under each job's result prefix.
	Store storage.Store

	// Executor fetches result locations per job.
	Executor Resultser

	// Workers bounds how many jobs are resolved concurrently.
	// Zero means DefaultWorkers.
	Workers int

	// Logger records skipped jobs. Nil disables logging.
	Logger *zap.Logger
}

type options struct {
	prefixMode bool
}

// Option adjusts how outputs are filtered.
type Option func(*options)

// PrefixMode matches the suffix against each key's containing prefix
// instead of the key itself, and collapses matches to
// s3://bucket/prefix. Used for directory-style outputs such as Zarr
// stores, where the interesting unit is the store root rather than
// the chunk files inside it.
func PrefixMode() Option {
	return func(o *options) {
		o.prefixMode = true
	}
}

// Resolve gathers the storage URIs produced by a batch of jobs.
//
// For each handle it fetches the result locations and takes the first
// entry on object storage; jobs with no storage result are skipped,
// not errors (some algorithms only produce side effects). Each result
// prefix is listed in full and filtered by suffix. The merged set is
// deduplicated and sorted. An empty slice is a valid return; callers
// decide whether that is fatal.
func (r *Resolver) Resolve(ctx context.Context, handles []*executor.Handle, suffix string, opts ...Option) ([]string, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(handles) == 0 {
		return nil, nil
	}

	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > len(handles) {
		workers = len(handles)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		seen     = make(map[string]struct{})
		firstErr error
	)

	work := make(chan *executor.Handle)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range work {
				uris, err := r.resolveJob(ctx, h, suffix, o.prefixMode, logger)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
						cancel()
					}
				} else {
					for _, uri := range uris {
						seen[uri] = struct{}{}
					}
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, h := range handles {
		select {
		case work <- h:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	out := make([]string, 0, len(seen))
	for uri := range seen {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out, nil
}

// resolveJob lists one job's outputs and filters them by suffix.
func (r *Resolver) resolveJob(ctx context.Context, h *executor.Handle, suffix string, prefixMode bool, logger *zap.Logger) ([]string, error) {
	locations, err := r.Executor.Results(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("fetch results for job %s: %w", h.ID, err)
	}

	var location string
	for _, loc := range locations {
		if strings.HasPrefix(loc, "s3") {
			location = loc
			break
		}
	}
	if location == "" {
		logger.Debug("job has no storage result, skipping",
			zap.String("job_id", h.ID),
			zap.Int("locations", len(locations)))
		return nil, nil
	}

	p, err := storage.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("job %s result %q: %w", h.ID, location, err)
	}

	objects, err := storage.ListAll(ctx, r.Store, p.Bucket, p.Key)
	if err != nil {
		return nil, fmt.Errorf("list outputs of job %s under %s: %w", h.ID, p, err)
	}

	var uris []string
	for _, obj := range objects {
		if prefixMode {
			parent := match.ParentPrefix(obj.Key)
			if parent != "" && strings.HasSuffix(parent, suffix) {
				uris = append(uris, "s3://"+p.Bucket+"/"+parent)
			}
		} else if strings.HasSuffix(obj.Key, suffix) {
			uris = append(uris, "s3://"+p.Bucket+"/"+obj.Key)
		}
	}
	return uris, nil
}
