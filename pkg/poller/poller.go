// Package poller waits for remote jobs to finish.
//
// Each job is polled with exponential backoff: the interval starts at
// a seed, doubles after every observation, and is capped. A separate
// wall-clock ceiling bounds the total wait per job. Batches are polled
// concurrently with one goroutine per job, so a batch completes on the
// slowest job's clock rather than the sum of all jobs.
//
// A timed-out wait abandons the local wait only; the remote job is not
// cancelled.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/earthscale/geoflow/pkg/executor"
)

const (
	// DefaultSeed is the initial polling interval.
	DefaultSeed = 1 * time.Second

	// DefaultMaxInterval caps the backoff between polls.
	DefaultMaxInterval = 64 * time.Second

	// DefaultMaxTotalWait bounds the total wall-clock wait per job.
	DefaultMaxTotalWait = 48 * time.Hour
)

// Config holds the backoff parameters for a Poller.
type Config struct {
	// Seed is the first polling interval.
	Seed time.Duration

	// MaxInterval caps the doubled interval.
	MaxInterval time.Duration

	// MaxTotalWait bounds the total wait for a single job.
	MaxTotalWait time.Duration
}

// DefaultConfig returns the standard backoff parameters.
func DefaultConfig() Config {
	return Config{
		Seed:         DefaultSeed,
		MaxInterval:  DefaultMaxInterval,
		MaxTotalWait: DefaultMaxTotalWait,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxTotalWait == 0 {
		c.MaxTotalWait = d.MaxTotalWait
	}
	return c
}

// Validate checks the backoff parameters.
func (c Config) Validate() error {
	if c.Seed <= 0 {
		return fmt.Errorf("poller config: seed must be positive, got %s", c.Seed)
	}
	if c.MaxInterval <= 0 {
		return fmt.Errorf("poller config: max interval must be positive, got %s", c.MaxInterval)
	}
	if c.MaxTotalWait <= 0 {
		return fmt.Errorf("poller config: max total wait must be positive, got %s", c.MaxTotalWait)
	}
	if c.Seed > c.MaxInterval {
		return fmt.Errorf("poller config: seed %s exceeds max interval %s", c.Seed, c.MaxInterval)
	}
	return nil
}

// StatusFunc fetches the current status of a job, recording it on the
// handle. executor.Client.Refresh satisfies this signature.
type StatusFunc func(ctx context.Context, h *executor.Handle) (executor.Status, error)

// Poller awaits remote jobs with capped exponential backoff.
type Poller struct {
	status  StatusFunc
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	// sleep and now are injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithConfig overrides the backoff parameters. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(p *Poller) {
		p.cfg = cfg.withDefaults()
	}
}

// WithLimiter applies a shared rate limiter before every status call,
// bounding the aggregate request rate across concurrent polls.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *Poller) {
		p.limiter = l
	}
}

// WithLogger sets the logger for poll observations.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSleep injects the sleep function. Used by tests to observe
// backoff intervals without waiting.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithClock injects the time source used for the total-wait ceiling.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a Poller that fetches job status via status.
func New(status StatusFunc, opts ...Option) (*Poller, error) {
	if status == nil {
		return nil, errors.New("poller: status function is required")
	}

	p := &Poller{
		status: status,
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Await polls until the job reaches a terminal state. It returns nil
// on success, *JobFailedError on a terminal failure, *TimeoutError
// when the total-wait ceiling is exceeded, and the context error on
// cancellation. Transport errors from the status function are
// non-terminal: they are logged and retried under the same ceiling.
func (p *Poller) Await(ctx context.Context, h *executor.Handle) error {
	if h.Rejected() {
		return fmt.Errorf("cannot await job %q: %w", h.Identifier, executor.ErrNoJobID)
	}

	start := p.now()
	interval := p.cfg.Seed

	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		status, err := p.status(ctx, h)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("job status check failed, retrying",
				zap.String("job_id", h.ID),
				zap.Error(err))
		default:
			switch executor.Classify(status) {
			case executor.Done:
				p.logger.Debug("job succeeded", zap.String("job_id", h.ID))
				return nil
			case executor.Fatal:
				return &JobFailedError{
					JobID:  h.ID,
					Status: status,
					Reason: executor.ResolveError(h),
				}
			default:
				if status == executor.StatusUnknown {
					p.logger.Warn("unrecognized job status, continuing to poll",
						zap.String("job_id", h.ID),
						zap.String("raw_status", h.RawStatus))
				} else {
					p.logger.Debug("job in flight",
						zap.String("job_id", h.ID),
						zap.String("status", string(status)),
						zap.Duration("next_poll", interval))
				}
			}
		}

		waited := p.now().Sub(start)
		if waited >= p.cfg.MaxTotalWait {
			return &TimeoutError{JobID: h.ID, Waited: waited}
		}

		if err := p.sleep(ctx, interval); err != nil {
			return err
		}

		interval *= 2
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}

// AwaitAll awaits every handle concurrently, one goroutine per job.
// Every job is awaited to a terminal state even after a sibling
// fails. It returns nil when all jobs succeed, otherwise a
// *MultiError aggregating each failure.
func (p *Poller) AwaitAll(ctx context.Context, handles []*executor.Handle) error {
	if len(handles) == 0 {
		return nil
	}

	errs := make([]error, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Await(ctx, h)
		}()
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &MultiError{Errors: failed}
}

// sleepContext sleeps for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
