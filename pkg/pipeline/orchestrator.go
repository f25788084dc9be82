package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/earthscale/geoflow/pkg/catalog"
	"github.com/earthscale/geoflow/pkg/events"
	"github.com/earthscale/geoflow/pkg/executor"
	"github.com/earthscale/geoflow/pkg/notify"
	"github.com/earthscale/geoflow/pkg/resolver"
	"github.com/earthscale/geoflow/pkg/runledger"
	"github.com/earthscale/geoflow/pkg/storage"
)

// Submitter submits job specs to the remote executor.
type Submitter interface {
	Submit(ctx context.Context, spec executor.JobSpec) (*executor.Handle, error)
}

// Awaiter drives submitted jobs to a terminal state.
type Awaiter interface {
	Await(ctx context.Context, h *executor.Handle) error
	AwaitAll(ctx context.Context, handles []*executor.Handle) error
}

// OutputResolver expands finished jobs into the storage locations
// they produced.
type OutputResolver interface {
	Resolve(ctx context.Context, handles []*executor.Handle, suffix string, opts ...resolver.Option) ([]string, error)
}

// Cataloger registers produced COGs with the catalog service.
type Cataloger interface {
	CatalogCOGs(ctx context.Context, cogPaths []string, collectionID string, upsert bool) (*catalog.Result, error)
}

// Notifier emits operator-facing pipeline messages. Implementations
// are best-effort; the orchestrator never learns about their
// failures.
type Notifier interface {
	Log(ctx context.Context, message string)
	ProductAvailable(ctx context.Context, p notify.Product)
}

// GeoPublisher pushes GeoPackage stores to a map server.
type GeoPublisher interface {
	EnsureWorkspace(ctx context.Context, name string) error
	Publish(ctx context.Context, workspace, store string, r io.Reader) ([]string, error)
}

// ObjectStore is the storage surface a run needs: listing and copying
// for Zarr mirrors, get for GeoPackage downloads, put and delete for
// concat manifests.
type ObjectStore interface {
	storage.Store
	storage.Getter
	storage.Putter
	storage.Deleter
}

// Config wires an Orchestrator. Executor, Poller, Resolver, and Store
// are required; the rest unlock the steps that use them and may stay
// nil when those steps never run.
type Config struct {
	Executor Submitter
	Poller   Awaiter
	Resolver OutputResolver
	Store    ObjectStore

	// Cataloger handles the catalog step for conversion flows.
	Cataloger Cataloger

	// Notifier receives CMSS log lines and product announcements.
	// Nil disables both.
	Notifier Notifier

	// GeoServer publishes GeoPackage inputs. GeoServerHost is the
	// public host WFS record URLs are built on; Workspace is the
	// workspace layers land in.
	GeoServer     GeoPublisher
	GeoServerHost string
	Workspace     string

	// ConcatConfigURL is the aggregation config handed to concat
	// jobs.
	ConcatConfigURL string

	// ConcatManifestBase is the s3://bucket/prefix concat manifests
	// are written under; concat jobs read their input list from
	// there.
	ConcatManifestBase string

	// DownloadDir is where GeoPackage inputs are downloaded before
	// upload to GeoServer. Empty uses the system temp directory.
	DownloadDir string

	// Ledger, when set, records the job IDs each step submits.
	Ledger *runledger.Store

	// Events, when set, receives the run's event records.
	Events events.Writer

	Logger *zap.Logger

	// CopyWorkers bounds the Zarr mirror fan-out per store.
	CopyWorkers int

	// Now is the run clock. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator executes pipeline runs.
type Orchestrator struct {
	executor  Submitter
	poller    Awaiter
	resolver  OutputResolver
	store     ObjectStore
	cataloger Cataloger
	notifier  Notifier
	geoserver GeoPublisher
	geoHost   string
	workspace string

	concatConfigURL string
	manifestBase    *storage.Path
	downloadDir     string

	ledger *runledger.Store
	events events.Writer
	logger *zap.Logger

	copyWorkers int
	now         func() time.Time
}

// New builds an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Executor == nil:
		return nil, fmt.Errorf("pipeline: executor is required")
	case cfg.Poller == nil:
		return nil, fmt.Errorf("pipeline: poller is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("pipeline: resolver is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("pipeline: object store is required")
	}

	o := &Orchestrator{
		executor:        cfg.Executor,
		poller:          cfg.Poller,
		resolver:        cfg.Resolver,
		store:           cfg.Store,
		cataloger:       cfg.Cataloger,
		notifier:        cfg.Notifier,
		geoserver:       cfg.GeoServer,
		geoHost:         cfg.GeoServerHost,
		workspace:       cfg.Workspace,
		concatConfigURL: cfg.ConcatConfigURL,
		downloadDir:     cfg.DownloadDir,
		ledger:          cfg.Ledger,
		events:          cfg.Events,
		logger:          cfg.Logger,
		copyWorkers:     cfg.CopyWorkers,
		now:             cfg.Now,
	}
	if cfg.ConcatManifestBase != "" {
		base, err := storage.Parse(cfg.ConcatManifestBase)
		if err != nil {
			return nil, fmt.Errorf("pipeline: concat manifest base: %w", err)
		}
		o.manifestBase = &base
	}
	if o.notifier == nil {
		o.notifier = notify.New("")
	}
	if o.events == nil {
		o.events = events.NopWriter{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.workspace == "" {
		o.workspace = "czdt"
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Run executes the context's steps in order. Any step failure aborts
// the remainder; artifacts produced by completed steps stay in place
// so a later run can resume from them.
func (o *Orchestrator) Run(ctx context.Context, rc *RunContext) error {
	rc.normalize(o.now())
	if err := ValidateRun(rc); err != nil {
		return err
	}

	logger := o.logger.With(
		zap.String("run_id", rc.ID),
		zap.String("input_type", string(rc.InputType)),
	)
	logger.Info("run started",
		zap.String("name", rc.Name),
		zap.String("input", rc.Input),
		zap.Strings("steps", stepNames(rc.Steps)),
	)
	o.emitRun(ctx, rc, events.EventStarted, nil)
	for _, step := range canonicalSteps {
		if !containsStep(rc.Steps, step) {
			o.emitStage(ctx, step, events.EventSkipped, 0, 0, nil)
		}
	}

	if err := o.runSteps(ctx, rc, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		o.emitRun(ctx, rc, events.EventFailed, err)
		return err
	}

	logger.Info("run completed", zap.Duration("elapsed", o.now().Sub(rc.started)))
	o.emitRun(ctx, rc, events.EventCompleted, nil)
	return nil
}

// flowState is what moves between steps: the staged granule's handle,
// the Zarr stores conversion produced, and the COGs to catalog.
// lastJobID names the most recent upstream job so the next step can
// derive its identifier and manifest names from it.
type flowState struct {
	staged     *executor.Handle
	zarrStores []string
	cogs       []string
	lastJobID  string
}

func (o *Orchestrator) runSteps(ctx context.Context, rc *RunContext, logger *zap.Logger) error {
	flow := &flowState{}
	if rc.InputType == InputS3Zarr {
		flow.zarrStores = []string{strings.TrimSuffix(rc.Input, "/")}
	}
	for _, step := range rc.Steps {
		if err := o.runStep(ctx, rc, step, flow, logger); err != nil {
			return err
		}
	}
	o.announceTerminalArtifacts(ctx, rc, flow)
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, rc *RunContext, step Step, flow *flowState, logger *zap.Logger) error {
	o.emitStage(ctx, step, events.EventStarted, 0, 0, nil)

	var err error
	switch step {
	case StepStage:
		err = o.runStage(ctx, rc, flow, logger)
	case StepNetCDFToZarr:
		err = o.runNetCDFToZarr(ctx, rc, flow, logger)
	case StepConcat:
		err = o.runConcat(ctx, rc, flow, logger)
	case StepZarrToCOG:
		err = o.runZarrToCOG(ctx, rc, flow, logger)
	case StepCatalog:
		if rc.InputType == InputS3GeoPackage {
			err = o.publishGeoPackage(ctx, rc, logger)
		} else {
			err = o.runCatalog(ctx, rc, flow, logger)
		}
	default:
		err = fmt.Errorf("%w: unknown step %q", ErrInvalidRun, step)
	}
	if err != nil {
		o.emitStage(ctx, step, events.EventFailed, 0, 0, err)
		return err
	}
	return nil
}

// announceTerminalArtifacts emits a product notification for runs
// that end before the catalog step. A conversion-only run's product
// is its Zarr stores; a run ending at zarr2cog announces the COGs.
func (o *Orchestrator) announceTerminalArtifacts(ctx context.Context, rc *RunContext, flow *flowState) {
	if containsStep(rc.Steps, StepCatalog) || len(rc.Steps) == 0 {
		return
	}
	var uris []string
	switch rc.Steps[len(rc.Steps)-1] {
	case StepNetCDFToZarr, StepConcat:
		uris = flow.zarrStores
	case StepZarrToCOG:
		uris = flow.cogs
	}
	if len(uris) == 0 {
		return
	}
	o.notifier.ProductAvailable(ctx, notify.Product{
		ConceptID: rc.CollectionID,
		URIs:      uris,
		JobID:     rc.ID,
	})
	if rc.CollectionID != "" {
		o.notifier.Log(ctx, fmt.Sprintf("Product available for collection %s", rc.CollectionID))
	}
}

// submitJob submits one spec and records the outcome in the ledger
// and event stream. A rejection comes back on the handle, not as an
// error; callers decide whether the step can proceed without it.
func (o *Orchestrator) submitJob(ctx context.Context, rc *RunContext, step Step, spec executor.JobSpec) (*executor.Handle, error) {
	h, err := o.executor.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	if h.Rejected() {
		o.emitJob(ctx, h, spec.Algorithm, events.EventRejected, executor.ResolveError(h))
		return h, nil
	}
	o.recordJob(rc, step, h.ID)
	o.emitJob(ctx, h, spec.Algorithm, events.EventSubmitted, "")
	return h, nil
}

// awaitJob waits a single handle out and emits its terminal event.
func (o *Orchestrator) awaitJob(ctx context.Context, h *executor.Handle) error {
	err := o.poller.Await(ctx, h)
	o.emitJobOutcome(ctx, h, err)
	return err
}

// awaitJobs waits out a fan-out and emits a terminal event per
// handle.
func (o *Orchestrator) awaitJobs(ctx context.Context, handles []*executor.Handle) error {
	err := o.poller.AwaitAll(ctx, handles)
	for _, h := range handles {
		o.emitJobOutcome(ctx, h, err)
	}
	return err
}

func (o *Orchestrator) emitJobOutcome(ctx context.Context, h *executor.Handle, awaitErr error) {
	switch executor.Classify(h.Status) {
	case executor.Done:
		o.emitJob(ctx, h, "", events.EventCompleted, "")
	case executor.Fatal:
		o.emitJob(ctx, h, "", events.EventFailed, executor.ResolveError(h))
	default:
		reason := "job did not reach a terminal state"
		if awaitErr != nil {
			reason = awaitErr.Error()
		}
		o.emitJob(ctx, h, "", events.EventTimedOut, reason)
	}
}

func (o *Orchestrator) recordJob(rc *RunContext, step Step, jobID string) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.AddJobs(rc.ID, string(step), []string{jobID}); err != nil {
		o.logger.Warn("ledger update failed", zap.String("run_id", rc.ID), zap.Error(err))
	}
}

// Event emission never fails a run; a broken event sink costs the
// record, not the pipeline.
func (o *Orchestrator) writeEvent(write func() error) {
	if err := write(); err != nil {
		o.logger.Warn("event write failed", zap.Error(err))
	}
}

func (o *Orchestrator) emitRun(ctx context.Context, rc *RunContext, event string, runErr error) {
	rec := &events.RunRecord{
		Event:      event,
		InputType:  string(rc.InputType),
		Input:      rc.Input,
		Collection: rc.CollectionID,
		Steps:      stepNames(rc.Steps),
	}
	if event != events.EventStarted {
		elapsed := o.now().Sub(rc.started)
		rec.Duration = elapsed
		rec.DurationHuman = elapsed.Round(time.Millisecond).String()
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	o.writeEvent(func() error { return o.events.WriteRun(ctx, rec) })
}

func (o *Orchestrator) emitStage(ctx context.Context, step Step, event string, jobs, outputs int, stageErr error) {
	rec := &events.StageRecord{Step: string(step), Event: event, Jobs: jobs, Outputs: outputs}
	if stageErr != nil {
		rec.Error = stageErr.Error()
	}
	o.writeEvent(func() error { return o.events.WriteStage(ctx, rec) })
}

func (o *Orchestrator) emitJob(ctx context.Context, h *executor.Handle, algorithm, event, reason string) {
	rec := &events.JobRecord{
		JobID:      h.ID,
		Identifier: h.Identifier,
		Algorithm:  algorithm,
		Event:      event,
		Status:     h.RawStatus,
		Reason:     reason,
	}
	o.writeEvent(func() error { return o.events.WriteJob(ctx, rec) })
}

func (o *Orchestrator) emitOutputs(ctx context.Context, step Step, suffix string, uris []string) {
	rec := &events.OutputRecord{Step: string(step), Suffix: suffix, URIs: uris}
	o.writeEvent(func() error { return o.events.WriteOutput(ctx, rec) })
}
