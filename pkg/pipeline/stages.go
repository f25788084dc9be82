package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/earthscale/geoflow/pkg/events"
	"github.com/earthscale/geoflow/pkg/executor"
	"github.com/earthscale/geoflow/pkg/geoserver"
	"github.com/earthscale/geoflow/pkg/notify"
	"github.com/earthscale/geoflow/pkg/resolver"
	"github.com/earthscale/geoflow/pkg/storage"
)

// Remote algorithm coordinates. The ingest algorithm releases from
// main; the converters release from master.
const (
	algoStage        = "czdt-iss-ingest"
	algoStageVersion = "main"

	algoNetCDFToZarr = "CZDT_NETCDF_TO_ZARR"
	algoZarrConcat   = "CZDT_ZARR_CONCAT"
	algoZarrToCOG    = "CZDT_ZARR_TO_COG"
	converterVersion = "master"
)

// runStage submits the DAAC ingest job and waits it out. The staged
// granule lands under the run's bucket and prefix; the next step
// reads the job's own output listing to find it.
func (o *Orchestrator) runStage(ctx context.Context, rc *RunContext, flow *flowState, logger *zap.Logger) error {
	o.notifier.Log(ctx, fmt.Sprintf("Staging granule %s from DAAC", rc.Input))

	spec := executor.JobSpec{
		Algorithm:  algoStage,
		Version:    algoStageVersion,
		Queue:      rc.JobQueue,
		Identifier: rc.identifier(StepStage, rc.Input, urlSuffixLen),
		Params: map[string]string{
			"granule_id":    rc.Input,
			"collection_id": rc.CollectionID,
			"s3_bucket":     rc.Bucket,
			"s3_prefix":     rc.Prefix,
			"role_arn":      rc.RoleARN,
		},
	}

	h, err := o.submitJob(ctx, rc, StepStage, spec)
	if err != nil {
		return err
	}
	if h.Rejected() {
		return &SubmissionError{Step: StepStage, Detail: executor.ResolveError(h)}
	}

	logger.Info("staging job submitted",
		zap.String("job_id", h.ID),
		zap.String("granule", rc.Input))
	if err := o.awaitJob(ctx, h); err != nil {
		return err
	}

	flow.staged = h
	flow.lastJobID = h.ID
	o.emitStage(ctx, StepStage, events.EventCompleted, 1, 0, nil)
	return nil
}

// runNetCDFToZarr converts one NetCDF file to a Zarr store. With a
// staged granule upstream the staging job's outputs are probed for
// the file; otherwise the run's input URL is used directly. Produced
// stores are mirrored into the run's canonical bucket after
// resolution.
func (o *Orchestrator) runNetCDFToZarr(ctx context.Context, rc *RunContext, flow *flowState, logger *zap.Logger) error {
	input := rc.Input
	identifier := rc.identifier(StepNetCDFToZarr, rc.Input, urlSuffixLen)
	if flow.staged != nil {
		nc, err := o.stagedNetCDF(ctx, flow.staged)
		if err != nil {
			return err
		}
		input = nc
		identifier = rc.identifier(StepNetCDFToZarr, flow.staged.ID, jobSuffixLen)
	}

	o.notifier.Log(ctx, fmt.Sprintf("Converting NetCDF to Zarr: %s", input))

	pattern, err := ncPattern(input)
	if err != nil {
		return err
	}

	spec := executor.JobSpec{
		Algorithm:  algoNetCDFToZarr,
		Version:    converterVersion,
		Queue:      rc.JobQueue,
		Identifier: identifier,
		Params: map[string]string{
			"input_s3":    input,
			"zarr_access": "stage",
			"config":      rc.ZarrConfigURL,
			"config_path": path.Join("input", path.Base(rc.ZarrConfigURL)),
			"pattern":     pattern,
			"output":      zarrName(input),
			"variables":   rc.Variables,
		},
	}

	h, err := o.submitJob(ctx, rc, StepNetCDFToZarr, spec)
	if err != nil {
		return err
	}
	if h.Rejected() {
		return &SubmissionError{Step: StepNetCDFToZarr, Detail: executor.ResolveError(h)}
	}
	if err := o.awaitJob(ctx, h); err != nil {
		return err
	}

	stores, err := o.resolver.Resolve(ctx, []*executor.Handle{h}, ".zarr", resolver.PrefixMode())
	if err != nil {
		return err
	}
	if len(stores) == 0 {
		return fmt.Errorf("%w: netcdf2zarr job %s produced no Zarr stores", ErrNoOutputs, h.ID)
	}

	o.copyToCanonical(ctx, rc, stores, logger)

	flow.zarrStores = stores
	flow.lastJobID = h.ID
	o.emitOutputs(ctx, StepNetCDFToZarr, ".zarr", stores)
	o.emitStage(ctx, StepNetCDFToZarr, events.EventCompleted, 1, len(stores), nil)
	return nil
}

// stagedNetCDF locates the NetCDF file a staging job produced,
// preferring the newer .nc4 extension when both are present.
func (o *Orchestrator) stagedNetCDF(ctx context.Context, staged *executor.Handle) (string, error) {
	handles := []*executor.Handle{staged}
	files, err := o.resolver.Resolve(ctx, handles, ".nc4")
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		files, err = o.resolver.Resolve(ctx, handles, ".nc")
		if err != nil {
			return "", err
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: staging job %s produced no NetCDF files", ErrNoOutputs, staged.ID)
	}
	return files[0], nil
}

// ncPattern derives the conversion glob from the input extension.
func ncPattern(input string) (string, error) {
	switch {
	case strings.HasSuffix(input, ".nc4"):
		return "*.nc4", nil
	case strings.HasSuffix(input, ".nc"):
		return "*.nc", nil
	}
	return "", fmt.Errorf("%w: unsupported NetCDF extension in %q", ErrInvalidRun, input)
}

// zarrName derives the output store name from the input filename, so
// data.nc4 becomes data.zarr.
func zarrName(input string) string {
	base := path.Base(input)
	return strings.TrimSuffix(base, path.Ext(base)) + ".zarr"
}

// copyToCanonical mirrors produced Zarr stores into the run's output
// bucket so they outlive the executor's scratch space. Mirror
// problems are logged, never fatal: downstream steps read the
// originals.
func (o *Orchestrator) copyToCanonical(ctx context.Context, rc *RunContext, stores []string, logger *zap.Logger) {
	if rc.Bucket == "" {
		return
	}
	var opts []storage.CopyOption
	if o.copyWorkers > 0 {
		opts = append(opts, storage.WithCopyWorkers(o.copyWorkers))
	}
	for _, store := range stores {
		src, err := storage.Parse(store)
		if err != nil {
			logger.Warn("skipping mirror of unparseable store",
				zap.String("store", store), zap.Error(err))
			continue
		}
		dst := storage.Path{
			Bucket: rc.Bucket,
			Key:    joinKey(rc.Prefix, rc.CollectionID, path.Base(strings.TrimSuffix(src.Key, "/"))),
		}
		report, err := storage.CopyPrefix(ctx, o.store, src, dst, opts...)
		if err != nil {
			logger.Warn("zarr mirror failed", zap.String("store", store), zap.Error(err))
			continue
		}
		if len(report.Failures) > 0 {
			logger.Warn("zarr mirror incomplete",
				zap.String("store", store),
				zap.Int64("copied", report.ObjectsCopied),
				zap.Int("failed", len(report.Failures)))
			continue
		}
		logger.Info("zarr store mirrored",
			zap.String("from", store),
			zap.String("to", dst.String()),
			zap.Int64("objects", report.ObjectsCopied))
	}
}

// runConcat merges the flow's Zarr stores over a time window. The
// manifest listing the stores is uploaded before the job is submitted
// so the job can never observe a missing manifest, and deleted
// best-effort once the job is done with it.
func (o *Orchestrator) runConcat(ctx context.Context, rc *RunContext, flow *flowState, logger *zap.Logger) error {
	if len(flow.zarrStores) == 0 {
		return fmt.Errorf("%w: concat has no Zarr stores to merge", ErrNoOutputs)
	}
	if o.manifestBase == nil {
		return fmt.Errorf("%w: concat manifest location is not configured", ErrInvalidRun)
	}
	if o.concatConfigURL == "" {
		return fmt.Errorf("%w: concat aggregation config is not configured", ErrInvalidRun)
	}

	manifestID := flow.lastJobID
	if manifestID == "" {
		manifestID = rc.ID
	}

	o.notifier.Log(ctx, fmt.Sprintf("Concatenating Zarr files from job %s", manifestID))

	manifest, err := json.MarshalIndent(flow.zarrStores, "", "  ")
	if err != nil {
		return fmt.Errorf("encode concat manifest: %w", err)
	}
	manifestPath := storage.Path{
		Bucket: o.manifestBase.Bucket,
		Key:    joinKey(o.manifestBase.Key, manifestID+".json"),
	}
	if err := o.store.Put(ctx, manifestPath.Bucket, manifestPath.Key,
		bytes.NewReader(manifest), int64(len(manifest)), "application/json"); err != nil {
		return fmt.Errorf("upload concat manifest %s: %w", manifestPath, err)
	}
	logger.Info("concat manifest uploaded",
		zap.String("manifest", manifestPath.String()),
		zap.Int("stores", len(flow.zarrStores)))
	defer func() {
		if err := o.store.Delete(ctx, manifestPath.Bucket, manifestPath.Key); err != nil {
			logger.Warn("concat manifest cleanup failed",
				zap.String("manifest", manifestPath.String()), zap.Error(err))
		}
	}()

	spec := executor.JobSpec{
		Algorithm:  algoZarrConcat,
		Version:    converterVersion,
		Queue:      rc.JobQueue,
		Identifier: rc.identifier(StepConcat, manifestID, jobSuffixLen),
		Params: map[string]string{
			"config":        o.concatConfigURL,
			"config_path":   path.Join("input", path.Base(o.concatConfigURL)),
			"zarr_manifest": manifestPath.String(),
			"zarr_access":   "mount",
			"duration":      rc.ConcatDuration,
			"output":        fmt.Sprintf("concat.%s.zarr", manifestID),
		},
	}

	h, err := o.submitJob(ctx, rc, StepConcat, spec)
	if err != nil {
		return err
	}
	if h.Rejected() {
		return &SubmissionError{Step: StepConcat, Detail: executor.ResolveError(h)}
	}
	if err := o.awaitJob(ctx, h); err != nil {
		return err
	}

	stores, err := o.resolver.Resolve(ctx, []*executor.Handle{h}, ".zarr", resolver.PrefixMode())
	if err != nil {
		return err
	}
	if len(stores) == 0 {
		return fmt.Errorf("%w: concat job %s produced no Zarr store", ErrNoOutputs, h.ID)
	}

	flow.zarrStores = stores
	flow.lastJobID = h.ID
	o.emitOutputs(ctx, StepConcat, ".zarr", stores)
	o.emitStage(ctx, StepConcat, events.EventCompleted, 1, len(stores), nil)
	return nil
}

// runZarrToCOG fans out one conversion job per Zarr store. A rejected
// submission drops that store with a warning rather than aborting its
// siblings; only a fully rejected fan-out fails the step.
func (o *Orchestrator) runZarrToCOG(ctx context.Context, rc *RunContext, flow *flowState, logger *zap.Logger) error {
	if len(flow.zarrStores) == 0 {
		return fmt.Errorf("%w: zarr2cog has no Zarr stores to convert", ErrNoOutputs)
	}

	o.notifier.Log(ctx, fmt.Sprintf("Converting %d Zarr file(s) to COG", len(flow.zarrStores)))

	handles := make([]*executor.Handle, 0, len(flow.zarrStores))
	for _, store := range flow.zarrStores {
		store = strings.TrimSuffix(store, "/")
		spec := executor.JobSpec{
			Algorithm:  algoZarrToCOG,
			Version:    converterVersion,
			Queue:      rc.JobQueue,
			Identifier: rc.identifier(StepZarrToCOG, store, urlSuffixLen),
			Params: map[string]string{
				"zarr":        store + "/",
				"zarr_access": "stage",
				"time":        "time",
				"latitude":    "lat",
				"longitude":   "lon",
				"output_name": strings.TrimSuffix(path.Base(store), ".zarr"),
			},
		}
		h, err := o.submitJob(ctx, rc, StepZarrToCOG, spec)
		if err != nil {
			return err
		}
		if h.Rejected() {
			logger.Warn("zarr2cog submission rejected, skipping store",
				zap.String("store", store),
				zap.String("reason", executor.ResolveError(h)))
			continue
		}
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		return &NoJobsSubmittedError{Step: StepZarrToCOG}
	}

	if err := o.awaitJobs(ctx, handles); err != nil {
		return err
	}

	cogs, err := o.resolver.Resolve(ctx, handles, ".tif")
	if err != nil {
		return err
	}

	flow.cogs = cogs
	flow.lastJobID = handles[len(handles)-1].ID
	o.emitOutputs(ctx, StepZarrToCOG, ".tif", cogs)
	o.emitStage(ctx, StepZarrToCOG, events.EventCompleted, len(handles), len(cogs), nil)
	return nil
}

// runCatalog registers the produced COGs and announces the product.
func (o *Orchestrator) runCatalog(ctx context.Context, rc *RunContext, flow *flowState, logger *zap.Logger) error {
	if o.cataloger == nil {
		return fmt.Errorf("%w: the catalog step requires a configured catalog service", ErrInvalidRun)
	}

	o.notifier.Log(ctx, fmt.Sprintf("Cataloging %d COG file(s) to STAC", len(flow.cogs)))

	res, err := o.cataloger.CatalogCOGs(ctx, flow.cogs, rc.CollectionID, rc.Upsert)
	if err != nil {
		return err
	}

	method := "insert"
	if rc.Upsert {
		method = "upsert"
	}
	o.writeEvent(func() error {
		return o.events.WriteCatalog(ctx, &events.CatalogRecord{
			Collection: rc.CollectionID,
			Items:      res.ItemsIngested,
			Method:     method,
			RecordURLs: res.OGCURLs,
		})
	})

	o.notifier.ProductAvailable(ctx, notify.Product{
		ConceptID: rc.CollectionID,
		OGC:       res.OGCURLs,
		URIs:      res.AssetURIs,
		JobID:     rc.ID,
	})
	o.notifier.Log(ctx, fmt.Sprintf("Product available for collection %s", rc.CollectionID))

	logger.Info("products cataloged",
		zap.String("collection", rc.CollectionID),
		zap.Int("items", res.ItemsIngested))
	o.emitStage(ctx, StepCatalog, events.EventCompleted, 0, res.ItemsIngested, nil)
	return nil
}

// publishGeoPackage serves the GeoPackage flow: download the file,
// publish it to GeoServer under the configured workspace, and
// announce the layers' WFS endpoints as the product.
func (o *Orchestrator) publishGeoPackage(ctx context.Context, rc *RunContext, logger *zap.Logger) error {
	if o.geoserver == nil {
		return fmt.Errorf("%w: GeoPackage input requires a configured GeoServer", ErrInvalidRun)
	}

	p, err := storage.Parse(rc.Input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}

	f, err := o.fetchToTemp(ctx, p)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	stem := strings.TrimSuffix(path.Base(p.Key), path.Ext(p.Key))

	if err := o.geoserver.EnsureWorkspace(ctx, o.workspace); err != nil {
		return err
	}
	layers, err := o.geoserver.Publish(ctx, o.workspace, stem, f)
	if err != nil {
		return err
	}

	urls := make([]string, 0, len(layers))
	for _, layer := range layers {
		urls = append(urls, geoserver.WFSURL(o.geoHost, o.workspace, layer))
	}

	o.notifier.ProductAvailable(ctx, notify.Product{
		ConceptID: rc.CollectionID,
		URIs:      urls,
		JobID:     rc.ID,
	})
	o.notifier.Log(ctx, fmt.Sprintf("Products available for collection %s", rc.CollectionID))

	logger.Info("geopackage published",
		zap.String("workspace", o.workspace),
		zap.Strings("layers", layers))
	o.emitOutputs(ctx, StepCatalog, "", urls)
	o.emitStage(ctx, StepCatalog, events.EventCompleted, 0, len(urls), nil)
	return nil
}

// fetchToTemp downloads an object to a temp file and rewinds it.
// GeoServer wants a replayable body with a known length, so the
// object is not streamed through.
func (o *Orchestrator) fetchToTemp(ctx context.Context, p storage.Path) (*os.File, error) {
	body, _, err := o.store.Get(ctx, p.Bucket, p.Key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	defer func() { _ = body.Close() }()

	f, err := os.CreateTemp(o.downloadDir, "geoflow-*"+path.Ext(p.Key))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}
