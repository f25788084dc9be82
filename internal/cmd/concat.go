package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/earthscale/geoflow/internal/config"
	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/observability"
	"github.com/earthscale/geoflow/pkg/catalog"
	"github.com/earthscale/geoflow/pkg/executor"
	"github.com/earthscale/geoflow/pkg/poller"
	"github.com/earthscale/geoflow/pkg/resolver"
	"github.com/earthscale/geoflow/pkg/sdap"
	"github.com/earthscale/geoflow/pkg/storage"
	s3store "github.com/earthscale/geoflow/pkg/storage/s3"
)

var concatCmd = &cobra.Command{
	Use:   "concat",
	Short: "Concatenate cataloged Zarr stores over a time window",
	Long: `Search the STAC catalog for a collection's Zarr stores inside a time
window, concatenate them into one store with a remote job, and register
the result as an SDAP dataset.

The window is either an absolute --start-date/--end-date pair or a
relative --days-back count, never both. With a single store in the
window the concatenation job is skipped and that store is registered
directly.

Examples:
  geoflow concat --collection-id C123 --days-back 5 --sdap-collection-name sst --variable analysed_sst --s3-bucket products
  geoflow concat --collection-id C123 --start-date 2026-01-01 --end-date 2026-01-31 --sdap-collection-name sst --variable analysed_sst --s3-bucket products`,
	RunE: runConcatCmd,
}

var (
	concatCollectionID string
	concatStartDate    string
	concatEndDate      string
	concatDaysBack     int

	concatBucket        string
	concatPrefix        string
	concatJobQueue      string
	concatMAAPHost      string
	concatMMGISHost     string
	concatZarrConfigURL string

	concatSDAPHost     string
	concatSDAPName     string
	concatVariable     string
	concatInsecureSDAP bool
)

func init() {
	rootCmd.AddCommand(concatCmd)

	concatCmd.Flags().StringVar(&concatCollectionID, "collection-id", "", "STAC collection to search (required)")
	concatCmd.Flags().StringVar(&concatStartDate, "start-date", "", "Window start, YYYY-MM-DD")
	concatCmd.Flags().StringVar(&concatEndDate, "end-date", "", "Window end, YYYY-MM-DD")
	concatCmd.Flags().IntVar(&concatDaysBack, "days-back", 0, "Relative window ending now")

	concatCmd.Flags().StringVar(&concatBucket, "s3-bucket", "", "Bucket for the concat manifest")
	concatCmd.Flags().StringVar(&concatPrefix, "s3-prefix", "", "Key prefix for the concat manifest")
	concatCmd.Flags().StringVar(&concatJobQueue, "job-queue", "", "Executor queue for the concat job")
	concatCmd.Flags().StringVar(&concatMAAPHost, "maap-host", "", "Job execution API host")
	concatCmd.Flags().StringVar(&concatMMGISHost, "mmgis-host", "", "STAC catalog host")
	concatCmd.Flags().StringVar(&concatZarrConfigURL, "zarr-config-url", "", "S3 URL of the conversion config (coordinate names)")

	concatCmd.Flags().StringVar(&concatSDAPHost, "sdap-host", "", "SDAP management API host")
	concatCmd.Flags().StringVar(&concatSDAPName, "sdap-collection-name", "", "SDAP dataset short name (required)")
	concatCmd.Flags().StringVar(&concatVariable, "variable", "", "Zarr variable to register (required)")
	concatCmd.Flags().BoolVar(&concatInsecureSDAP, "sdap-insecure-tls", false, "Skip SDAP certificate verification")

	_ = concatCmd.MarkFlagRequired("collection-id")
	_ = concatCmd.MarkFlagRequired("sdap-collection-name")
	_ = concatCmd.MarkFlagRequired("variable")
}

// concatWindow is the resolved search interval.
type concatWindow struct {
	start time.Time
	end   time.Time
}

// parseConcatWindow validates the window flags. An absolute range and
// a relative one are mutually exclusive; the end may not precede the
// start; a non-positive days-back is rejected.
func parseConcatWindow(startDate, endDate string, daysBack int, now time.Time) (concatWindow, error) {
	hasRange := startDate != "" || endDate != ""
	hasRelative := daysBack != 0

	switch {
	case hasRange && hasRelative:
		return concatWindow{}, apperrors.New(apperrors.CategoryInvalidArgument,
			"--days-back cannot be combined with --start-date/--end-date")
	case hasRelative:
		if daysBack < 0 {
			return concatWindow{}, apperrors.New(apperrors.CategoryInvalidArgument,
				fmt.Sprintf("--days-back must be positive, got %d", daysBack))
		}
		return concatWindow{start: now.AddDate(0, 0, -daysBack), end: now}, nil
	case startDate == "" || endDate == "":
		return concatWindow{}, apperrors.New(apperrors.CategoryInvalidArgument,
			"provide --days-back or both --start-date and --end-date")
	}

	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return concatWindow{}, apperrors.Wrap(apperrors.CategoryInvalidArgument,
			fmt.Sprintf("invalid --start-date %q", startDate), err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return concatWindow{}, apperrors.Wrap(apperrors.CategoryInvalidArgument,
			fmt.Sprintf("invalid --end-date %q", endDate), err)
	}
	// The end date names a whole day; push the bound to its close so
	// items stamped during that day still match.
	end = end.Add(24*time.Hour - time.Second)
	if end.Before(start) {
		return concatWindow{}, apperrors.New(apperrors.CategoryInvalidArgument,
			fmt.Sprintf("--end-date %s precedes --start-date %s", endDate, startDate))
	}
	return concatWindow{start: start, end: end}, nil
}

// collectZarrHrefs pulls Zarr store locations out of search results.
// HTTP(S) hrefs are normalized to s3:// form; anything else is skipped
// with a warning.
func collectZarrHrefs(items []catalog.Item, logger *zap.Logger) []string {
	seen := make(map[string]bool)
	var stores []string
	for _, item := range items {
		for name, asset := range item.Assets {
			if name != "zarr" && !strings.HasSuffix(strings.TrimSuffix(asset.Href, "/"), ".zarr") {
				continue
			}
			href := asset.Href
			if !strings.HasPrefix(href, "s3://") {
				converted, ok := storage.ConvertHTTP(href)
				if !ok {
					logger.Warn("skipping asset with unsupported scheme",
						zap.String("item", item.ID),
						zap.String("href", href))
					continue
				}
				href = converted
			}
			href = strings.TrimSuffix(href, "/")
			if !seen[href] {
				seen[href] = true
				stores = append(stores, href)
			}
		}
	}
	return stores
}

func runConcatCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	cfg, err := config.Load(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "load configuration", err)
	}

	window, err := parseConcatWindow(concatStartDate, concatEndDate, concatDaysBack, time.Now().UTC())
	if err != nil {
		return err
	}

	stacHost := pick(concatMMGISHost, cfg.STAC.Host)
	if stacHost == "" {
		return apperrors.New(apperrors.CategoryInvalidArgument, "a STAC host is required (--mmgis-host or stac.host)")
	}
	sdapHost := pick(concatSDAPHost, cfg.SDAP.Host)
	if sdapHost == "" {
		return apperrors.New(apperrors.CategoryInvalidArgument, "an SDAP host is required (--sdap-host or sdap.host)")
	}
	zarrConfigURL := pick(concatZarrConfigURL, cfg.ZarrConfigURL)

	stac := catalog.NewClient(stacHost,
		catalog.WithBearerToken(cfg.STAC.Token),
		catalog.WithLogger(logger))
	items, err := stac.Search(ctx, catalog.SearchParams{
		Collection: concatCollectionID,
		Start:      window.start,
		End:        window.end,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "STAC search", err)
	}

	stores := collectZarrHrefs(items, logger)
	logger.Info("zarr stores in window",
		zap.String("collection", concatCollectionID),
		zap.Int("items", len(items)),
		zap.Int("stores", len(stores)))

	var store string
	switch len(stores) {
	case 0:
		fmt.Printf("No Zarr stores for %s in the window; nothing to do\n", concatCollectionID)
		return nil
	case 1:
		// One store needs no concatenation; register it as-is.
		store = stores[0]
	default:
		store, err = submitConcatJob(ctx, cfg, stores, logger)
		if err != nil {
			return err
		}
	}

	if err := registerSDAP(ctx, sdapHost, zarrConfigURL, store, cfg, logger); err != nil {
		return err
	}

	fmt.Printf("Registered %s as SDAP dataset %s\n", store, concatSDAPName)
	return nil
}

// submitConcatJob uploads the store manifest, runs the remote
// concatenation job, and returns the produced store. The manifest is
// uploaded before submission so the job can never observe it missing,
// and deleted best-effort afterwards.
func submitConcatJob(ctx context.Context, cfg *config.Config, stores []string, logger *zap.Logger) (string, error) {
	bucket := pick(concatBucket, cfg.S3.Bucket)
	if bucket == "" {
		return "", apperrors.New(apperrors.CategoryInvalidArgument, "a manifest bucket is required (--s3-bucket or s3.bucket)")
	}
	maapHost := pick(concatMAAPHost, cfg.MAAP.Host)
	if maapHost == "" {
		return "", apperrors.New(apperrors.CategoryInvalidArgument, "a job execution host is required (--maap-host or maap.host)")
	}
	queue := pick(concatJobQueue, cfg.MAAP.Queue)
	configURL := pick(concatZarrConfigURL, cfg.ZarrConfigURL)

	st, err := s3store.New(ctx, s3store.Config{Region: cfg.S3.Region})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CategoryRuntime, "initialize object storage", err)
	}
	defer func() { _ = st.Close() }()

	manifestID := uuid.NewString()
	manifest, err := json.MarshalIndent(stores, "", "  ")
	if err != nil {
		return "", apperrors.Wrap(apperrors.CategoryRuntime, "encode concat manifest", err)
	}
	manifestPath := storage.Path{
		Bucket: bucket,
		Key:    joinPrefix(pick(concatPrefix, cfg.S3.Prefix), "manifests", manifestID+".json"),
	}
	if err := st.Put(ctx, manifestPath.Bucket, manifestPath.Key,
		bytes.NewReader(manifest), int64(len(manifest)), "application/json"); err != nil {
		return "", apperrors.Wrap(apperrors.CategoryUploadFailed, "upload concat manifest", err)
	}
	logger.Info("concat manifest uploaded",
		zap.String("manifest", manifestPath.String()),
		zap.Int("stores", len(stores)))
	defer func() {
		if err := st.Delete(ctx, manifestPath.Bucket, manifestPath.Key); err != nil {
			logger.Warn("concat manifest cleanup failed",
				zap.String("manifest", manifestPath.String()), zap.Error(err))
		}
	}()

	exec := executor.New(maapHost,
		executor.WithBearerToken(cfg.MAAP.Token),
		executor.WithLogger(logger))
	spec := executor.JobSpec{
		Algorithm:  "CZDT_ZARR_CONCAT",
		Version:    "master",
		Queue:      queue,
		Identifier: "geoflow_concat_" + manifestID[:8],
		Params: map[string]string{
			"config":        configURL,
			"zarr_manifest": manifestPath.String(),
			"zarr_access":   "mount",
			// Window mode concatenates exactly the manifest's stores;
			// the job's own rolling window is disabled.
			"duration": "none",
			"output":   fmt.Sprintf("concat.%s.zarr", manifestID),
		},
	}
	h, err := exec.Submit(ctx, spec)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CategoryRuntime, "submit concat job", err)
	}
	if h.Rejected() {
		return "", apperrors.New(apperrors.CategoryJobFailed,
			fmt.Sprintf("concat job rejected: %s", executor.ResolveError(h)))
	}
	logger.Info("concat job submitted", zap.String("job_id", h.ID))

	poll, err := poller.New(exec.Refresh,
		poller.WithConfig(poller.Config{
			Seed:         cfg.Poller.Seed,
			MaxInterval:  cfg.Poller.MaxInterval,
			MaxTotalWait: cfg.Poller.MaxTotalWait,
		}),
		poller.WithLogger(logger))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid poller configuration", err)
	}
	if err := poll.Await(ctx, h); err != nil {
		return "", err
	}

	res := &resolver.Resolver{Store: st, Executor: exec, Workers: cfg.Workers, Logger: logger}
	outputs, err := res.Resolve(ctx, []*executor.Handle{h}, ".zarr", resolver.PrefixMode())
	if err != nil {
		return "", apperrors.Wrap(apperrors.CategoryRuntime, "resolve concat outputs", err)
	}
	if len(outputs) == 0 {
		return "", apperrors.New(apperrors.CategoryRuntime,
			fmt.Sprintf("concat job %s produced no Zarr store", h.ID))
	}
	return strings.TrimSuffix(outputs[0], "/"), nil
}

// registerSDAP replaces any existing dataset of the same name with the
// given store. Coordinate names come from the conversion config when
// one is available.
func registerSDAP(ctx context.Context, host, zarrConfigURL, store string, cfg *config.Config, logger *zap.Logger) error {
	coords := sdap.DefaultCoords()
	if zarrConfigURL != "" {
		c, err := fetchCoords(ctx, zarrConfigURL, cfg)
		if err != nil {
			logger.Warn("conversion config unavailable; using conventional coordinate names",
				zap.String("config", zarrConfigURL), zap.Error(err))
		} else {
			coords = c
		}
	}

	opts := []sdap.Option{sdap.WithLogger(logger)}
	if concatInsecureSDAP {
		opts = append(opts, sdap.WithInsecureTLS())
	}
	client := sdap.New(host, opts...)

	exists, err := client.Has(ctx, concatSDAPName)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "SDAP listing", err)
	}
	if exists {
		logger.Info("removing existing SDAP dataset", zap.String("name", concatSDAPName))
		if err := client.Remove(ctx, concatSDAPName); err != nil {
			return apperrors.Wrap(apperrors.CategoryRuntime, "SDAP remove", err)
		}
	}

	err = client.Add(ctx, concatSDAPName, store, sdap.AddRequest{
		Variable:  concatVariable,
		Coords:    coords,
		AWSRegion: cfg.S3.Region,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "SDAP add", err)
	}

	// The add endpoint answers before ingestion settles; confirm the
	// dataset actually landed in the listing.
	registered, err := client.Has(ctx, concatSDAPName)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "SDAP verify", err)
	}
	if !registered {
		return apperrors.New(apperrors.CategoryRuntime,
			fmt.Sprintf("dataset %s missing from SDAP after add", concatSDAPName))
	}
	return nil
}

// fetchCoords reads coordinate names from the conversion config object.
func fetchCoords(ctx context.Context, configURL string, cfg *config.Config) (sdap.Coords, error) {
	p, err := storage.Parse(configURL)
	if err != nil {
		return sdap.Coords{}, err
	}
	st, err := s3store.New(ctx, s3store.Config{Region: cfg.S3.Region})
	if err != nil {
		return sdap.Coords{}, err
	}
	defer func() { _ = st.Close() }()

	body, _, err := st.Get(ctx, p.Bucket, p.Key)
	if err != nil {
		return sdap.Coords{}, err
	}
	defer func() { _ = body.Close() }()
	return sdap.CoordsFromConfig(body)
}
