package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/earthscale/geoflow/internal/config"
	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/observability"
	"github.com/earthscale/geoflow/internal/server"
	"github.com/earthscale/geoflow/pkg/catalog"
	"github.com/earthscale/geoflow/pkg/events"
	"github.com/earthscale/geoflow/pkg/executor"
	"github.com/earthscale/geoflow/pkg/geoserver"
	"github.com/earthscale/geoflow/pkg/manifest"
	"github.com/earthscale/geoflow/pkg/notify"
	"github.com/earthscale/geoflow/pkg/pipeline"
	"github.com/earthscale/geoflow/pkg/poller"
	"github.com/earthscale/geoflow/pkg/resolver"
	"github.com/earthscale/geoflow/pkg/runledger"
	s3store "github.com/earthscale/geoflow/pkg/storage/s3"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a product pipeline",
	Long: `Run a product pipeline end to end: detect the input type, execute the
applicable conversion steps as remote jobs, and register the products.

The input is a DAAC granule ID (with --collection-id) or an S3 URL
whose extension selects the flow: .nc/.nc4 enters at NetCDF-to-Zarr
conversion, .zarr goes straight to COG generation, .gpkg is published
to GeoServer without conversion.

Examples:
  geoflow run --input-s3 s3://bucket/data.nc4 --collection-id C123 --job-queue standard
  geoflow run --granule-id G1234 --collection-id C456 --job-queue standard
  geoflow run --input-s3 s3://bucket/a.nc4 --collection-id C1 --steps netcdf2zarr,zarr2cog
  geoflow run --manifest run.yaml --output events.jsonl`,
	RunE: runRun,
}

var (
	runGranuleID    string
	runInputS3      string
	runCollectionID string
	runName         string

	runBucket  string
	runPrefix  string
	runRoleARN string

	runMAAPHost  string
	runCMSSHost  string
	runMMGISHost string

	runJobQueue      string
	runZarrConfigURL string
	runVariables     string
	runSteps         string
	runEnableConcat  bool
	runConcatWindow  string
	runUpsert        bool

	runManifestPath string
	runStatusAddr   string
	runDownloadDir  string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runGranuleID, "granule-id", "", "DAAC granule ID (requires --collection-id)")
	runCmd.Flags().StringVar(&runInputS3, "input-s3", "", "S3 URL of the input object (.nc, .nc4, .zarr, .gpkg)")
	runCmd.Flags().StringVar(&runCollectionID, "collection-id", "", "Collection concept ID products register under")
	runCmd.Flags().StringVar(&runName, "name", "", "Run name, used as the remote job identifier prefix")

	runCmd.Flags().StringVar(&runBucket, "s3-bucket", "", "Canonical output bucket")
	runCmd.Flags().StringVar(&runPrefix, "s3-prefix", "", "Key prefix under the output bucket")
	runCmd.Flags().StringVar(&runRoleARN, "role-arn", "", "Role assumed by the staging job for cross-account writes")

	runCmd.Flags().StringVar(&runMAAPHost, "maap-host", "", "Job execution API host")
	runCmd.Flags().StringVar(&runCMSSHost, "cmss-logger-host", "", "CMSS notification host")
	runCmd.Flags().StringVar(&runMMGISHost, "mmgis-host", "", "STAC catalog host")

	runCmd.Flags().StringVar(&runJobQueue, "job-queue", "", "Executor queue remote jobs are scheduled onto")
	runCmd.Flags().StringVar(&runZarrConfigURL, "zarr-config-url", "", "S3 URL of the NetCDF-to-Zarr conversion config")
	runCmd.Flags().StringVar(&runVariables, "variables", "", `Variables to convert, "*" for all`)
	runCmd.Flags().StringVar(&runSteps, "steps", "all", `Comma-separated step subset, or "all"`)
	runCmd.Flags().BoolVar(&runEnableConcat, "enable-concat", false, "Insert the Zarr concatenation step")
	runCmd.Flags().StringVar(&runConcatWindow, "concat-duration", "", "ISO 8601 concatenation window (default P5D)")
	runCmd.Flags().BoolVar(&runUpsert, "upsert", false, "Replace existing catalog items instead of failing on conflict")

	runCmd.Flags().StringVar(&runManifestPath, "manifest", "", "Run manifest file (YAML or JSON); flags override its values")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "Serve the status API on host:port for the run's duration")
	runCmd.Flags().StringVar(&runDownloadDir, "local-download-path", "", "Directory for local downloads (default: system temp)")
}

// runSettings is the resolved configuration for one run: CLI flags win
// over manifest values, which win over the process config.
type runSettings struct {
	name         string
	granuleID    string
	inputS3      string
	collectionID string

	bucket  string
	prefix  string
	roleARN string

	maapHost  string
	maapToken string
	jobQueue  string
	stacHost  string
	stacToken string
	cmssHost  string

	geoserverHost     string
	geoserverUser     string
	geoserverPassword string
	workspace         string

	zarrConfigURL  string
	variables      string
	steps          string
	enableConcat   bool
	concatDuration string
	upsert         bool

	region      string
	workers     int
	stateDir    string
	downloadDir string

	poller poller.Config
}

// newRunID returns the hosting environment's job id when one is set,
// otherwise a fresh UUID. DPS-style runners stamp GEOFLOW_JOB_ID so the
// run record correlates with the scheduler's view of the job.
func newRunID() string {
	if id := os.Getenv("GEOFLOW_JOB_ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// pick returns the first non-empty value, encoding the flag > manifest
// > config precedence at each call site.
func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveRunSettings merges the run flags, an optional manifest, and
// the process config. changed reports whether a flag was set
// explicitly, so a flag's zero value does not mask a manifest value.
func resolveRunSettings(cfg *config.Config, m *manifest.RunManifest, changed func(name string) bool) runSettings {
	s := runSettings{
		name:              runName,
		granuleID:         runGranuleID,
		inputS3:           runInputS3,
		collectionID:      runCollectionID,
		bucket:            pick(runBucket, cfg.S3.Bucket),
		prefix:            pick(runPrefix, cfg.S3.Prefix),
		roleARN:           pick(runRoleARN, cfg.S3.RoleARN),
		maapHost:          pick(runMAAPHost, cfg.MAAP.Host),
		maapToken:         cfg.MAAP.Token,
		jobQueue:          pick(runJobQueue, cfg.MAAP.Queue),
		stacHost:          pick(runMMGISHost, cfg.STAC.Host),
		stacToken:         cfg.STAC.Token,
		cmssHost:          pick(runCMSSHost, cfg.CMSS.Host),
		geoserverHost:     cfg.GeoServer.Host,
		geoserverUser:     cfg.GeoServer.User,
		geoserverPassword: cfg.GeoServer.Password,
		workspace:         cfg.GeoServer.Workspace,
		zarrConfigURL:     pick(runZarrConfigURL, cfg.ZarrConfigURL),
		variables:         runVariables,
		steps:             runSteps,
		enableConcat:      runEnableConcat,
		concatDuration:    runConcatWindow,
		upsert:            runUpsert,
		region:            cfg.S3.Region,
		workers:           cfg.Workers,
		stateDir:          cfg.StateDir,
		downloadDir:       runDownloadDir,
		poller: poller.Config{
			Seed:         cfg.Poller.Seed,
			MaxInterval:  cfg.Poller.MaxInterval,
			MaxTotalWait: cfg.Poller.MaxTotalWait,
		},
	}
	if m == nil {
		return s
	}

	if s.name == "" {
		s.name = m.Name
	}
	if s.granuleID == "" {
		s.granuleID = m.Input.GranuleID
	}
	if s.inputS3 == "" {
		s.inputS3 = m.Input.S3URL
	}
	if s.collectionID == "" {
		s.collectionID = m.Input.CollectionID
	}
	if !changed("s3-bucket") && m.Output.Bucket != "" {
		s.bucket = m.Output.Bucket
	}
	if !changed("s3-prefix") && m.Output.Prefix != "" {
		s.prefix = m.Output.Prefix
	}
	if !changed("maap-host") && m.Services.MAAP.Host != "" {
		s.maapHost = m.Services.MAAP.Host
	}
	if !changed("job-queue") && m.Services.MAAP.Queue != "" {
		s.jobQueue = m.Services.MAAP.Queue
	}
	if !changed("mmgis-host") && m.Services.STAC.Host != "" {
		s.stacHost = m.Services.STAC.Host
	}
	if !changed("cmss-logger-host") && m.Services.CMSS.Host != "" {
		s.cmssHost = m.Services.CMSS.Host
	}
	if m.Services.GeoServer.Host != "" {
		s.geoserverHost = m.Services.GeoServer.Host
	}
	if m.Services.GeoServer.Workspace != "" {
		s.workspace = m.Services.GeoServer.Workspace
	}
	if !changed("zarr-config-url") && m.ZarrConfigURL != "" {
		s.zarrConfigURL = m.ZarrConfigURL
	}
	if s.variables == "" {
		s.variables = m.Variables
	}
	if !changed("steps") && len(m.Steps) > 0 {
		s.steps = strings.Join(m.Steps, ",")
	}
	if !changed("enable-concat") {
		s.enableConcat = m.Concat.Enabled
	}
	if s.concatDuration == "" {
		s.concatDuration = m.Concat.Duration
	}
	if !changed("upsert") {
		s.upsert = m.Upsert
	}
	return s
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "load configuration", err)
	}

	var m *manifest.RunManifest
	if runManifestPath != "" {
		m, err = manifest.Load(runManifestPath)
		if err != nil {
			observability.CLILogger.Error("Failed to load run manifest",
				zap.String("path", runManifestPath),
				zap.Error(err))
			return apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid run manifest", err)
		}
	}

	s := resolveRunSettings(cfg, m, cmd.Flags().Changed)

	inputType, err := pipeline.DetectInput(s.granuleID, s.inputS3)
	if err != nil {
		return err
	}
	steps, err := pipeline.ParseSteps(s.steps, inputType, s.enableConcat)
	if err != nil {
		return err
	}

	input := s.inputS3
	if inputType == pipeline.InputDAAC {
		input = s.granuleID
	}
	rc := &pipeline.RunContext{
		ID:             newRunID(),
		Name:           s.name,
		Input:          input,
		InputType:      inputType,
		Steps:          steps,
		CollectionID:   s.collectionID,
		Bucket:         s.bucket,
		Prefix:         s.prefix,
		RoleARN:        s.roleARN,
		Variables:      s.variables,
		ConcatDuration: s.concatDuration,
		JobQueue:       s.jobQueue,
		ZarrConfigURL:  s.zarrConfigURL,
		Upsert:         s.upsert,
	}
	if err := pipeline.ValidateRun(rc); err != nil {
		return err
	}

	logger := observability.CLILogger
	ledger := runledger.NewStore(s.stateDir)

	eventsWriter, closeEvents, err := openEventsWriter(rootOutputPath, rc.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "open events output", err)
	}
	defer closeEvents()

	orch, cleanup, err := buildOrchestrator(ctx, s, ledger, eventsWriter, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if runStatusAddr != "" {
		shutdownServer, err := startStatusServer(runStatusAddr, cfg, ledger, logger)
		if err != nil {
			return apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid --status-addr", err)
		}
		defer shutdownServer()
	}

	record := &runledger.RunRecord{
		RunID:      rc.ID,
		Name:       s.name,
		InputType:  string(inputType),
		Input:      input,
		Collection: s.collectionID,
		Steps:      stepStrings(steps),
		Status:     runledger.StatusRunning,
		PID:        os.Getpid(),
		StartedAt:  time.Now().UTC(),
	}
	if err := ledger.Write(record); err != nil {
		logger.Warn("run ledger write failed", zap.Error(err))
	}

	runErr := orch.Run(ctx, rc)

	exitCode := apperrors.ExitCode(runErr)
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := ledger.MarkFinished(rc.ID, exitCode, errMsg); err != nil {
		logger.Warn("run ledger finish failed", zap.Error(err))
	}
	return runErr
}

func stepStrings(steps []pipeline.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = string(s)
	}
	return out
}

// openEventsWriter wires the JSONL event sink for --output. An empty
// path keeps event emission a no-op.
func openEventsWriter(path, runID string) (events.Writer, func(), error) {
	if path == "" {
		return events.NopWriter{}, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w := events.NewJSONLWriter(f, runID)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

// buildOrchestrator assembles the run's collaborators. The catalog and
// GeoServer clients are optional and only built when their hosts are
// configured; the orchestrator rejects steps that need an absent one.
func buildOrchestrator(ctx context.Context, s runSettings, ledger *runledger.Store, eventsWriter events.Writer, logger *zap.Logger) (*pipeline.Orchestrator, func(), error) {
	store, err := s3store.New(ctx, s3store.Config{Region: s.region})
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CategoryRuntime, "initialize object storage", err)
	}
	cleanup := func() { _ = store.Close() }

	if s.maapHost == "" {
		cleanup()
		return nil, nil, fmt.Errorf("%w: a job execution host is required (--maap-host or maap.host)", pipeline.ErrInvalidRun)
	}
	exec := executor.New(s.maapHost,
		executor.WithBearerToken(s.maapToken),
		executor.WithLogger(logger))

	poll, err := poller.New(exec.Refresh,
		poller.WithConfig(s.poller),
		poller.WithLogger(logger))
	if err != nil {
		cleanup()
		return nil, nil, apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid poller configuration", err)
	}

	res := &resolver.Resolver{
		Store:    store,
		Executor: exec,
		Workers:  s.workers,
		Logger:   logger,
	}

	cfg := pipeline.Config{
		Executor:        exec,
		Poller:          poll,
		Resolver:        res,
		Store:           store,
		Notifier:        notify.New(s.cmssHost, notify.WithLogger(logger)),
		ConcatConfigURL: s.zarrConfigURL,
		DownloadDir:     s.downloadDir,
		Ledger:          ledger,
		Events:          eventsWriter,
		Logger:          logger,
		CopyWorkers:     s.workers,
	}
	if s.bucket != "" {
		cfg.ConcatManifestBase = fmt.Sprintf("s3://%s/%s", s.bucket, joinPrefix(s.prefix, "manifests"))
	}
	if s.stacHost != "" {
		client := catalog.NewClient(s.stacHost,
			catalog.WithBearerToken(s.stacToken),
			catalog.WithLogger(logger))
		cfg.Cataloger = catalog.NewCataloger(client, store,
			catalog.WithCatalogerLogger(logger))
	}
	if s.geoserverHost != "" {
		cfg.GeoServer = geoserver.New(s.geoserverHost, s.geoserverUser, s.geoserverPassword,
			geoserver.WithLogger(logger))
		cfg.GeoServerHost = s.geoserverHost
		cfg.Workspace = s.workspace
	}

	orch, err := pipeline.New(cfg)
	if err != nil {
		cleanup()
		return nil, nil, apperrors.Wrap(apperrors.CategoryRuntime, "assemble pipeline", err)
	}
	return orch, cleanup, nil
}

// joinPrefix joins key prefix segments with single slashes, dropping
// empties.
func joinPrefix(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// startStatusServer brings the status API up for the run's duration.
func startStatusServer(addr string, cfg *config.Config, ledger *runledger.Store, logger *zap.Logger) (func(), error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	srv := server.New(host, port,
		server.WithRunLedger(ledger),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))
	go func() {
		if err := srv.Start(); err != nil {
			logger.Warn("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
