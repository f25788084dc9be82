package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/earthscale/geoflow/internal/config"
	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/observability"
	"github.com/earthscale/geoflow/pkg/catalog"
	"github.com/earthscale/geoflow/pkg/match"
	"github.com/earthscale/geoflow/pkg/storage"
	s3store "github.com/earthscale/geoflow/pkg/storage/s3"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Catalog existing products without running conversions",
	Long: `Register an existing artifact set with the STAC catalog: either a set
of COG files (one item each, grouped under one collection) or a
pre-built catalog.json tree walked collection by collection.

Examples:
  geoflow catalog --cogs s3://products/C123/a.tif,s3://products/C123/b.tif --collection-id C123
  geoflow catalog --cogs "s3://products/C123/**/*.tif" --collection-id C123 --upsert
  geoflow catalog --stac-catalog s3://products/catalog/catalog.json --upsert`,
	RunE: runCatalogCmd,
}

var (
	catalogCOGs         string
	catalogSTACCatalog  string
	catalogCollectionID string
	catalogMMGISHost    string
	catalogUpsert       bool
)

func init() {
	rootCmd.AddCommand(catalogCmd)

	catalogCmd.Flags().StringVar(&catalogCOGs, "cogs", "", "Comma-separated COG URLs, or one s3:// glob")
	catalogCmd.Flags().StringVar(&catalogSTACCatalog, "stac-catalog", "", "S3 URL of a catalog.json to walk")
	catalogCmd.Flags().StringVar(&catalogCollectionID, "collection-id", "", "Collection the COG items register under")
	catalogCmd.Flags().StringVar(&catalogMMGISHost, "mmgis-host", "", "STAC catalog host")
	catalogCmd.Flags().BoolVar(&catalogUpsert, "upsert", false, "Replace existing items/collections instead of failing on conflict")
}

func runCatalogCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	if (catalogCOGs == "") == (catalogSTACCatalog == "") {
		return apperrors.New(apperrors.CategoryInvalidArgument,
			"provide exactly one of --cogs or --stac-catalog")
	}
	if catalogCOGs != "" && catalogCollectionID == "" {
		return apperrors.New(apperrors.CategoryInvalidArgument,
			"--collection-id is required with --cogs")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "load configuration", err)
	}
	stacHost := pick(catalogMMGISHost, cfg.STAC.Host)
	if stacHost == "" {
		return apperrors.New(apperrors.CategoryInvalidArgument, "a STAC host is required (--mmgis-host or stac.host)")
	}

	store, err := s3store.New(ctx, s3store.Config{Region: cfg.S3.Region})
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "initialize object storage", err)
	}
	defer func() { _ = store.Close() }()

	client := catalog.NewClient(stacHost,
		catalog.WithBearerToken(cfg.STAC.Token),
		catalog.WithLogger(logger))
	cataloger := catalog.NewCataloger(client, store,
		catalog.WithCatalogerLogger(logger),
		catalog.WithHeadWorkers(cfg.Workers))

	var res *catalog.Result
	if catalogSTACCatalog != "" {
		res, err = cataloger.IngestCatalog(ctx, catalogSTACCatalog, catalogUpsert)
	} else {
		var cogs []string
		cogs, err = expandCOGArgs(ctx, store, catalogCOGs)
		if err != nil {
			return err
		}
		res, err = cataloger.CatalogCOGs(ctx, cogs, catalogCollectionID, catalogUpsert)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "catalog products", err)
	}

	fmt.Printf("Collections: %d ingested, %d failed\n", res.CollectionsIngested, len(res.FailedCollections))
	fmt.Printf("Items:       %d ingested\n", res.ItemsIngested)
	for _, name := range res.FailedCollections {
		fmt.Printf("  failed: %s\n", name)
	}
	if len(res.FailedCollections) > 0 && res.CollectionsIngested == 0 {
		return apperrors.New(apperrors.CategoryRuntime, "all collections failed to ingest")
	}
	return nil
}

// expandCOGArgs turns the --cogs argument into concrete URLs. A glob
// is expanded by listing its fixed prefix and matching keys against
// the pattern; a plain argument splits on commas.
func expandCOGArgs(ctx context.Context, store storage.Store, arg string) ([]string, error) {
	if !strings.ContainsAny(arg, "*?[") {
		var cogs []string
		for _, u := range strings.Split(arg, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cogs = append(cogs, u)
			}
		}
		if len(cogs) == 0 {
			return nil, apperrors.New(apperrors.CategoryInvalidArgument, "--cogs names no URLs")
		}
		return cogs, nil
	}

	p, err := storage.Parse(arg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid --cogs glob", err)
	}
	matcher, err := match.New(match.Config{Includes: []string{p.Pattern}})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid --cogs glob", err)
	}

	// Parse already reduced the pattern to its fixed key prefix.
	objects, err := storage.ListAll(ctx, store, p.Bucket, p.Key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryRuntime, "list COG candidates", err)
	}

	var cogs []string
	for _, obj := range objects {
		if matcher.Match(obj.Key) {
			cogs = append(cogs, storage.Path{Bucket: p.Bucket, Key: obj.Key}.String())
		}
	}
	observability.CLILogger.Info("glob expanded",
		zap.String("pattern", arg),
		zap.Int("candidates", len(objects)),
		zap.Int("matched", len(cogs)))
	return cogs, nil
}
