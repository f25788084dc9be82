package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/earthscale/geoflow/internal/config"
	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/observability"
	"github.com/earthscale/geoflow/pkg/match"
	"github.com/earthscale/geoflow/pkg/storage"
	s3store "github.com/earthscale/geoflow/pkg/storage/s3"
)

var copyCmd = &cobra.Command{
	Use:   "copy <source> <destination>",
	Short: "Copy objects between S3 prefixes",
	Long: `Copy every object under a source prefix to a destination prefix with
server-side copies, rewriting keys by prefix substitution. Per-object
failures are reported at the end rather than aborting the copy.

Examples:
  geoflow copy s3://scratch/job-123/out.zarr s3://products/C1/out.zarr
  geoflow copy s3://src/prefix s3://dst/prefix --include "**/*.tif" --workers 32`,
	Args: cobra.ExactArgs(2),
	RunE: runCopyCmd,
}

var (
	copyWorkers  int
	copyIncludes []string
	copyExcludes []string
)

func init() {
	rootCmd.AddCommand(copyCmd)

	copyCmd.Flags().IntVar(&copyWorkers, "workers", 0, "Concurrent copy workers (default from config)")
	copyCmd.Flags().StringSliceVar(&copyIncludes, "include", nil, "Glob patterns keys must match (relative to the source prefix)")
	copyCmd.Flags().StringSliceVar(&copyExcludes, "exclude", nil, "Glob patterns that exclude keys")
}

func runCopyCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	src, err := storage.Parse(args[0])
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid source", err)
	}
	dst, err := storage.Parse(args[1])
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid destination", err)
	}
	if src.IsPattern() || dst.IsPattern() {
		return apperrors.New(apperrors.CategoryInvalidArgument,
			"copy endpoints are prefixes; use --include for pattern selection")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "load configuration", err)
	}

	opts := []storage.CopyOption{}
	workers := copyWorkers
	if workers == 0 {
		workers = cfg.Workers
	}
	if workers > 0 {
		opts = append(opts, storage.WithCopyWorkers(workers))
	}
	if len(copyIncludes) > 0 || len(copyExcludes) > 0 {
		includes := copyIncludes
		if len(includes) == 0 {
			includes = []string{"**"}
		}
		matcher, err := match.New(match.Config{Includes: includes, Excludes: copyExcludes})
		if err != nil {
			return apperrors.Wrap(apperrors.CategoryInvalidArgument, "invalid pattern", err)
		}
		opts = append(opts, storage.WithCopyMatcher(matcher))
	}

	store, err := s3store.New(ctx, s3store.Config{Region: cfg.S3.Region})
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "initialize object storage", err)
	}
	defer func() { _ = store.Close() }()

	report, err := storage.CopyPrefix(ctx, store, src, dst, opts...)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "copy", err)
	}

	fmt.Printf("Listed:  %d objects\n", report.ObjectsListed)
	fmt.Printf("Copied:  %d objects (%d bytes)\n", report.ObjectsCopied, report.BytesCopied)
	if report.Failed() {
		fmt.Printf("Failed:  %d objects\n", len(report.Failures))
		for _, f := range report.Failures {
			fmt.Printf("  %s: %v\n", f.Key, f.Err)
		}
		return apperrors.New(apperrors.CategoryRuntime,
			fmt.Sprintf("%d of %d objects failed to copy", len(report.Failures), report.ObjectsListed))
	}
	observability.CLILogger.Info("copy complete")
	return nil
}
