package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/earthscale/geoflow/internal/config"
	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/observability"
	"github.com/earthscale/geoflow/pkg/cmr"
	s3store "github.com/earthscale/geoflow/pkg/storage/s3"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Stage a DAAC granule into S3",
	Long: `Stage a granule from its DAAC archive: look it up in CMR, download
the data file, and upload it to the staging bucket under
<prefix>/<collection-id>/<filename>.

On upload failure the downloaded file is kept locally for inspection;
on success it is removed.

Examples:
  geoflow stage --granule-id G1234 --collection-id C5678 --s3-bucket staging-bucket
  geoflow stage --granule-id G1234 --collection-id C5678 --s3-bucket b --s3-prefix daac --role-arn arn:aws:iam::123:role/writer`,
	RunE: runStageCmd,
}

var (
	stageGranuleID    string
	stageCollectionID string
	stageBucket       string
	stagePrefix       string
	stageRoleARN      string
	stageCMRHost      string
	stageDownloadDir  string
)

func init() {
	rootCmd.AddCommand(stageCmd)

	stageCmd.Flags().StringVar(&stageGranuleID, "granule-id", "", "DAAC granule ID (required)")
	stageCmd.Flags().StringVar(&stageCollectionID, "collection-id", "", "Collection concept ID (required)")
	stageCmd.Flags().StringVar(&stageBucket, "s3-bucket", "", "Staging bucket (required)")
	stageCmd.Flags().StringVar(&stagePrefix, "s3-prefix", "", "Key prefix under the staging bucket")
	stageCmd.Flags().StringVar(&stageRoleARN, "role-arn", "", "Role assumed for the cross-account upload")
	stageCmd.Flags().StringVar(&stageCMRHost, "cmr-host", "", "CMR host (default: earthdata CMR)")
	stageCmd.Flags().StringVar(&stageDownloadDir, "local-download-path", "", "Directory for the local download (default: working directory)")

	_ = stageCmd.MarkFlagRequired("granule-id")
	_ = stageCmd.MarkFlagRequired("collection-id")
	_ = stageCmd.MarkFlagRequired("s3-bucket")
}

func runStageCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	cfg, err := config.Load(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "load configuration", err)
	}

	client := cmr.New(stageCMRHost, cmr.WithLogger(logger))

	granule, err := client.SearchGranule(ctx, stageCollectionID, stageGranuleID)
	if err != nil {
		// ErrGranuleNotFound and ErrNoDataURL classify to the
		// granule-not-found exit code on their own.
		return err
	}
	logger.Info("granule found",
		zap.String("granule_ur", granule.GranuleUR),
		zap.String("data_url", granule.DataURL))

	destDir := stageDownloadDir
	if destDir == "" {
		destDir = "."
	}
	localPath, err := client.Download(ctx, granule.DataURL, destDir)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryDownloadFailed, "download granule", err)
	}
	logger.Info("granule downloaded", zap.String("path", localPath))

	store, err := s3store.New(ctx, s3store.Config{
		Region:  cfg.S3.Region,
		RoleARN: stageRoleARN,
	})
	if err != nil {
		logger.Warn("upload skipped; local file kept", zap.String("path", localPath))
		return apperrors.Wrap(apperrors.CategoryUploadFailed, "initialize S3 store", err)
	}
	defer func() { _ = store.Close() }()

	key := stagedKey(stagePrefix, stageCollectionID, filepath.Base(localPath))
	if err := uploadFile(cmd, store, localPath, stageBucket, key); err != nil {
		// The download survives an upload failure so an operator can
		// inspect or retry it by hand.
		logger.Warn("upload failed; local file kept", zap.String("path", localPath))
		return apperrors.Wrap(apperrors.CategoryUploadFailed, "upload granule", err)
	}

	if err := os.Remove(localPath); err != nil {
		logger.Warn("local cleanup failed", zap.String("path", localPath), zap.Error(err))
	}

	fmt.Printf("Staged s3://%s/%s\n", stageBucket, key)
	return nil
}

// stagedKey builds the staging object key <prefix>/<collection>/<name>
// with empties dropped.
func stagedKey(prefix, collectionID, name string) string {
	return joinPrefix(prefix, collectionID, name)
}

// uploadFile streams a local file into the store.
func uploadFile(cmd *cobra.Command, store *s3store.Store, localPath, bucket, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return store.Put(cmd.Context(), bucket, key, f, info.Size(), "application/octet-stream")
}
