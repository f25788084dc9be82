package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/earthscale/geoflow/internal/config"
	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/observability"
	"github.com/earthscale/geoflow/pkg/ftp"
	"github.com/earthscale/geoflow/pkg/storage"
	s3store "github.com/earthscale/geoflow/pkg/storage/s3"
)

var stageFTPCmd = &cobra.Command{
	Use:   "stage-ftp",
	Short: "Stage composite files from an FTP archive into S3",
	Long: `Stage composite products from an anonymous FTP archive: list the
archive directory, keep the files whose names carry the area of
interest, and upload each one to the staging bucket under
<prefix>/ftp_<server>/<filename>.

Files already present in the bucket are skipped unless
--overwrite-existing is set. A file that fails to upload is kept
locally for inspection.

Examples:
  geoflow stage-ftp --ftp-server floodmap.example.edu --area-of-interest MississippiDelta --s3-bucket staging-bucket
  geoflow stage-ftp --ftp-server floodmap.example.edu --area-of-interest Houston --s3-bucket b --s3-prefix composites --overwrite-existing`,
	RunE: runStageFTP,
}

var (
	stageFTPServer      string
	stageFTPArea        string
	stageFTPBucket      string
	stageFTPPrefix      string
	stageFTPRoleARN     string
	stageFTPDir         string
	stageFTPDownloadDir string
	stageFTPOverwrite   bool
)

func init() {
	rootCmd.AddCommand(stageFTPCmd)

	stageFTPCmd.Flags().StringVar(&stageFTPServer, "ftp-server", "", "FTP server hosting the composites (required)")
	stageFTPCmd.Flags().StringVar(&stageFTPArea, "area-of-interest", "", "Area-of-interest keyword matched against file names (required)")
	stageFTPCmd.Flags().StringVar(&stageFTPBucket, "s3-bucket", "", "Staging bucket (required)")
	stageFTPCmd.Flags().StringVar(&stageFTPPrefix, "s3-prefix", "", "Key prefix under the staging bucket")
	stageFTPCmd.Flags().StringVar(&stageFTPRoleARN, "role-arn", "", "Role assumed for the cross-account upload")
	stageFTPCmd.Flags().StringVar(&stageFTPDir, "ftp-dir", ftp.DefaultDir, "Directory listed on the FTP server")
	stageFTPCmd.Flags().StringVar(&stageFTPDownloadDir, "local-download-path", "output", "Directory for the local downloads")
	stageFTPCmd.Flags().BoolVar(&stageFTPOverwrite, "overwrite-existing", false, "Re-upload files already present in the bucket")

	_ = stageFTPCmd.MarkFlagRequired("ftp-server")
	_ = stageFTPCmd.MarkFlagRequired("area-of-interest")
	_ = stageFTPCmd.MarkFlagRequired("s3-bucket")
}

func runStageFTP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	cfg, err := config.Load(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "load configuration", err)
	}

	client := ftp.New(stageFTPServer, ftp.WithLogger(logger))
	sess, err := client.Connect(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryDownloadFailed, "connect to FTP server", err)
	}
	defer func() { _ = sess.Close() }()

	names, err := sess.ListMatching(stageFTPDir, []string{stageFTPArea})
	if err != nil {
		if errors.Is(err, ftp.ErrNoMatches) {
			// Classifies to the granule-not-found exit code on its own.
			return err
		}
		return apperrors.Wrap(apperrors.CategoryDownloadFailed, "list FTP files", err)
	}

	store, err := s3store.New(ctx, s3store.Config{
		Region:  cfg.S3.Region,
		RoleARN: stageFTPRoleARN,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryUploadFailed, "initialize S3 store", err)
	}
	defer func() { _ = store.Close() }()

	staged, skipped := 0, 0
	for _, name := range names {
		key := ftpStagedKey(stageFTPPrefix, stageFTPServer, name)
		if !stageFTPOverwrite && objectExists(ctx, store, stageFTPBucket, key) {
			logger.Info("already staged, skipping",
				zap.String("file", name),
				zap.String("key", key))
			skipped++
			continue
		}

		localPath, err := sess.Download(name, stageFTPDownloadDir)
		if err != nil {
			return apperrors.Wrap(apperrors.CategoryDownloadFailed,
				fmt.Sprintf("download %s", name), err)
		}

		if err := uploadFile(cmd, store, localPath, stageFTPBucket, key); err != nil {
			// The download survives so an operator can inspect or
			// retry it by hand.
			logger.Warn("upload failed; local file kept", zap.String("path", localPath))
			return apperrors.Wrap(apperrors.CategoryUploadFailed,
				fmt.Sprintf("upload %s", name), err)
		}
		if err := os.Remove(localPath); err != nil {
			logger.Warn("local cleanup failed", zap.String("path", localPath), zap.Error(err))
		}
		staged++
	}

	fmt.Printf("Staged %d file(s) to s3://%s/%s (%d skipped)\n",
		staged, stageFTPBucket, joinPrefix(stageFTPPrefix, ftpServerSegment(stageFTPServer)), skipped)
	return nil
}

// ftpStagedKey builds <prefix>/ftp_<server>/<name> with the server's
// dots flattened to dashes so the segment stays delimiter-free.
func ftpStagedKey(prefix, server, name string) string {
	return joinPrefix(prefix, ftpServerSegment(server), name)
}

func ftpServerSegment(server string) string {
	host := server
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return "ftp_" + strings.ReplaceAll(host, ".", "-")
}

// objectExists reports whether the staging object is already present.
// Transport errors count as absent so staging proceeds and the upload
// surfaces the real failure.
func objectExists(ctx context.Context, store storage.Store, bucket, key string) bool {
	_, err := store.Head(ctx, bucket, key)
	return err == nil
}
