// Package cmd implements the geoflow command tree.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/earthscale/geoflow/internal/config"
	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/observability"
	"github.com/earthscale/geoflow/internal/server/handlers"
)

// versionInfo is stamped from the build's ldflags via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records the build metadata shown by the version
// command and served by the status server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// appIdentity names the application for config discovery and banners.
var appIdentity *config.Identity

// GetAppIdentity returns the application identity, or nil before the
// root command has initialized it.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var (
	rootVerbose    bool
	rootDebug      bool
	rootLogProfile string
	rootConfigPath string
	rootOutputPath string
)

var rootCmd = &cobra.Command{
	Use:   "geoflow",
	Short: "Geospatial product pipeline",
	Long: `geoflow runs multi-stage geospatial product pipelines: stage Earth
science granules from a DAAC, convert NetCDF through Zarr to
cloud-optimized GeoTIFFs via remote processing jobs, and register the
results with a STAC catalog or GeoServer.

Examples:
  geoflow run --input-s3 s3://bucket/data.nc4 --collection-id C123 --job-queue standard
  geoflow run --granule-id G123 --collection-id C456 --job-queue standard
  geoflow run --manifest run.yaml
  geoflow runs list
  geoflow doctor`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(rootVerbose, rootDebug, rootLogProfile)
		if rootConfigPath != "" {
			// The loader discovers an explicit config file through the
			// environment, same as a GEOFLOW_CONFIG export.
			_ = os.Setenv(appIdentity.EnvPrefix+"_CONFIG", rootConfigPath)
		}
	},
}

func init() {
	appIdentity = &config.Identity{
		BinaryName: "geoflow",
		EnvPrefix:  "GEOFLOW",
		ConfigName: "geoflow",
	}
	config.SetIdentity(appIdentity)

	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable info-level logging")
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Enable debug-level logging")
	rootCmd.PersistentFlags().StringVar(&rootLogProfile, "log-profile", observability.ProfileStructured, "Log output profile (structured|json)")
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Config file path (overrides discovery)")
	rootCmd.PersistentFlags().StringVarP(&rootOutputPath, "output", "o", "", "Write machine-readable JSONL events to this file")

	// Flag mistakes are argument errors, not generic failures; wrap
	// them so Execute maps them to the invalid-argument exit code.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperrors.Wrap(apperrors.CategoryInvalidArgument, "", err)
	})
}

// Execute runs the command tree and returns the process exit code.
// Failures are logged as a single TERMINATED line whose text and code
// downstream automation keys on.
func Execute() int {
	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		observability.Sync()
		return 0
	}
	observability.CLILogger.Error(apperrors.Terminated(err))
	observability.Sync()
	return apperrors.ExitCode(err)
}
