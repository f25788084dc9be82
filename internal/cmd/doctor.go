package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/earthscale/geoflow/internal/config"
	"github.com/earthscale/geoflow/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and configured services, and
suggest fixes for common issues.

Examples:
  geoflow doctor`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6

	cfg, cfgErr := config.Load(ctx)
	endpoints := doctorEndpoints(cfg)
	totalChecks += len(endpoints)

	// Check 1: Go runtime
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s %s/%s", checkNum, totalChecks, runtime.Version(), runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 2: Configuration loads
	if cfgErr != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Cannot load configuration", checkNum, totalChecks),
			zap.Error(cfgErr))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ Loaded", checkNum, totalChecks),
			zap.Int("workers", cfg.Workers))
	}
	checkNum++

	// Check 3: State directory is writable
	if cfg != nil {
		if err := checkWritableDir(cfg.StateDir); err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking state directory... ❌ %s not writable", checkNum, totalChecks, cfg.StateDir),
				zap.Error(err))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking state directory... ✅ %s", checkNum, totalChecks, cfg.StateDir),
				zap.String("state_dir", cfg.StateDir))
		}
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking state directory... ⚠️  Skipped (configuration unavailable)", checkNum, totalChecks))
	}
	checkNum++

	// Check 4: AWS credentials
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		allChecks = false
	} else if creds, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
			zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
			zap.String("source", creds.Source))
	}
	checkNum++

	// Check 5: AWS region (config, falling back to EC2 instance metadata)
	region := ""
	if err == nil {
		region = awsCfg.Region
	}
	if err == nil && region == "" {
		imdsCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		out, imdsErr := imds.NewFromConfig(awsCfg).GetRegion(imdsCtx, &imds.GetRegionInput{})
		cancel()
		if imdsErr == nil {
			region = out.Region
		}
	}
	if region != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS region... ✅ %s", checkNum, totalChecks, region),
			zap.String("region", region))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking AWS region... ⚠️  No region configured and no EC2 instance metadata", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 6: Output bucket configured
	if cfg != nil && cfg.S3.Bucket != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking output bucket... ✅ s3://%s/%s", checkNum, totalChecks, cfg.S3.Bucket, cfg.S3.Prefix),
			zap.String("bucket", cfg.S3.Bucket))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking output bucket... ⚠️  No bucket configured (set s3.bucket or pass --s3-bucket)", checkNum, totalChecks))
	}
	checkNum++

	// Remaining checks: configured service endpoints
	for _, ep := range endpoints {
		if err := checkEndpoint(ctx, ep.url); err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s endpoint... ❌ %s unreachable", checkNum, totalChecks, ep.name, ep.url),
				zap.Error(err))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s endpoint... ✅ %s", checkNum, totalChecks, ep.name, ep.url),
				zap.String("url", ep.url))
		}
		checkNum++
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

type doctorEndpoint struct {
	name string
	url  string
}

// doctorEndpoints lists the configured service hosts worth probing.
// Unconfigured hosts are skipped rather than reported as failures.
func doctorEndpoints(cfg *config.Config) []doctorEndpoint {
	if cfg == nil {
		return nil
	}
	var eps []doctorEndpoint
	if cfg.MAAP.Host != "" {
		eps = append(eps, doctorEndpoint{"MAAP", cfg.MAAP.Host})
	}
	if cfg.STAC.Host != "" {
		eps = append(eps, doctorEndpoint{"STAC", cfg.STAC.Host})
	}
	if cfg.CMSS.Host != "" {
		eps = append(eps, doctorEndpoint{"CMSS", cfg.CMSS.Host})
	}
	if cfg.SDAP.Host != "" {
		eps = append(eps, doctorEndpoint{"SDAP", cfg.SDAP.Host})
	}
	return eps
}

// checkWritableDir verifies dir exists (creating it if needed) and that a
// file can be created inside it.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkEndpoint issues a HEAD request; any HTTP response counts as
// reachable, including 4xx from endpoints that reject bare HEADs.
func checkEndpoint(ctx context.Context, url string) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
}
