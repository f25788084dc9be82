// Package config loads the geoflow process configuration. Precedence,
// lowest to highest: built-in defaults, a YAML config file
// ($GEOFLOW_CONFIG, ./geoflow.yaml, the project root, or the user
// config dir), GEOFLOW_* environment variables, and runtime overrides
// passed to Load.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery: the binary
// name, the environment prefix, and the config file base name.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

func defaultIdentity() *Identity {
	return &Identity{
		BinaryName: "geoflow",
		EnvPrefix:  "GEOFLOW",
		ConfigName: "geoflow",
	}
}

// Load assembles the configuration and caches it for GetConfig. Later
// overrides maps win over earlier ones; all overrides win over
// environment variables and file values.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = defaultIdentity()
	}

	v := viper.New()
	SetDefaults(v)

	v.SetConfigType("yaml")
	if path := os.Getenv(appIdentity.EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(appIdentity.ConfigName)
		v.AddConfigPath(".")
		if root, err := findProjectRoot(); err == nil && root != "" {
			v.AddConfigPath(root)
		}
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, s := range getEnvSpecs() {
		_ = v.BindEnv(s.Path, s.Name)
	}

	for _, m := range overrides {
		applyOverrides(v, "", m)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The logging profile is normalized for case-insensitive
	// comparison by consumers.
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	appConfig = &cfg
	_ = ctx
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil
// when Load has not run.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetIdentity installs the application identity used for config
// discovery. Call before the first Load; a nil identity is ignored.
func SetIdentity(id *Identity) {
	if id == nil {
		return
	}
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// GetIdentity returns the application identity, or nil before Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetDefaults registers every config key's default on v. Exposed so
// the CLI can seed its own viper instance with the same values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
	v.SetDefault("state_dir", defaultStateDir())

	v.SetDefault("maap.host", "")
	v.SetDefault("maap.token", "")
	v.SetDefault("maap.queue", "")

	v.SetDefault("stac.host", "")
	v.SetDefault("stac.token", "")

	v.SetDefault("cmss.host", "")
	v.SetDefault("sdap.host", "")

	v.SetDefault("geoserver.host", "")
	v.SetDefault("geoserver.user", "")
	v.SetDefault("geoserver.password", "")
	v.SetDefault("geoserver.workspace", "czdt")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.role_arn", "")

	v.SetDefault("zarr_config_url", "")

	v.SetDefault("poller.seed", "1s")
	v.SetDefault("poller.max_interval", "64s")
	v.SetDefault("poller.max_total_wait", "48h")
}

// defaultStateDir picks the per-user state directory for run records.
func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "geoflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "geoflow")
	}
	return filepath.Join(home, ".local", "state", "geoflow")
}

// spec maps one environment variable to the config key it overrides.
// These short names exist alongside the automatic GEOFLOW_<SECTION>_*
// forms so container deployments can use the flat convention.
type spec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short-form environment bindings. Empty before
// Load establishes the identity. Callers inside Load already hold
// configMu; the identity pointer is read without locking.
func getEnvSpecs() []spec {
	id := appIdentity
	if id == nil {
		return nil
	}
	p := id.EnvPrefix + "_"
	return []spec{
		{p + "HOST", "server.host"},
		{p + "PORT", "server.port"},
		{p + "READ_TIMEOUT", "server.read_timeout"},
		{p + "WRITE_TIMEOUT", "server.write_timeout"},
		{p + "IDLE_TIMEOUT", "server.idle_timeout"},
		{p + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{p + "LOG_LEVEL", "logging.level"},
		{p + "LOG_PROFILE", "logging.profile"},
		{p + "METRICS_ENABLED", "metrics.enabled"},
		{p + "METRICS_PORT", "metrics.port"},
		{p + "HEALTH_ENABLED", "health.enabled"},
		{p + "WORKERS", "workers"},
		{p + "STATE_DIR", "state_dir"},
		{p + "MAAP_HOST", "maap.host"},
		{p + "MAAP_TOKEN", "maap.token"},
		{p + "JOB_QUEUE", "maap.queue"},
		{p + "STAC_HOST", "stac.host"},
		{p + "STAC_TOKEN", "stac.token"},
		{p + "CMSS_HOST", "cmss.host"},
		{p + "SDAP_HOST", "sdap.host"},
		{p + "GEOSERVER_HOST", "geoserver.host"},
		{p + "GEOSERVER_USER", "geoserver.user"},
		{p + "GEOSERVER_PASSWORD", "geoserver.password"},
		{p + "GEOSERVER_WORKSPACE", "geoserver.workspace"},
		{p + "S3_BUCKET", "s3.bucket"},
		{p + "S3_PREFIX", "s3.prefix"},
		{p + "S3_REGION", "s3.region"},
		{p + "S3_ROLE_ARN", "s3.role_arn"},
		{p + "ZARR_CONFIG_URL", "zarr_config_url"},
		{p + "POLL_SEED", "poller.seed"},
		{p + "POLL_MAX_INTERVAL", "poller.max_interval"},
		{p + "POLL_MAX_TOTAL_WAIT", "poller.max_total_wait"},
	}
}

// getUserConfigPaths lists per-user directories searched for the
// config file. Empty before Load establishes the identity.
func getUserConfigPaths() []string {
	id := appIdentity
	if id == nil {
		return nil
	}
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	return paths
}

// applyOverrides flattens nested override maps into dotted keys and
// applies them with Set, the highest viper precedence tier.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

// findProjectRoot locates the repository root. In CI the workspace
// boundary variables are trusted when they actually contain the
// working directory; otherwise discovery walks up from the working
// directory to the first go.mod or .git marker.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		boundaries := []string{
			"GEOFLOW_WORKSPACE_ROOT",
			"GITHUB_WORKSPACE",
			"CI_PROJECT_DIR",
			"WORKSPACE",
		}
		for _, name := range boundaries {
			root := os.Getenv(name)
			if root == "" || !filepath.IsAbs(root) {
				continue
			}
			info, err := os.Stat(root)
			if err != nil || !info.IsDir() {
				continue
			}
			if containsPath(root, cwd) {
				return root, nil
			}
		}
	}

	dir := cwd
	for {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// No marker anywhere; fall back to where we are.
			return cwd, nil
		}
		dir = parent
	}
}

// containsPath reports whether p is root or lives under it.
func containsPath(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
