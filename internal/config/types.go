package config

import "time"

// Config is the process configuration, assembled from defaults, an
// optional YAML file, GEOFLOW_* environment variables, and runtime
// overrides, in rising precedence.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`

	// Workers bounds concurrent object-storage operations (copy
	// fan-out, output resolution).
	Workers int `mapstructure:"workers"`

	// StateDir is where run records are persisted.
	StateDir string `mapstructure:"state_dir"`

	MAAP      MAAPConfig      `mapstructure:"maap"`
	STAC      STACConfig      `mapstructure:"stac"`
	CMSS      HostConfig      `mapstructure:"cmss"`
	SDAP      HostConfig      `mapstructure:"sdap"`
	GeoServer GeoServerConfig `mapstructure:"geoserver"`
	S3        S3Config        `mapstructure:"s3"`
	Poller    PollerConfig    `mapstructure:"poller"`

	// ZarrConfigURL is the S3 URL of the NetCDF-to-Zarr conversion
	// config consumed by conversion jobs.
	ZarrConfigURL string `mapstructure:"zarr_config_url"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the server-side logger. CLI verbosity is
// flag-driven and does not read these keys.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig reserves the standard metrics keys. Nothing scrapes
// geoflow yet; the keys exist so deployments can pre-wire them.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig toggles debug facilities on the status server.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// MAAPConfig configures the job execution API.
type MAAPConfig struct {
	Host  string `mapstructure:"host"`
	Token string `mapstructure:"token"`
	Queue string `mapstructure:"queue"`
}

// STACConfig configures the catalog API.
type STACConfig struct {
	Host  string `mapstructure:"host"`
	Token string `mapstructure:"token"`
}

// HostConfig configures a service that needs only a base URL.
type HostConfig struct {
	Host string `mapstructure:"host"`
}

// GeoServerConfig configures the GeoServer REST API.
type GeoServerConfig struct {
	Host      string `mapstructure:"host"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Workspace string `mapstructure:"workspace"`
}

// S3Config configures canonical output placement and credentials.
type S3Config struct {
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Region  string `mapstructure:"region"`
	RoleARN string `mapstructure:"role_arn"`
}

// PollerConfig configures job-status polling backoff.
type PollerConfig struct {
	Seed         time.Duration `mapstructure:"seed"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	MaxTotalWait time.Duration `mapstructure:"max_total_wait"`
}
