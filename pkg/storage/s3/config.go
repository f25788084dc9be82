// Package s3 implements the storage interfaces for AWS S3 and
// S3-compatible object stores.
package s3

// Config configures an S3 store.
//
// Authentication priority:
//  1. RoleARN (assumed via STS on top of the resolved base credentials)
//  2. Explicit AccessKeyID/SecretAccessKey (if provided)
//  3. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  4. Shared credentials/config files with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// Pipeline runs in hosted execution environments assume a delivery role
// to reach the product bucket; set RoleARN for that. For S3-compatible
// stores (MinIO, moto), set Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the default bucket used when an operation does not name
	// one. Optional: job-output resolution reads from whatever bucket
	// the executor reported.
	Bucket string

	// Region is the AWS region.
	// For AWS S3: defaults to us-west-2 if not resolvable from the
	// environment or profile. When Endpoint is set no default applies.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	Endpoint string

	// Profile is the AWS profile name from shared config.
	Profile string

	// RoleARN, when set, is assumed via STS before any S3 call. The
	// session name embeds the process id for CloudTrail correlation.
	RoleARN string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey
	// must also be set; takes precedence over the default chain.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not
	// subdomain). Required for most S3-compatible stores.
	ForcePathStyle bool

	// MaxKeys is the default page size for List operations.
	// Zero uses DefaultMaxKeys. Values over 1000 are clamped.
	MaxKeys int
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region when none is resolvable.
// Product buckets and the hosted executor both live in us-west-2.
const DefaultAWSRegion = "us-west-2"

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
