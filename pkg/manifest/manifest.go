// Package manifest provides loading and validation of geoflow run manifests.
//
// A run manifest is a YAML or JSON file that configures a pipeline run: the
// input to process, the steps to execute, output placement, and the service
// endpoints the run talks to. Values from a manifest sit below command-line
// flags, so a manifest can carry an environment's standing configuration
// while flags override per-run details.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown
// properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: merra2-hourly
//	input:
//	  granule_id: MERRA2_400.tavg1_2d_slv_Nx.20240115.nc4
//	  collection_id: C1276812863-GES_DISC
//	output:
//	  bucket: czdt-products
//	  prefix: merra2/hourly
//	concat:
//	  enabled: true
//	services:
//	  maap:
//	    host: https://api.maap-project.org
//	    queue: maap-dps-worker-8gb
//	  stac:
//	    host: https://mmgis.example.org
package manifest

// RunManifest represents a validated run manifest.
//
// The only required field is Version. Everything else is optional so a
// manifest can carry as little as one environment's service endpoints;
// whether the merged run configuration is complete is decided by run
// validation, not here.
type RunManifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.earthscale.dev/geoflow/v1.0.0/run-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name is the run name, used as the job identifier prefix.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Input selects what the pipeline processes.
	Input InputConfig `json:"input,omitempty" yaml:"input,omitempty"`

	// Steps is an explicit step subset. Empty means all steps applicable
	// to the detected input type.
	Steps []string `json:"steps,omitempty" yaml:"steps,omitempty"`

	// Concat configures the optional Zarr concatenation step.
	Concat ConcatConfig `json:"concat,omitempty" yaml:"concat,omitempty"`

	// Variables is the comma-separated list of NetCDF variables to
	// convert, or "*" for all.
	Variables string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Output configures where converted stores land.
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`

	// Services configures the external service endpoints.
	Services ServicesConfig `json:"services,omitempty" yaml:"services,omitempty"`

	// ZarrConfigURL is the S3 URL of the NetCDF-to-Zarr conversion config.
	ZarrConfigURL string `json:"zarr_config_url,omitempty" yaml:"zarr_config_url,omitempty"`

	// Upsert replaces existing catalog items instead of inserting.
	Upsert bool `json:"upsert,omitempty" yaml:"upsert,omitempty"`
}

// InputConfig selects the pipeline input: a DAAC granule (GranuleID plus
// CollectionID) or an S3-hosted object (S3URL).
type InputConfig struct {
	// GranuleID is a DAAC granule identifier. Requires CollectionID.
	GranuleID string `json:"granule_id,omitempty" yaml:"granule_id,omitempty"`

	// CollectionID is the collection concept id, used for granule lookup
	// and catalog registration.
	CollectionID string `json:"collection_id,omitempty" yaml:"collection_id,omitempty"`

	// S3URL is the S3 URL of a NetCDF (.nc/.nc4), Zarr (.zarr), or
	// GeoPackage (.gpkg) input.
	S3URL string `json:"s3_url,omitempty" yaml:"s3_url,omitempty"`
}

// ConcatConfig configures the Zarr concatenation step.
type ConcatConfig struct {
	// Enabled includes the concatenation step in the run. Default: false.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Duration is the ISO 8601 concatenation window. Default: "P5D".
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// OutputConfig configures the canonical output location for converted stores.
type OutputConfig struct {
	// Bucket is the output bucket.
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// Prefix is the key prefix under the output bucket.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// ServicesConfig configures the external service endpoints a run talks to.
// Empty hosts disable the corresponding collaborator.
type ServicesConfig struct {
	// MAAP is the job execution API.
	MAAP MAAPConfig `json:"maap,omitempty" yaml:"maap,omitempty"`

	// STAC is the catalog API (MMGIS).
	STAC HostConfig `json:"stac,omitempty" yaml:"stac,omitempty"`

	// CMSS is the logging and product-availability API.
	CMSS HostConfig `json:"cmss,omitempty" yaml:"cmss,omitempty"`

	// SDAP is the dataset management API.
	SDAP HostConfig `json:"sdap,omitempty" yaml:"sdap,omitempty"`

	// GeoServer is the REST API for GeoPackage publication.
	GeoServer GeoServerConfig `json:"geoserver,omitempty" yaml:"geoserver,omitempty"`
}

// MAAPConfig configures the job execution API.
type MAAPConfig struct {
	// Host is the API base URL.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Queue is the resource queue for submitted jobs.
	Queue string `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// HostConfig configures a service that needs only a base URL.
type HostConfig struct {
	// Host is the API base URL.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
}

// GeoServerConfig configures the GeoServer REST API.
type GeoServerConfig struct {
	// Host is the API base URL.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Workspace is the target workspace for published stores.
	Workspace string `json:"workspace,omitempty" yaml:"workspace,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultName is the default run name.
	DefaultName = "geoflow"

	// DefaultVariables converts every variable in the input.
	DefaultVariables = "*"

	// DefaultConcatDuration is the default concatenation window.
	DefaultConcatDuration = "P5D"

	// DefaultGeoServerWorkspace is the default GeoServer workspace.
	DefaultGeoServerWorkspace = "czdt"
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so
// downstream consumers never see empty strings for defaulted fields.
func (m *RunManifest) ApplyDefaults() {
	if m.Name == "" {
		m.Name = DefaultName
	}
	if m.Variables == "" {
		m.Variables = DefaultVariables
	}
	if m.Concat.Duration == "" {
		m.Concat.Duration = DefaultConcatDuration
	}
	if m.Services.GeoServer.Workspace == "" {
		m.Services.GeoServer.Workspace = DefaultGeoServerWorkspace
	}
}
