package cmd

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/earthscale/geoflow/internal/config"
	"github.com/earthscale/geoflow/pkg/manifest"
	"github.com/earthscale/geoflow/pkg/pipeline"
)

// resetRunFlags zeroes the run command's flag variables and restores
// them when the test ends.
func resetRunFlags(t *testing.T) {
	t.Helper()
	saved := []struct {
		p    *string
		orig string
	}{
		{&runGranuleID, runGranuleID}, {&runInputS3, runInputS3},
		{&runCollectionID, runCollectionID}, {&runName, runName},
		{&runBucket, runBucket}, {&runPrefix, runPrefix},
		{&runMAAPHost, runMAAPHost}, {&runJobQueue, runJobQueue},
		{&runMMGISHost, runMMGISHost}, {&runZarrConfigURL, runZarrConfigURL},
		{&runVariables, runVariables}, {&runSteps, runSteps},
		{&runConcatWindow, runConcatWindow},
	}
	savedConcat := runEnableConcat
	savedUpsert := runUpsert
	for _, s := range saved {
		*s.p = ""
	}
	runSteps = "all"
	runEnableConcat = false
	runUpsert = false
	t.Cleanup(func() {
		for _, s := range saved {
			*s.p = s.orig
		}
		runEnableConcat = savedConcat
		runUpsert = savedUpsert
	})
}

func unchangedFlags(string) bool { return false }

func changedSet(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestResolveRunSettings(t *testing.T) {
	cfg := &config.Config{
		Workers:       4,
		StateDir:      "/var/lib/geoflow",
		ZarrConfigURL: "s3://cfg/zarr.json",
	}
	cfg.S3.Bucket = "cfg-bucket"
	cfg.S3.Prefix = "cfg-prefix"
	cfg.MAAP.Host = "https://maap.config"
	cfg.MAAP.Queue = "cfg-queue"
	cfg.STAC.Host = "https://stac.config"

	t.Run("config values fill unset flags", func(t *testing.T) {
		resetRunFlags(t)

		s := resolveRunSettings(cfg, nil, unchangedFlags)

		assert.Equal(t, "cfg-bucket", s.bucket)
		assert.Equal(t, "cfg-prefix", s.prefix)
		assert.Equal(t, "https://maap.config", s.maapHost)
		assert.Equal(t, "cfg-queue", s.jobQueue)
		assert.Equal(t, "https://stac.config", s.stacHost)
		assert.Equal(t, "s3://cfg/zarr.json", s.zarrConfigURL)
		assert.Equal(t, 4, s.workers)
	})

	t.Run("manifest overrides config", func(t *testing.T) {
		resetRunFlags(t)
		m := &manifest.RunManifest{
			Name:      "merra2-hourly",
			Variables: "T2M,U10M",
			Steps:     []string{"netcdf2zarr"},
			Upsert:    true,
		}
		m.Input.GranuleID = "G1234"
		m.Input.CollectionID = "C5678"
		m.Output.Bucket = "manifest-bucket"
		m.Services.MAAP.Host = "https://maap.manifest"
		m.Concat.Enabled = true
		m.Concat.Duration = "P3D"

		s := resolveRunSettings(cfg, m, unchangedFlags)

		assert.Equal(t, "merra2-hourly", s.name)
		assert.Equal(t, "G1234", s.granuleID)
		assert.Equal(t, "C5678", s.collectionID)
		assert.Equal(t, "manifest-bucket", s.bucket)
		assert.Equal(t, "cfg-prefix", s.prefix, "manifest leaves prefix to config")
		assert.Equal(t, "https://maap.manifest", s.maapHost)
		assert.Equal(t, "T2M,U10M", s.variables)
		assert.Equal(t, "netcdf2zarr", s.steps)
		assert.True(t, s.enableConcat)
		assert.Equal(t, "P3D", s.concatDuration)
		assert.True(t, s.upsert)
	})

	t.Run("explicit flags override manifest", func(t *testing.T) {
		resetRunFlags(t)
		runBucket = "flag-bucket"
		runSteps = "zarr2cog"
		m := &manifest.RunManifest{Steps: []string{"netcdf2zarr"}}
		m.Output.Bucket = "manifest-bucket"
		m.Concat.Enabled = true

		s := resolveRunSettings(cfg, m, changedSet("s3-bucket", "steps", "enable-concat"))

		assert.Equal(t, "flag-bucket", s.bucket)
		assert.Equal(t, "zarr2cog", s.steps)
		assert.False(t, s.enableConcat, "unset flag still wins when marked changed")
	})
}

func TestPick(t *testing.T) {
	assert.Equal(t, "a", pick("a", "b"))
	assert.Equal(t, "b", pick("", "b"))
	assert.Equal(t, "", pick("", ""))
	assert.Equal(t, "", pick())
}

func TestStepStrings(t *testing.T) {
	steps := []pipeline.Step{pipeline.StepNetCDFToZarr, pipeline.StepZarrToCOG}
	assert.Equal(t, []string{"netcdf2zarr", "zarr2cog"}, stepStrings(steps))
	assert.Empty(t, stepStrings(nil))
}

func TestNewRunID(t *testing.T) {
	t.Run("hosting environment job id wins", func(t *testing.T) {
		t.Setenv("GEOFLOW_JOB_ID", "dps-job-42")
		assert.Equal(t, "dps-job-42", newRunID())
	})

	t.Run("fresh uuid otherwise", func(t *testing.T) {
		t.Setenv("GEOFLOW_JOB_ID", "")
		id := newRunID()
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
		assert.NotEqual(t, id, newRunID())
	})
}
