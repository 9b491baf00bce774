package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const sampleTrackerYAML = `
trackedObjects:
  apps/v1.Deployment:
    podSpecTemplatePaths: ["/spec/template"]
    trackLifecycle: true
  batch/v1.CronJob:
    podSpecTemplatePaths: ["/spec/jobTemplate/spec/template"]
    trackLifecycle: false
`

func TestParseTrackerConfig(t *testing.T) {
	cfg, err := ParseTrackerConfig([]byte(sampleTrackerYAML))
	require.NoError(t, err)

	deploy := schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
	cron := schema.GroupVersionKind{Group: "batch", Version: "v1", Kind: "CronJob"}

	assert.True(t, cfg.IsTracked(deploy))
	assert.True(t, cfg.TrackLifecycleFor(deploy))
	assert.Equal(t, []string{"/spec/template"}, cfg.PodSpecTemplatePaths(deploy))

	assert.True(t, cfg.IsTracked(cron))
	assert.False(t, cfg.TrackLifecycleFor(cron))

	assert.Len(t, cfg.Kinds(), 2)
}

func TestParseTrackerConfigRejectsMalformedGVK(t *testing.T) {
	_, err := ParseTrackerConfig([]byte(`
trackedObjects:
  not-a-gvk:
    podSpecTemplatePaths: ["/spec/template"]
`))
	assert.Error(t, err)
}

func TestParseTrackerConfigRejectsMissingTemplatePaths(t *testing.T) {
	_, err := ParseTrackerConfig([]byte(`
trackedObjects:
  apps/v1.Deployment:
    trackLifecycle: true
`))
	assert.ErrorContains(t, err, "podSpecTemplatePaths")
}

func TestTrackerConfigCBORRoundTrip(t *testing.T) {
	in, err := ParseTrackerConfig([]byte(sampleTrackerYAML))
	require.NoError(t, err)

	data, err := in.MarshalCBOR()
	require.NoError(t, err)

	var out TrackerConfig
	require.NoError(t, out.UnmarshalCBOR(data))
	assert.Equal(t, in, out)
}
