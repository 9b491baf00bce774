package trace

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/config"
	clustersimerrors "github.com/kubeadapt/clustersim/internal/errors"
	"github.com/kubeadapt/clustersim/internal/store"
)

func deploymentGVK() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
}

func testTrace() *store.Trace {
	end := int64(150)
	gvk := deploymentGVK()
	owner := store.OwnerKey{GVK: gvk, NSName: "default/web"}

	return &store.Trace{
		SchemaVersion: store.SchemaVersion,
		TrackerConfig: config.TrackerConfig{
			TrackedObjects: map[schema.GroupVersionKind]config.TrackedObjectConfig{
				gvk: {PodSpecTemplatePaths: []string{"spec/template"}, TrackLifecycle: true},
			},
		},
		Events: []store.TimelineEvent{
			{
				TS: 10,
				Applied: []*unstructured.Unstructured{{Object: map[string]interface{}{
					"apiVersion": "apps/v1",
					"kind":       "Deployment",
					"metadata": map[string]interface{}{
						"name":      "web",
						"namespace": "default",
					},
				}}},
			},
			{TS: 20, Gap: true},
		},
		KindIndex: store.KindIndexSnapshot{
			gvk: {"default/web": 42},
		},
		PodLifecycles: store.PodLifecycleSnapshot{
			owner: {
				99: {{StartTS: 100, EndTS: &end}},
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := testTrace()

	data, err := Encode(in, nil)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not a zstd frame"))
	require.Error(t, err)

	var agentErr *clustersimerrors.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, clustersimerrors.ErrTraceCorrupt, agentErr.Code)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	in := testTrace()
	in.SchemaVersion = 99

	data, err := Encode(in, nil)
	require.NoError(t, err)

	_, err = Decode(data)
	require.Error(t, err)

	var agentErr *clustersimerrors.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, clustersimerrors.ErrUnsupportedVersion, agentErr.Code)
}

func TestEncodeOrdersTopLevelFieldsByDeclaration(t *testing.T) {
	// cbor.Marshal in non-canonical mode must preserve Go struct field
	// declaration order, not re-sort keys — otherwise a streaming consumer
	// that expects schema_version first would break.
	in := testTrace()
	data, err := Encode(in, nil)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, store.SchemaVersion, out.SchemaVersion)

	zr, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	last := 0
	for _, key := range []string{"schema_version", "tracker_config", "events", "kind_index", "pod_lifecycles"} {
		pos := bytes.Index(raw, []byte(key))
		require.Greater(t, pos, last, "top-level field %q out of declaration order", key)
		last = pos
	}
}
