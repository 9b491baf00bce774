package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/config"
)

func deploymentGVK() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
}

func testConfig() config.TrackerConfig {
	return config.TrackerConfig{
		TrackedObjects: map[schema.GroupVersionKind]config.TrackedObjectConfig{
			deploymentGVK(): {PodSpecTemplatePaths: []string{"spec/template"}, TrackLifecycle: true},
		},
	}
}

func deployment(name string, replicas int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "default",
		},
		"spec": map[string]interface{}{
			"replicas": replicas,
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{"name": "app", "image": "web:v1"},
					},
				},
			},
		},
	}}
}

func TestObserveAppliedAppendsEvent(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))

	require.Len(t, s.timeline, 1)
	assert.Equal(t, int64(10), s.timeline[0].TS)
	require.Len(t, s.timeline[0].Applied, 1)
}

func TestObserveAppliedSkipsUnchangedHash(t *testing.T) {
	s := New(testConfig())
	obj := deployment("web", 1)
	require.NoError(t, s.ObserveApplied(deploymentGVK(), obj, 10))
	require.NoError(t, s.ObserveApplied(deploymentGVK(), obj, 20))

	assert.Len(t, s.timeline, 1, "re-applying an unchanged object must not grow the timeline")
}

func TestObserveAppliedRecordsChangedHash(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 5), 20))

	require.Len(t, s.timeline, 2)
}

func TestObserveAppliedMergesSameTimestamp(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("api", 1), 10))

	require.Len(t, s.timeline, 1)
	assert.Len(t, s.timeline[0].Applied, 2)
}

func TestObserveDeletedRemovesFromKindIndex(t *testing.T) {
	s := New(testConfig())
	obj := deployment("web", 1)
	require.NoError(t, s.ObserveApplied(deploymentGVK(), obj, 10))
	require.NoError(t, s.ObserveDeleted(deploymentGVK(), obj, 20))

	_, ok := s.kindIndexLocked(deploymentGVK()).Get("default/web")
	assert.False(t, ok)
	require.Len(t, s.timeline, 2)
	assert.Len(t, s.timeline[1].Deleted, 1)
}

func TestRecordGapAppendsMarkerEvent(t *testing.T) {
	s := New(testConfig())
	s.RecordGap(10)

	require.Len(t, s.timeline, 1)
	assert.Equal(t, int64(10), s.timeline[0].TS)
	assert.True(t, s.timeline[0].Gap)
	assert.Empty(t, s.timeline[0].Applied)
}

func TestRecordGapMergesIntoSameTimestampEvent(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))
	s.RecordGap(10)
	s.RecordGap(10)

	require.Len(t, s.timeline, 1)
	assert.True(t, s.timeline[0].Gap)
	assert.Len(t, s.timeline[0].Applied, 1)
}

func TestRecordPodLifecycleClosesMostRecentOpenRecord(t *testing.T) {
	s := New(testConfig())
	owner := "default/web"
	s.RecordPodStart(deploymentGVK(), owner, 42, 100)
	s.RecordPodStart(deploymentGVK(), owner, 42, 110)
	s.RecordPodEnd(deploymentGVK(), owner, 42, 150)

	key := OwnerKey{GVK: deploymentGVK(), NSName: owner}
	intervals := s.owners[key][42]
	require.Len(t, intervals, 2)
	assert.Nil(t, intervals[0].EndTS, "the earlier-opened record should remain open")
	require.NotNil(t, intervals[1].EndTS)
	assert.Equal(t, int64(150), *intervals[1].EndTS)
}

func TestRecordPodEndWithoutOpenRecordSynthesizesDegenerateInterval(t *testing.T) {
	s := New(testConfig())
	owner := "default/web"
	s.RecordPodEnd(deploymentGVK(), owner, 42, 200)

	key := OwnerKey{GVK: deploymentGVK(), NSName: owner}
	intervals := s.owners[key][42]
	require.Len(t, intervals, 1)
	assert.Equal(t, int64(200), intervals[0].StartTS)
	require.NotNil(t, intervals[0].EndTS)
	assert.Equal(t, int64(200), *intervals[0].EndTS)
}
