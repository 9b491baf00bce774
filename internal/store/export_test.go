package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportInvalidRange(t *testing.T) {
	s := New(testConfig())
	_, err := s.Export(100, 50, ExportFilters{})
	require.Error(t, err)
}

func TestExportSnapshotsSurvivorsAtStart(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 3), 20))

	trace, err := s.Export(15, 30, ExportFilters{})
	require.NoError(t, err)

	require.Len(t, trace.Events, 2)
	assert.Equal(t, int64(15), trace.Events[0].TS)
	require.Len(t, trace.Events[0].Applied, 1, "the ts=10 version should be folded into the start-ts snapshot")
	assert.Equal(t, int64(20), trace.Events[1].TS)
}

func TestExportExcludesDeletedObjectsBeforeWindow(t *testing.T) {
	s := New(testConfig())
	obj := deployment("web", 1)
	require.NoError(t, s.ObserveApplied(deploymentGVK(), obj, 10))
	require.NoError(t, s.ObserveDeleted(deploymentGVK(), obj, 15))

	trace, err := s.Export(20, 30, ExportFilters{})
	require.NoError(t, err)

	require.Len(t, trace.Events, 1, "only the (always-present) synthetic start-ts event remains")
	assert.Empty(t, trace.Events[0].Applied)
	assert.Empty(t, trace.Events[0].Deleted)
	assert.Empty(t, trace.KindIndex)
}

func TestExportReducesKindIndexToLiveObjects(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("api", 1), 10))

	trace, err := s.Export(0, 20, ExportFilters{})
	require.NoError(t, err)

	byName := trace.KindIndex[deploymentGVK()]
	require.Len(t, byName, 2)
	assert.Contains(t, byName, "default/web")
	assert.Contains(t, byName, "default/api")
}

func TestExportExcludesNamespace(t *testing.T) {
	s := New(testConfig())
	obj := deployment("web", 1)
	obj.SetNamespace("kube-system")
	require.NoError(t, s.ObserveApplied(deploymentGVK(), obj, 10))

	trace, err := s.Export(0, 20, ExportFilters{ExcludedNamespaces: []string{"kube-system"}})
	require.NoError(t, err)

	assert.Empty(t, trace.KindIndex)
}

func TestExportSynthesizesDeleteForExcludedObjectLiveAtStart(t *testing.T) {
	s := New(testConfig())
	obj := deployment("web", 1)
	obj.SetNamespace("kube-system")
	require.NoError(t, s.ObserveApplied(deploymentGVK(), obj, 10))

	trace, err := s.Export(15, 30, ExportFilters{ExcludedNamespaces: []string{"kube-system"}})
	require.NoError(t, err)

	// Last event should be the synthetic delete at end_ts.
	last := trace.Events[len(trace.Events)-1]
	assert.Equal(t, int64(30), last.TS)
	require.Len(t, last.Deleted, 1)
}

func TestExportCarriesInWindowGapMarkers(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))
	s.RecordGap(20)

	trace, err := s.Export(15, 30, ExportFilters{})
	require.NoError(t, err)

	var sawGap bool
	for _, evt := range trace.Events {
		if evt.Gap {
			sawGap = true
			assert.Equal(t, int64(20), evt.TS)
		}
	}
	assert.True(t, sawGap)
}

func TestExportDropsPreWindowGapMarkers(t *testing.T) {
	s := New(testConfig())
	s.RecordGap(5)
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))

	trace, err := s.Export(15, 30, ExportFilters{})
	require.NoError(t, err)

	for _, evt := range trace.Events {
		assert.False(t, evt.Gap, "gaps before the start-ts snapshot must not be exported")
	}
}

func TestExportReducesPodLifecyclesToLiveOwners(t *testing.T) {
	s := New(testConfig())
	owner := "default/web"
	require.NoError(t, s.ObserveApplied(deploymentGVK(), deployment("web", 1), 10))
	s.RecordPodStart(deploymentGVK(), owner, 42, 15)
	end := int64(25)
	s.RecordPodEnd(deploymentGVK(), owner, 42, end)

	trace, err := s.Export(0, 30, ExportFilters{})
	require.NoError(t, err)

	key := OwnerKey{GVK: deploymentGVK(), NSName: owner}
	intervals := trace.PodLifecycles[key][42]
	require.Len(t, intervals, 1)
	assert.Equal(t, int64(15), intervals[0].StartTS)
	require.NotNil(t, intervals[0].EndTS)
	assert.Equal(t, int64(25), *intervals[0].EndTS)
}

func TestExportDropsPodLifecyclesForDeletedOwner(t *testing.T) {
	s := New(testConfig())
	owner := "default/web"
	obj := deployment("web", 1)
	require.NoError(t, s.ObserveApplied(deploymentGVK(), obj, 10))
	s.RecordPodStart(deploymentGVK(), owner, 42, 15)
	require.NoError(t, s.ObserveDeleted(deploymentGVK(), obj, 20))

	trace, err := s.Export(0, 30, ExportFilters{})
	require.NoError(t, err)

	assert.Empty(t, trace.PodLifecycles)
}
