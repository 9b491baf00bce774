package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/config"
	"github.com/kubeadapt/clustersim/internal/store"
)

func testGVK() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
}

func testStore() *store.Store {
	cfg := config.TrackerConfig{
		TrackedObjects: map[schema.GroupVersionKind]config.TrackedObjectConfig{
			testGVK(): {PodSpecTemplatePaths: []string{"spec/template"}, TrackLifecycle: true},
		},
	}
	return store.New(cfg)
}

func testObj(name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "default",
		},
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{"name": "main", "image": "nginx:1.27"},
					},
				},
			},
		},
	}}
}

func TestQueueAppliesMutations(t *testing.T) {
	s := testStore()
	q := NewQueue(4, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Run(ctx)
	defer q.Stop()

	q.Enqueue(testGVK(), testObj("web"), false, 10)

	require.Eventually(t, func() bool {
		trace, err := s.Export(0, 100, store.ExportFilters{})
		if err != nil {
			return false
		}
		_, ok := trace.KindIndex[testGVK()]["default/web"]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestQueueDropsWhenSaturated(t *testing.T) {
	s := testStore()
	q := NewQueue(1, s, nil)

	// Fill the channel without a drain loop running, then overflow it.
	q.ch <- mutation{gvk: testGVK(), obj: testObj("a"), ts: 1}
	q.Enqueue(testGVK(), testObj("b"), false, 2)

	assert.Len(t, q.ch, 1, "saturated queue must drop the overflow entry rather than block")

	// The drop must leave a gap marker on the timeline.
	trace, err := s.Export(0, 10, store.ExportFilters{})
	require.NoError(t, err)
	var sawGap bool
	for _, evt := range trace.Events {
		if evt.Gap && evt.TS == 2 {
			sawGap = true
		}
	}
	assert.True(t, sawGap, "dropped mutation must be recorded as a timeline gap marker")
}
