package ownership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/store"
)

var deployGVK = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}

func TestRepresentativeTTLPicksLongestClosedInterval(t *testing.T) {
	owner := store.OwnerKey{GVK: deployGVK, NSName: "default/web"}
	end1, end2 := int64(40), int64(130)
	lifecycles := store.PodLifecycleSnapshot{
		owner: {
			7: {
				{StartTS: 10, EndTS: &end1},  // 30s
				{StartTS: 50, EndTS: &end2},  // 80s
				{StartTS: 200, EndTS: nil},   // still open, ignored
			},
		},
	}

	tr := New(nil, lifecycles, nil)
	ttl, ok := tr.RepresentativeTTL(owner, 7)
	assert.True(t, ok)
	assert.Equal(t, int64(80), int64(ttl.Seconds()))
}

func TestRepresentativeTTLMissingKey(t *testing.T) {
	tr := New(nil, store.PodLifecycleSnapshot{}, nil)
	_, ok := tr.RepresentativeTTL(store.OwnerKey{GVK: deployGVK, NSName: "default/web"}, 7)
	assert.False(t, ok)
}

func TestRepresentativeTTLAllOpenIntervals(t *testing.T) {
	owner := store.OwnerKey{GVK: deployGVK, NSName: "default/web"}
	lifecycles := store.PodLifecycleSnapshot{
		owner: {7: {{StartTS: 10, EndTS: nil}}},
	}
	tr := New(nil, lifecycles, nil)
	_, ok := tr.RepresentativeTTL(owner, 7)
	assert.False(t, ok)
}

func TestHasObject(t *testing.T) {
	index := store.KindIndexSnapshot{
		deployGVK: {"default/web": 123},
	}
	tr := New(index, nil, nil)
	assert.True(t, tr.HasObject(deployGVK, "default/web"))
	assert.False(t, tr.HasObject(deployGVK, "default/other"))
	assert.False(t, tr.HasObject(schema.GroupVersionKind{Kind: "Unknown"}, "default/web"))
}

func TestNextSequenceIncrementsPerKey(t *testing.T) {
	owner := store.OwnerKey{GVK: deployGVK, NSName: "default/web"}
	tr := New(nil, nil, nil)
	assert.Equal(t, 0, tr.NextSequence(owner, 7))
	assert.Equal(t, 1, tr.NextSequence(owner, 7))
	assert.Equal(t, 0, tr.NextSequence(owner, 8))
}
