package k8sutil

import (
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/restmapper"
)

// ResourceResolver caches the GVK -> GVR + scope lookups needed to drive the
// dynamic client, so that repeated owner-chain walks don't hammer API server
// discovery.
type ResourceResolver struct {
	dyn    dynamic.Interface
	mapper meta.RESTMapper

	mu        sync.RWMutex
	resources map[schema.GroupVersionKind]resolvedResource
}

type resolvedResource struct {
	gvr       schema.GroupVersionResource
	namespace bool
}

// NewResourceResolver builds a ResourceResolver backed by a deferred,
// memory-cached discovery RESTMapper, refreshed lazily on mapping misses.
func NewResourceResolver(dyn dynamic.Interface, disc discovery.DiscoveryInterface) *ResourceResolver {
	cached := memory.NewMemCacheClient(disc)
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(cached)
	return &ResourceResolver{
		dyn:       dyn,
		mapper:    mapper,
		resources: make(map[schema.GroupVersionKind]resolvedResource),
	}
}

func (r *ResourceResolver) resolve(gvk schema.GroupVersionKind) (resolvedResource, error) {
	r.mu.RLock()
	rr, ok := r.resources[gvk]
	r.mu.RUnlock()
	if ok {
		return rr, nil
	}

	mapping, err := r.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return resolvedResource{}, fmt.Errorf("no resource mapping for %s: %w", FormatGVK(gvk), err)
	}

	rr = resolvedResource{
		gvr:       mapping.Resource,
		namespace: mapping.Scope.Name() == meta.RESTScopeNameNamespace,
	}

	r.mu.Lock()
	r.resources[gvk] = rr
	r.mu.Unlock()
	return rr, nil
}

// ResourceInterface returns the dynamic.ResourceInterface to use for the
// given GVK + namespace (the namespace is ignored for cluster-scoped kinds).
func (r *ResourceResolver) ResourceInterface(gvk schema.GroupVersionKind, namespace string) (dynamic.ResourceInterface, error) {
	rr, err := r.resolve(gvk)
	if err != nil {
		return nil, err
	}
	if rr.namespace {
		return r.dyn.Resource(rr.gvr).Namespace(namespace), nil
	}
	return r.dyn.Resource(rr.gvr), nil
}

// IsNamespaced reports whether the given GVK is a namespace-scoped resource.
func (r *ResourceResolver) IsNamespaced(gvk schema.GroupVersionKind) (bool, error) {
	rr, err := r.resolve(gvk)
	if err != nil {
		return false, err
	}
	return rr.namespace, nil
}

// GVR resolves the GroupVersionResource backing gvk, for callers (like the
// watch fabric) that need to build their own informer over it.
func (r *ResourceResolver) GVR(gvk schema.GroupVersionKind) (schema.GroupVersionResource, error) {
	rr, err := r.resolve(gvk)
	if err != nil {
		return schema.GroupVersionResource{}, err
	}
	return rr.gvr, nil
}
