package k8sutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

// MaxOwnerDepth bounds the controller back-reference walk. Malformed
// controllers have been observed to introduce owner cycles; this plus the
// visited-set in OwnerChainResolver.Ancestors is the cycle guard called out
// in the design notes.
const MaxOwnerDepth = 10

// Ancestor is one hop up a controller ownership chain.
type Ancestor struct {
	GVK    schema.GroupVersionKind
	NSName string
	Object *unstructured.Unstructured
}

// resourceGetter is the subset of ResourceResolver the chain walk needs,
// narrowed to an interface so tests can resolve against an in-memory
// object graph.
type resourceGetter interface {
	ResourceInterface(gvk schema.GroupVersionKind, namespace string) (dynamic.ResourceInterface, error)
	IsNamespaced(gvk schema.GroupVersionKind) (bool, error)
}

// OwnerChainResolver walks controller owner-references against the live
// cluster. Each fully-walked ancestor caches its complete remaining chain
// (itself plus everything above it), so the second pod of a workload
// resolves in one cache hit with zero API round trips.
type OwnerChainResolver struct {
	resolver resourceGetter

	mu    sync.Mutex
	cache map[string][]Ancestor
}

// NewOwnerChainResolver builds a resolver over the given ResourceResolver.
func NewOwnerChainResolver(resolver resourceGetter) *OwnerChainResolver {
	return &OwnerChainResolver{
		resolver: resolver,
		cache:    make(map[string][]Ancestor),
	}
}

// ControllerRef returns the owner reference with Controller=true, falling
// back to the first owner reference if none is marked as a controller.
func ControllerRef(refs []metav1.OwnerReference) *metav1.OwnerReference {
	for i := range refs {
		if refs[i].Controller != nil && *refs[i].Controller {
			return &refs[i]
		}
	}
	if len(refs) > 0 {
		return &refs[0]
	}
	return nil
}

// Ancestors walks the controller ownership chain starting at (gvk, namespace,
// name), returning the chain from the immediate owner up to the root. A
// cycle truncates the chain and logs a warning; a depth overrun truncates
// it without logging.
// A cached entry holds the full chain from that owner upward, so a hit
// completes the walk in one splice.
func (r *OwnerChainResolver) Ancestors(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, refs []metav1.OwnerReference) ([]Ancestor, error) {
	visited := map[string]bool{
		cacheKey(gvk, NamespacedName(namespace, name)): true,
	}

	var chain []Ancestor
	curRefs := refs
	curNamespace := namespace
	complete := true

	for depth := 0; depth < MaxOwnerDepth; depth++ {
		ref := ControllerRef(curRefs)
		if ref == nil {
			break
		}

		ownerGVK, err := GVKFromAPIVersion(ref.APIVersion, ref.Kind)
		if err != nil {
			return chain, fmt.Errorf("owner reference %q: %w", ref.Name, err)
		}

		namespaced, err := r.resolver.IsNamespaced(ownerGVK)
		if err != nil {
			return chain, err
		}
		ownerNamespace := ""
		if namespaced {
			ownerNamespace = curNamespace
		}
		nsName := NamespacedName(ownerNamespace, ref.Name)
		key := cacheKey(ownerGVK, nsName)

		if visited[key] {
			slog.Warn("owner reference cycle detected, discarding remainder of chain",
				"gvk", FormatGVK(ownerGVK), "name", nsName)
			complete = false
			break
		}
		visited[key] = true

		if suffix, ok := r.cachedChain(key); ok {
			chain = append(chain, suffix...)
			r.cacheSuffixes(chain)
			return chain, nil
		}

		obj, err := r.get(ctx, ownerGVK, ownerNamespace, ref.Name)
		if err != nil {
			return chain, fmt.Errorf("fetch owner %s: %w", key, err)
		}

		chain = append(chain, Ancestor{GVK: ownerGVK, NSName: nsName, Object: obj})

		if obj == nil {
			complete = false
			break
		}
		curRefs = obj.GetOwnerReferences()
		curNamespace = ownerNamespace
	}

	// A chain cut short by a cycle, a missing object, or the depth bound
	// isn't safe to reuse: the suffix above the cut is unknown, not absent.
	if ControllerRef(curRefs) != nil {
		complete = false
	}
	if complete {
		r.cacheSuffixes(chain)
	}
	return chain, nil
}

// cachedChain returns the cached chain from key upward, copied so callers
// can't mutate the cache through the returned slice.
func (r *OwnerChainResolver) cachedChain(key string) ([]Ancestor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	suffix, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	out := make([]Ancestor, len(suffix))
	copy(out, suffix)
	return out, true
}

// cacheSuffixes records, for every ancestor in a fully-resolved chain, the
// chain from that ancestor up to the root.
func (r *OwnerChainResolver) cacheSuffixes(chain []Ancestor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range chain {
		key := cacheKey(a.GVK, a.NSName)
		if _, ok := r.cache[key]; ok {
			continue
		}
		suffix := make([]Ancestor, len(chain)-i)
		copy(suffix, chain[i:])
		r.cache[key] = suffix
	}
}

func (r *OwnerChainResolver) get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	ri, err := r.resolver.ResourceInterface(gvk, namespace)
	if err != nil {
		return nil, err
	}
	obj, err := ri.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// InvalidateCache drops cached ancestor lookups; used when an owner object's
// own owner references may have changed (e.g. after a resync).
func (r *OwnerChainResolver) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string][]Ancestor)
}

func cacheKey(gvk schema.GroupVersionKind, nsName string) string {
	return FormatGVKName(gvk, nsName)
}
