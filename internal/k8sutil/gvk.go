// Package k8sutil holds small Kubernetes helpers shared by both the tracer
// and the driver: GVK string handling, namespaced-name keys, owner-reference
// walking and a cached dynamic API resolver.
package k8sutil

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ParseGVK parses the "group/version.Kind" (or "version.Kind" for the core
// group) form used throughout the trace format and tracker config.
func ParseGVK(s string) (schema.GroupVersionKind, error) {
	group, rest, hasGroup := strings.Cut(s, "/")
	if !hasGroup {
		rest = group
		group = ""
	}

	version, kind, ok := strings.Cut(rest, ".")
	if !ok {
		return schema.GroupVersionKind{}, fmt.Errorf("invalid gvk %q: expected group/version.Kind", s)
	}
	if version == "" || kind == "" {
		return schema.GroupVersionKind{}, fmt.Errorf("invalid gvk %q: empty version or kind", s)
	}

	return schema.GroupVersionKind{Group: group, Version: version, Kind: kind}, nil
}

// FormatGVK renders a GroupVersionKind as "group/version.Kind", or
// "version.Kind" when the group is the core group.
func FormatGVK(gvk schema.GroupVersionKind) string {
	if gvk.Group == "" {
		return fmt.Sprintf("%s.%s", gvk.Version, gvk.Kind)
	}
	return fmt.Sprintf("%s/%s.%s", gvk.Group, gvk.Version, gvk.Kind)
}

// GVKFromAPIVersion builds a GroupVersionKind from an owner reference's
// apiVersion + kind pair, the same split logic kube-apiserver uses.
func GVKFromAPIVersion(apiVersion, kind string) (schema.GroupVersionKind, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionKind{}, fmt.Errorf("invalid apiVersion %q: %w", apiVersion, err)
	}
	return gv.WithKind(kind), nil
}

// NamespacedName returns the "namespace/name" key used for index and
// timeline bookkeeping. Cluster-scoped objects use an empty namespace.
func NamespacedName(namespace, name string) string {
	return namespace + "/" + name
}

// SplitNamespacedName reverses NamespacedName.
func SplitNamespacedName(nsName string) (namespace, name string) {
	namespace, name, _ = strings.Cut(nsName, "/")
	return namespace, name
}

// FormatGVKName renders the "kind@namespace/name" label used in log lines
// and pod-lifecycle keys.
func FormatGVKName(gvk schema.GroupVersionKind, nsName string) string {
	return fmt.Sprintf("%s@%s", FormatGVK(gvk), nsName)
}
