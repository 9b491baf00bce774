// Package canon implements the canonicalizer: it strips an observed
// object down to the parts that describe workload *shape* rather than
// cluster-assigned identity, so that two functionally identical objects
// produced at different times hash the same.
package canon

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeadapt/clustersim/internal/config"
)

// kubeAPIAccessVolumePrefix is the name prefix the control plane uses for
// projected service-account token volumes it synthesizes onto every pod.
const kubeAPIAccessVolumePrefix = "kube-api-access"

// Canonicalizer strips server-assigned fields and template-scoped noise from
// observed objects, per the tracker config's per-kind template paths.
type Canonicalizer struct {
	cfg config.TrackerConfig
}

// New builds a Canonicalizer over the given tracker config.
func New(cfg config.TrackerConfig) *Canonicalizer {
	return &Canonicalizer{cfg: cfg}
}

// Canonicalize returns a deep copy of obj with all server-assigned and
// template-scoped noise stripped, in a fixed order: top-level fields
// first, then every pod template reachable from the kind's configured
// template paths. The order is fixed so that canonicalize is idempotent —
// canonicalizing an already-canonical object is a no-op.
func (c *Canonicalizer) Canonicalize(obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	out := obj.DeepCopy()
	content := out.UnstructuredContent()

	stripTopLevel(content)

	gvk := obj.GroupVersionKind()
	for _, path := range c.cfg.PodSpecTemplatePaths(gvk) {
		templates, err := ResolveTemplates(content, path)
		if err != nil {
			return nil, err
		}
		for _, tmpl := range templates {
			canonicalizeTemplate(tmpl)
		}
	}

	dropEmptyCollections(content)
	out.SetUnstructuredContent(content)
	return out, nil
}

// PodTemplateHash resolves obj's configured pod spec template(s) and
// returns a canonicalized hash of them, independent of the rest of the
// object. This is the key the pod lifecycle table buckets intervals under:
// scaling an owner's replicas doesn't change it, but editing the pod
// template does. Returns ok=false if obj's kind has no configured
// templates.
func (c *Canonicalizer) PodTemplateHash(obj *unstructured.Unstructured) (hash uint64, ok bool, err error) {
	gvk := obj.GroupVersionKind()
	paths := c.cfg.PodSpecTemplatePaths(gvk)
	if len(paths) == 0 {
		return 0, false, nil
	}

	content := obj.DeepCopy().UnstructuredContent()
	var templates []map[string]interface{}
	for _, path := range paths {
		resolved, err := ResolveTemplates(content, path)
		if err != nil {
			return 0, false, err
		}
		templates = append(templates, resolved...)
	}
	if len(templates) == 0 {
		return 0, false, nil
	}
	asSlice := make([]interface{}, len(templates))
	for i, tmpl := range templates {
		canonicalizeTemplate(tmpl)
		asSlice[i] = tmpl
	}
	return HashValue(asSlice), true, nil
}

// stripTopLevel removes status and the server-assigned metadata fields,
// in a fixed order.
func stripTopLevel(content map[string]interface{}) {
	delete(content, "status")

	metadata, ok := content["metadata"].(map[string]interface{})
	if !ok {
		return
	}
	for _, field := range []string{
		"resourceVersion",
		"uid",
		"generation",
		"managedFields",
		"creationTimestamp",
		"selfLink",
		"ownerReferences",
	} {
		delete(metadata, field)
	}
}
