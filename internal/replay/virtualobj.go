package replay

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubeadapt/clustersim/internal/canon"
	"github.com/kubeadapt/clustersim/internal/config"
)

// VirtualLabelKey marks every object the replay engine creates as
// simulation-owned scaffolding. Distinct from the `simulation` identity
// label the admission mutator adds to live pods: this one is an internal
// marker, not part of the mutator's wire contract, so it carries the
// project prefix.
const VirtualLabelKey = "clustersim.io/virtual"

// OriginalNamespaceAnnotationKey records, on every virtual pod template,
// the namespace the recorded workload actually lived in.
const OriginalNamespaceAnnotationKey = "clustersim.io/original-namespace"

// simulationLabelKey mirrors internal/admission.SimulationLabelKey: the
// replay engine stamps it on the simulation root and every virtual object
// so the admission mutator's ownership walk can find it. Shared by value
// so neither package imports the other.
const simulationLabelKey = "simulation"

// virtualNamespaceName derives the deterministic per-namespace name every
// object from originalNS is replayed into.
func virtualNamespaceName(prefix, originalNS string) string {
	return prefix + "-" + originalNS
}

// buildVirtualNamespace constructs the virtual namespace object, owned by
// root so it (and everything in it) is garbage-collected on teardown.
func buildVirtualNamespace(root *unstructured.Unstructured, simName, name string) *unstructured.Unstructured {
	ns := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]interface{}{"name": name},
	}}
	addCommonMetadata(ns, root, simName)
	labels := ns.GetLabels()
	labels[VirtualLabelKey] = "true"
	ns.SetLabels(labels)
	return ns
}

// buildVirtualObject adapts a canonical object recorded under originalNS
// into its replay form: reparented under virtualNS, owned by root, and with
// every configured pod template annotated with its original namespace and
// stripped of container ports (duplicate host ports across unrelated
// virtual pods would otherwise be rejected by the API server).
func buildVirtualObject(cfg config.TrackerConfig, root *unstructured.Unstructured, simName, originalNS, virtualNS string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	vobj := obj.DeepCopy()
	vobj.SetNamespace(virtualNS)
	addCommonMetadata(vobj, root, simName)
	labels := vobj.GetLabels()
	labels[VirtualLabelKey] = "true"
	vobj.SetLabels(labels)
	unstructured.RemoveNestedField(vobj.Object, "status")

	gvk := obj.GroupVersionKind()
	for _, path := range cfg.PodSpecTemplatePaths(gvk) {
		templates, err := canon.ResolveTemplates(vobj.Object, path)
		if err != nil {
			return nil, fmt.Errorf("replay: resolve pod template path %q on %s: %w", path, vobj.GetName(), err)
		}
		for _, tmpl := range templates {
			annotateOriginalNamespace(tmpl, originalNS)
			stripContainerPorts(tmpl)
		}
	}
	return vobj, nil
}

// addCommonMetadata stamps obj with the simulation identity label and an
// owner reference to root with block-owner-deletion set, so a foreground
// delete of root blocks until obj is gone too.
func addCommonMetadata(obj, root *unstructured.Unstructured, simName string) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[simulationLabelKey] = simName
	obj.SetLabels(labels)

	blockOwnerDeletion := true
	controller := true
	obj.SetOwnerReferences([]metav1.OwnerReference{{
		APIVersion:         root.GetAPIVersion(),
		Kind:               root.GetKind(),
		Name:               root.GetName(),
		UID:                root.GetUID(),
		BlockOwnerDeletion: &blockOwnerDeletion,
		Controller:         &controller,
	}})
}

// annotateOriginalNamespace records originalNS on a pod template so a pod
// built from it can later be attributed back by the admission mutator /
// ownership tracker.
func annotateOriginalNamespace(tmpl map[string]interface{}, originalNS string) {
	meta, ok := tmpl["metadata"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		tmpl["metadata"] = meta
	}
	annotations, ok := meta["annotations"].(map[string]interface{})
	if !ok {
		annotations = map[string]interface{}{}
		meta["annotations"] = annotations
	}
	annotations[OriginalNamespaceAnnotationKey] = originalNS
}

// stripContainerPorts removes every container's declared ports from a pod
// template before it's applied. Kept in sync with the Canonicalizer, which
// strips the same field before hashing, so the applied object's shape
// always matches what was hashed.
func stripContainerPorts(tmpl map[string]interface{}) {
	spec, ok := tmpl["spec"].(map[string]interface{})
	if !ok {
		return
	}
	for _, key := range []string{"containers", "initContainers"} {
		containers, ok := spec[key].([]interface{})
		if !ok {
			continue
		}
		for _, c := range containers {
			if container, ok := c.(map[string]interface{}); ok {
				delete(container, "ports")
			}
		}
	}
}
