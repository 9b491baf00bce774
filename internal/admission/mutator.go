// Package admission implements the admission mutator: an HTTP endpoint
// that inspects pod create requests and returns a JSON patch that binds
// simulation-owned pods to the virtual scheduling surface.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/canon"
	"github.com/kubeadapt/clustersim/internal/config"
	"github.com/kubeadapt/clustersim/internal/k8sutil"
	"github.com/kubeadapt/clustersim/internal/store"
)

// Literal wire values mutated pods carry. These are part of the webhook's
// contract with the virtual-node provider, so they carry no project
// prefix.
const (
	SimulationLabelKey    = "simulation"
	NodeSelectorKey       = "node-role"
	NodeSelectorValue     = "virtual"
	TolerationKey         = "virtual-node-taint"
	TolerationOperator    = "Exists"
	TolerationEffect      = "NoSchedule"
	LifetimeAnnotationKey = "lifetime-seconds"
)

// Tracker is the subset of internal/ownership.Tracker the mutator needs: it
// resolves live-cluster ownership chains and answers the TTL/presence
// questions the patch depends on.
type Tracker interface {
	ResolveOwnerChain(ctx context.Context, pod *unstructured.Unstructured) ([]k8sutil.Ancestor, error)
	HasObject(gvk schema.GroupVersionKind, nsName string) bool
	RepresentativeTTL(owner store.OwnerKey, templateHash uint64) (time.Duration, bool)
}

// patchOp is one JSON Patch (RFC 6902) operation.
type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// Mutator builds the patch for pods owned by one simulation. It re-derives
// the same (owner, pod-template-hash) key the recorder used, so the
// Ownership Tracker's lifecycle lookup lands on the bucket that pod
// actually belongs to.
type Mutator struct {
	simName string
	tracker Tracker
	canon   *canon.Canonicalizer
	cfg     config.TrackerConfig
}

// New builds a Mutator for the simulation identified by simName.
func New(simName string, tracker Tracker, canonicalizer *canon.Canonicalizer, cfg config.TrackerConfig) *Mutator {
	return &Mutator{simName: simName, tracker: tracker, canon: canonicalizer, cfg: cfg}
}

// Mutate inspects pod's ownership chain and returns the JSON patch to
// apply, or a nil patch when the pod isn't owned by this simulation. The
// returned bytes are a validated JSON Patch document, ready to drop
// straight into an AdmissionResponse.
func (m *Mutator) Mutate(ctx context.Context, pod *unstructured.Unstructured) ([]byte, error) {
	ancestors, err := m.tracker.ResolveOwnerChain(ctx, pod)
	if err != nil {
		return nil, fmt.Errorf("admission: resolve owner chain: %w", err)
	}
	if !m.ownedBySimulation(ancestors) {
		return nil, nil
	}

	var ops []patchOp
	ops = appendLabelOp(ops, pod, m.simName)
	ops = appendNodeSelectorOp(ops, pod)
	ops = appendTolerationOp(ops, pod)
	if ttlOps, ok := m.lifetimeAnnotationOps(pod, ancestors); ok {
		ops = append(ops, ttlOps...)
	}

	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("admission: marshal patch: %w", err)
	}
	// Defensive structural check: a patch that doesn't even decode is a bug
	// in the building logic above, not a transient condition.
	if _, err := jsonpatch.DecodePatch(raw); err != nil {
		return nil, fmt.Errorf("admission: built an invalid json patch: %w", err)
	}
	return raw, nil
}

// ownedBySimulation reports whether any ancestor in the chain carries the
// current simulation's identity label. Scans the whole chain rather than
// just the final element, since a truncated resolution (cycle guard, depth
// limit) may never reach the literal root object.
func (m *Mutator) ownedBySimulation(ancestors []k8sutil.Ancestor) bool {
	for _, a := range ancestors {
		if a.Object == nil {
			continue
		}
		if a.Object.GetLabels()[SimulationLabelKey] == m.simName {
			return true
		}
	}
	return false
}

// appendLabelOp adds the simulation-identity label. "add" on an
// existing map key overwrites in place, so reapplying to an
// already-mutated pod is idempotent without any existence check.
func appendLabelOp(ops []patchOp, pod *unstructured.Unstructured, simName string) []patchOp {
	if len(pod.GetLabels()) == 0 {
		ops = append(ops, patchOp{Op: "add", Path: "/metadata/labels", Value: map[string]string{}})
	}
	return append(ops, patchOp{Op: "add", Path: "/metadata/labels/" + escapePointer(SimulationLabelKey), Value: simName})
}

// appendNodeSelectorOp adds {node-role: virtual}. Skipped entirely
// when already present with the expected value, keeping repeated
// admissions byte-identical.
func appendNodeSelectorOp(ops []patchOp, pod *unstructured.Unstructured) []patchOp {
	nodeSelector, found, _ := unstructured.NestedStringMap(pod.Object, "spec", "nodeSelector")
	if found && nodeSelector[NodeSelectorKey] == NodeSelectorValue {
		return ops
	}
	if !found || nodeSelector == nil {
		return append(ops, patchOp{Op: "add", Path: "/spec/nodeSelector", Value: map[string]string{NodeSelectorKey: NodeSelectorValue}})
	}
	return append(ops, patchOp{Op: "add", Path: "/spec/nodeSelector/" + escapePointer(NodeSelectorKey), Value: NodeSelectorValue})
}

// appendTolerationOp adds the virtual-node toleration. Tolerations
// are a list, so "add" would append a duplicate on every re-mutation unless
// we check first — this is the one patch element that genuinely needs it.
func appendTolerationOp(ops []patchOp, pod *unstructured.Unstructured) []patchOp {
	tolerations, found, _ := unstructured.NestedSlice(pod.Object, "spec", "tolerations")
	for _, t := range tolerations {
		tol, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		if tol["key"] == TolerationKey && tol["operator"] == TolerationOperator && tol["effect"] == TolerationEffect {
			return ops
		}
	}

	value := map[string]interface{}{"key": TolerationKey, "operator": TolerationOperator, "effect": TolerationEffect}
	if !found || tolerations == nil {
		return append(ops, patchOp{Op: "add", Path: "/spec/tolerations", Value: []interface{}{value}})
	}
	return append(ops, patchOp{Op: "add", Path: "/spec/tolerations/-", Value: value})
}

// lifetimeAnnotationOps resolves the representative TTL for the first
// tracked-lifecycle ancestor present in the replayed trace — stop at the
// first owner that actually has lifecycle data, rather than merging across
// all ancestors.
func (m *Mutator) lifetimeAnnotationOps(pod *unstructured.Unstructured, ancestors []k8sutil.Ancestor) ([]patchOp, bool) {
	for _, a := range ancestors {
		if a.Object == nil || !m.cfg.TrackLifecycleFor(a.GVK) {
			continue
		}
		if !m.tracker.HasObject(a.GVK, a.NSName) {
			continue
		}
		hash, ok, err := m.canon.PodTemplateHash(a.Object)
		if err != nil || !ok {
			continue
		}
		ttl, ok := m.tracker.RepresentativeTTL(store.OwnerKey{GVK: a.GVK, NSName: a.NSName}, hash)
		if !ok {
			continue
		}

		var ops []patchOp
		if len(pod.GetAnnotations()) == 0 {
			ops = append(ops, patchOp{Op: "add", Path: "/metadata/annotations", Value: map[string]string{}})
		}
		ops = append(ops, patchOp{
			Op:    "add",
			Path:  "/metadata/annotations/" + escapePointer(LifetimeAnnotationKey),
			Value: strconv.FormatInt(int64(ttl.Seconds()), 10),
		})
		return ops, true
	}
	return nil, false
}

// escapePointer escapes a JSON Pointer (RFC 6901) reference token.
func escapePointer(token string) string {
	out := make([]byte, 0, len(token))
	for i := 0; i < len(token); i++ {
		switch token[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, token[i])
		}
	}
	return string(out)
}
