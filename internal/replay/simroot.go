package replay

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/simclock"
)

// drainPollInterval is how often drain re-checks whether the simulation
// root (and everything foreground-owned by it) has finished deleting.
const drainPollInterval = 2 * time.Second

// simulationRootGVK identifies the cluster-scoped anchor object every
// virtual namespace and object is owned by. The CRD it names is registered
// by the simulation controller, an external collaborator — the replay
// engine only ever get-or-creates one instance of it.
var simulationRootGVK = schema.GroupVersionKind{Group: "clustersim.io", Version: "v1alpha1", Kind: "SimulationRoot"}

// getOrCreateRoot fetches the existing simulation root named rootName, or
// creates it labeled with simName if absent. A pre-existing root left over
// from a prior, interrupted run is reused rather than treated as an error.
func (e *Engine) getOrCreateRoot(ctx context.Context) (*unstructured.Unstructured, error) {
	ri, err := e.resolver.ResourceInterface(simulationRootGVK, "")
	if err != nil {
		return nil, fmt.Errorf("replay: resolve simulation root resource: %w", err)
	}

	existing, err := ri.Get(ctx, e.cfg.RootName, metav1.GetOptions{})
	if err == nil {
		return existing, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("replay: get simulation root %s: %w", e.cfg.RootName, err)
	}

	root := buildSimulationRoot(e.cfg.RootName, e.cfg.SimName)
	created, err := ri.Create(ctx, root, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("replay: create simulation root %s: %w", e.cfg.RootName, err)
	}
	return created, nil
}

// buildSimulationRoot constructs the unstructured SimulationRoot object.
// It carries the simulation identity label on itself so the admission
// mutator's ownership walk can recognize it as the chain's terminus.
func buildSimulationRoot(name, simName string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": simulationRootGVK.GroupVersion().String(),
		"kind":       simulationRootGVK.Kind,
		"metadata": map[string]interface{}{
			"name":   name,
			"labels": map[string]interface{}{simulationLabelKey: simName},
		},
	}}
}

// drain deletes the simulation root with foreground propagation, which
// blocks the delete until every owned virtual namespace and object is also
// gone, and polls for completion up to DrainTimeout.
func (e *Engine) drain(ctx context.Context, root *unstructured.Unstructured) error {
	ri, err := e.resolver.ResourceInterface(simulationRootGVK, "")
	if err != nil {
		return fmt.Errorf("replay: resolve simulation root resource: %w", err)
	}

	ctx, cancel := simclock.DrainDeadline(ctx, e.cfg.DrainTimeout)
	defer cancel()

	propagation := metav1.DeletePropagationForeground
	for {
		err := ri.Delete(ctx, root.GetName(), metav1.DeleteOptions{PropagationPolicy: &propagation})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay: delete simulation root %s: %w", root.GetName(), err)
		}

		if _, getErr := ri.Get(ctx, root.GetName(), metav1.GetOptions{}); apierrors.IsNotFound(getErr) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("replay: drain %s: %w", root.GetName(), ctx.Err())
		case <-time.After(drainPollInterval):
		}
	}
}

// ensureVirtualNamespace get-or-creates the virtual namespace objects from
// originalNS are replayed into, caching the result so repeated events
// touching the same namespace don't re-probe the API server.
func (e *Engine) ensureVirtualNamespace(ctx context.Context, root *unstructured.Unstructured, originalNS string) (string, error) {
	virtualNS := virtualNamespaceName(e.cfg.VirtualNSPrefix, originalNS)

	e.nsMu.Lock()
	_, known := e.knownNamespaces[virtualNS]
	e.nsMu.Unlock()
	if known {
		return virtualNS, nil
	}

	nsGVK := schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}
	ri, err := e.resolver.ResourceInterface(nsGVK, "")
	if err != nil {
		return "", fmt.Errorf("replay: resolve namespace resource: %w", err)
	}

	if _, err := ri.Get(ctx, virtualNS, metav1.GetOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return "", fmt.Errorf("replay: get virtual namespace %s: %w", virtualNS, err)
		}
		ns := buildVirtualNamespace(root, e.cfg.SimName, virtualNS)
		if _, err := ri.Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return "", fmt.Errorf("replay: create virtual namespace %s: %w", virtualNS, err)
		}
	}

	e.nsMu.Lock()
	e.knownNamespaces[virtualNS] = struct{}{}
	e.nsMu.Unlock()
	return virtualNS, nil
}

