package store

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/config"
)

// TimelineEvent is one instant of change: everything applied and everything
// deleted at ts. For any (gvk, namespace, name) key the sequence of events
// affecting it is chronologically ordered, and two events never share a ts
// for the same key — later writes at an equal ts replace earlier ones
// within the same event.
//
// Gap marks the instant as lossy: at least one observed mutation around ts
// was dropped before it reached the store (watch-queue saturation), so the
// timeline's view of the cluster may be incomplete from here until the
// next full resync.
type TimelineEvent struct {
	TS      int64                        `cbor:"ts"`
	Applied []*unstructured.Unstructured `cbor:"applied"`
	Deleted []*unstructured.Unstructured `cbor:"deleted"`
	Gap     bool                         `cbor:"gap,omitempty"`
}

func (e *TimelineEvent) isEmpty() bool {
	return len(e.Applied) == 0 && len(e.Deleted) == 0 && !e.Gap
}

// OwnerKey identifies the owning object a pod-lifecycle bucket is attached
// to: the tracked kind's GVK plus its namespaced name.
type OwnerKey struct {
	GVK    schema.GroupVersionKind
	NSName string
}

// Interval is one observed pod lifetime. EndTS is nil while the pod is
// still running.
type Interval struct {
	StartTS int64  `cbor:"start_ts"`
	EndTS   *int64 `cbor:"end_ts"`
}

// Overlaps reports whether the interval has any presence in [startTS, endTS].
// A still-open interval (EndTS == nil) overlaps anything starting at or
// after its StartTS.
func (iv Interval) Overlaps(startTS, endTS int64) bool {
	if iv.StartTS > endTS {
		return false
	}
	if iv.EndTS == nil {
		return true
	}
	return *iv.EndTS >= startTS
}

// KindIndexSnapshot is the exported form of the Kind Index: per-kind maps of
// namespaced-name to content hash.
type KindIndexSnapshot map[schema.GroupVersionKind]map[string]uint64

// PodLifecycleSnapshot is the exported form of the Pod Lifecycle Table:
// per-owner maps of pod-template-hash to the observed interval sequence.
type PodLifecycleSnapshot map[OwnerKey]map[uint64][]Interval

// Trace is the complete exported record: a self-describing snapshot of
// the tracker config that produced it, the windowed timeline, and the
// reduced indices needed to seed a replay.
type Trace struct {
	SchemaVersion int                  `cbor:"schema_version"`
	TrackerConfig config.TrackerConfig `cbor:"tracker_config"`
	Events        []TimelineEvent      `cbor:"events"`
	KindIndex     KindIndexSnapshot    `cbor:"kind_index"`
	PodLifecycles PodLifecycleSnapshot `cbor:"pod_lifecycles"`
}

// ExportFilters narrows what an export includes, mirroring the request body
// accepted by the export HTTP handler.
type ExportFilters struct {
	ExcludedNamespaces     []string
	ExcludedLabelSelectors []string
	ExcludeDaemonSets      bool
}
