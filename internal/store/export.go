package store

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/canon"
	clustersimerrors "github.com/kubeadapt/clustersim/internal/errors"
	"github.com/kubeadapt/clustersim/internal/k8sutil"
)

// Export builds a Trace covering [startTS, endTS]:
//  1. replay the timeline prefix up to startTS and keep survivors as a
//     synthetic applied-event at ts=startTS;
//  2. include real events in (startTS, endTS], minus anything excluded;
//  3. synthesize delete events at ts=endTS for excluded objects that were
//     still live at startTS, so the exported prefix stays self-consistent;
//  4. reduce the kind index and pod lifecycle table to match.
func (s *Store) Export(startTS, endTS int64, filters ExportFilters) (*Trace, error) {
	if endTS < startTS {
		return nil, &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrExportInvalidRange,
			Message:   fmt.Sprintf("export: end_ts %d < start_ts %d", endTS, startTS),
			Component: "export",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	startSnapshot := make(map[snapshotKey]*unstructured.Unstructured)
	events := []TimelineEvent{{TS: startTS}}
	liveIndex := make(map[snapshotKey]uint64)
	// touched marks keys already accounted for by an event strictly after
	// startTS, so the start-ts snapshot pass below never clobbers a more
	// recent apply/delete in the live index with stale pre-window state.
	touched := make(map[snapshotKey]bool)

	for _, evt := range s.timeline {
		if evt.TS > endTS {
			break
		}

		// Gap markers inside the window travel with the export; a consumer
		// must be able to see where the recording was lossy. Pre-window
		// gaps don't: the start-ts snapshot already reflects whatever state
		// survived them.
		if evt.Gap && evt.TS > startTS {
			events = append(events, TimelineEvent{TS: evt.TS, Gap: true})
		}

		for _, obj := range evt.Applied {
			key := snapshotKeyFor(obj)

			if evt.TS <= startTS {
				startSnapshot[key] = obj
				continue
			}

			touched[key] = true
			if matchesExclusion(obj, filters) {
				continue
			}
			liveIndex[key] = canon.Hash(obj)
			events = append(events, TimelineEvent{TS: evt.TS, Applied: []*unstructured.Unstructured{obj}})
		}

		for _, obj := range evt.Deleted {
			key := snapshotKeyFor(obj)
			if evt.TS <= startTS {
				delete(startSnapshot, key)
				continue
			}
			touched[key] = true
			if matchesExclusion(obj, filters) {
				continue
			}
			delete(liveIndex, key)
			events = append(events, TimelineEvent{TS: evt.TS, Deleted: []*unstructured.Unstructured{obj}})
		}
	}

	excludedButLiveAtStart := make(map[snapshotKey]*unstructured.Unstructured)
	for key, obj := range startSnapshot {
		if matchesExclusion(obj, filters) {
			if !touched[key] {
				excludedButLiveAtStart[key] = obj
			}
			continue
		}
		events[0].Applied = append(events[0].Applied, obj)
		if !touched[key] {
			liveIndex[key] = canon.Hash(obj)
		}
	}

	if len(excludedButLiveAtStart) > 0 {
		tail := TimelineEvent{TS: endTS}
		for _, obj := range excludedButLiveAtStart {
			tail.Deleted = append(tail.Deleted, obj)
		}
		events = append(events, tail)
	}

	kindIndex := s.reduceKindIndexLocked(liveIndex)
	podLifecycles := s.reducePodLifecyclesLocked(kindIndex, startTS, endTS)

	return &Trace{
		SchemaVersion: SchemaVersion,
		TrackerConfig: s.cfg,
		Events:        compactEmptyEvents(events),
		KindIndex:     kindIndex,
		PodLifecycles: podLifecycles,
	}, nil
}

type snapshotKey struct {
	GVK    schema.GroupVersionKind
	NSName string
}

func snapshotKeyFor(obj *unstructured.Unstructured) snapshotKey {
	return snapshotKey{
		GVK:    obj.GroupVersionKind(),
		NSName: k8sutil.NamespacedName(obj.GetNamespace(), obj.GetName()),
	}
}

// reduceKindIndexLocked rebuilds a kind index restricted to exactly the
// objects still live at the exported prefix's end.
func (s *Store) reduceKindIndexLocked(live map[snapshotKey]uint64) KindIndexSnapshot {
	out := make(KindIndexSnapshot)
	for key, hash := range live {
		byName, ok := out[key.GVK]
		if !ok {
			byName = make(map[string]uint64)
			out[key.GVK] = byName
		}
		byName[key.NSName] = hash
	}
	return out
}

// reducePodLifecyclesLocked keeps only owners present in the reduced index,
// and truncates their intervals to [startTS, endTS].
func (s *Store) reducePodLifecyclesLocked(kindIndex KindIndexSnapshot, startTS, endTS int64) PodLifecycleSnapshot {
	out := make(PodLifecycleSnapshot)
	for owner, byHash := range s.owners {
		byName, ok := kindIndex[owner.GVK]
		if !ok {
			continue
		}
		if _, ok := byName[owner.NSName]; !ok {
			continue
		}

		kept := make(map[uint64][]Interval)
		for hash, intervals := range byHash {
			var survivors []Interval
			for _, iv := range intervals {
				if !iv.Overlaps(startTS, endTS) {
					continue
				}
				survivors = append(survivors, truncateInterval(iv, startTS, endTS))
			}
			if len(survivors) > 0 {
				kept[hash] = survivors
			}
		}
		if len(kept) > 0 {
			out[owner] = kept
		}
	}
	return out
}

func truncateInterval(iv *Interval, startTS, endTS int64) Interval {
	out := Interval{StartTS: iv.StartTS}
	if out.StartTS < startTS {
		out.StartTS = startTS
	}
	if iv.EndTS != nil {
		end := *iv.EndTS
		if end > endTS {
			end = endTS
		}
		out.EndTS = &end
	}
	return out
}

func compactEmptyEvents(events []TimelineEvent) []TimelineEvent {
	out := events[:0:0]
	for i, evt := range events {
		if i == 0 || !evt.isEmpty() {
			out = append(out, evt)
		}
	}
	return out
}

// matchesExclusion reports whether obj should be dropped from an export per
// the requested filters. Since canonicalization strips owner references,
// DaemonSet exclusion applies to the tracked object's own kind rather than
// to pod ownership.
func matchesExclusion(obj *unstructured.Unstructured, filters ExportFilters) bool {
	ns := obj.GetNamespace()
	for _, excluded := range filters.ExcludedNamespaces {
		if ns == excluded {
			return true
		}
	}

	if filters.ExcludeDaemonSets && obj.GetKind() == "DaemonSet" {
		return true
	}

	objLabels := labels.Set(obj.GetLabels())
	for _, raw := range filters.ExcludedLabelSelectors {
		sel, err := labels.Parse(raw)
		if err != nil {
			continue
		}
		if sel.Matches(objLabels) {
			return true
		}
	}
	return false
}
