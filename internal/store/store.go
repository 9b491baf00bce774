// Package store implements the object store: the timeline of
// applied/deleted canonical objects, the kind index built on top of it, and
// the pod lifecycle table used to give replayed pods a representative TTL.
package store

import (
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/canon"
	"github.com/kubeadapt/clustersim/internal/config"
	"github.com/kubeadapt/clustersim/internal/k8sutil"
)

// SchemaVersion is the current trace wire-format version. Bumping it
// without also bumping the decoder's accepted-version set is how a
// deliberate breaking change is rolled out; the decoder rejects everything
// else with UnsupportedVersion.
const SchemaVersion = 2

// Store is the recorder's single mutable object graph: the event timeline,
// the kind index built incrementally over it, and the pod lifecycle table.
// Writes serialize through one mutation point; reads for export take a
// consistent snapshot under the same lock (a short exclusive hold, since
// the store is expected to stay small relative to cluster churn).
type Store struct {
	mu sync.Mutex

	canon *canon.Canonicalizer
	cfg   config.TrackerConfig

	timeline  []TimelineEvent
	kindIndex map[schema.GroupVersionKind]*kindBucket

	owners map[OwnerKey]map[uint64][]*Interval
}

// New builds an empty Store over the given tracker config.
func New(cfg config.TrackerConfig) *Store {
	return &Store{
		canon:     canon.New(cfg),
		cfg:       cfg,
		kindIndex: make(map[schema.GroupVersionKind]*kindBucket),
		owners:    make(map[OwnerKey]map[uint64][]*Interval),
	}
}

// ObserveApplied canonicalizes obj, and if its content hash changed (or it's
// new), appends an applied entry to the timeline and updates the kind
// index. A re-apply that doesn't change the canonical shape is a no-op on
// the timeline — an event is only worth emitting when the hash actually
// moves.
func (s *Store) ObserveApplied(gvk schema.GroupVersionKind, obj *unstructured.Unstructured, ts int64) error {
	canonical, err := s.canon.Canonicalize(obj)
	if err != nil {
		return fmt.Errorf("observe applied %s: %w", k8sutil.FormatGVK(gvk), err)
	}
	hash := canon.Hash(canonical)
	nsName := k8sutil.NamespacedName(obj.GetNamespace(), obj.GetName())

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.kindIndexLocked(gvk)
	if oldHash, ok := idx.Get(nsName); ok && oldHash == hash {
		return nil
	}
	idx.Set(nsName, hash)
	s.appendEventLocked(ts, canonical, nil)
	return nil
}

// ObserveDeleted canonicalizes obj, appends a deleted entry to the
// timeline, and removes it from the kind index.
func (s *Store) ObserveDeleted(gvk schema.GroupVersionKind, obj *unstructured.Unstructured, ts int64) error {
	canonical, err := s.canon.Canonicalize(obj)
	if err != nil {
		return fmt.Errorf("observe deleted %s: %w", k8sutil.FormatGVK(gvk), err)
	}
	nsName := k8sutil.NamespacedName(obj.GetNamespace(), obj.GetName())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.kindIndexLocked(gvk).Delete(nsName)
	s.appendEventLocked(ts, nil, canonical)
	return nil
}

func (s *Store) kindIndexLocked(gvk schema.GroupVersionKind) *kindBucket {
	idx, ok := s.kindIndex[gvk]
	if !ok {
		idx = newKindBucket()
		s.kindIndex[gvk] = idx
	}
	return idx
}

// appendEventLocked merges into the timeline's last event if it shares ts
// (a later write for a key already in that event replaces the earlier
// entry), otherwise starts a new one.
func (s *Store) appendEventLocked(ts int64, applied, deleted *unstructured.Unstructured) {
	if n := len(s.timeline); n > 0 && s.timeline[n-1].TS == ts {
		evt := &s.timeline[n-1]
		replace := func(list []*unstructured.Unstructured, obj *unstructured.Unstructured) []*unstructured.Unstructured {
			key := snapshotKeyFor(obj)
			for i, prev := range list {
				if snapshotKeyFor(prev) == key {
					list[i] = obj
					return list
				}
			}
			return append(list, obj)
		}
		if applied != nil {
			evt.Applied = replace(evt.Applied, applied)
		}
		if deleted != nil {
			evt.Deleted = replace(evt.Deleted, deleted)
		}
		return
	}
	evt := TimelineEvent{TS: ts}
	if applied != nil {
		evt.Applied = append(evt.Applied, applied)
	}
	if deleted != nil {
		evt.Deleted = append(evt.Deleted, deleted)
	}
	s.timeline = append(s.timeline, evt)
}

// RecordGap marks ts in the timeline as lossy: the watch fabric dropped at
// least one mutation it could not enqueue. Merged into an existing event at
// the same ts, otherwise appended as a bare marker event.
func (s *Store) RecordGap(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.timeline); n > 0 && s.timeline[n-1].TS == ts {
		s.timeline[n-1].Gap = true
		return
	}
	s.timeline = append(s.timeline, TimelineEvent{TS: ts, Gap: true})
}

// RecordPodStart appends an open lifecycle record for a pod instantiated
// from the owner's template (identified by podTemplateHash).
func (s *Store) RecordPodStart(ownerGVK schema.GroupVersionKind, ownerNSName string, podTemplateHash uint64, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := OwnerKey{GVK: ownerGVK, NSName: ownerNSName}
	buckets, ok := s.owners[key]
	if !ok {
		buckets = make(map[uint64][]*Interval)
		s.owners[key] = buckets
	}
	buckets[podTemplateHash] = append(buckets[podTemplateHash], &Interval{StartTS: ts})
}

// RecordPodEnd closes the most-recently-opened matching lifecycle record
// for (ownerGVK, ownerNSName, podTemplateHash). If none is open — the start
// event arrived out of order, or was dropped — it synthesizes a degenerate
// open-then-close record at ts.
func (s *Store) RecordPodEnd(ownerGVK schema.GroupVersionKind, ownerNSName string, podTemplateHash uint64, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := OwnerKey{GVK: ownerGVK, NSName: ownerNSName}
	buckets, ok := s.owners[key]
	if !ok {
		buckets = make(map[uint64][]*Interval)
		s.owners[key] = buckets
	}
	intervals := buckets[podTemplateHash]
	for i := len(intervals) - 1; i >= 0; i-- {
		if intervals[i].EndTS == nil {
			end := ts
			intervals[i].EndTS = &end
			return
		}
	}
	end := ts
	buckets[podTemplateHash] = append(intervals, &Interval{StartTS: ts, EndTS: &end})
}
