package store

import (
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/k8sutil"
)

// Summary is the compact view of the store served by the health server's
// debug endpoint: enough to answer "is the recorder seeing the cluster"
// without dumping the timeline itself.
type Summary struct {
	TimelineEvents int            `json:"timeline_events"`
	FirstTS        int64          `json:"first_ts"`
	LastTS         int64          `json:"last_ts"`
	LiveObjects    map[string]int `json:"live_objects"`
	TrackedOwners  int            `json:"tracked_owners"`
}

// TimelineLen returns the number of events currently in the timeline.
func (s *Store) TimelineLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timeline)
}

// LiveCount returns the number of live objects of the given kind.
func (s *Store) LiveCount(gvk schema.GroupVersionKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.kindIndex[gvk]; ok {
		return idx.Len()
	}
	return 0
}

// ItemCounts returns the number of live objects per tracked kind.
func (s *Store) ItemCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.kindIndex))
	for gvk, idx := range s.kindIndex {
		out[k8sutil.FormatGVK(gvk)] = idx.Len()
	}
	return out
}

// DebugSummary returns the current Summary.
func (s *Store) DebugSummary() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		TimelineEvents: len(s.timeline),
		LiveObjects:    make(map[string]int, len(s.kindIndex)),
		TrackedOwners:  len(s.owners),
	}
	if len(s.timeline) > 0 {
		sum.FirstTS = s.timeline[0].TS
		sum.LastTS = s.timeline[len(s.timeline)-1].TS
	}
	for gvk, idx := range s.kindIndex {
		sum.LiveObjects[k8sutil.FormatGVK(gvk)] = idx.Len()
	}
	return sum
}
