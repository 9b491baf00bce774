package watch

import (
	"context"
	"log/slog"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubeadapt/clustersim/internal/k8sutil"
	"github.com/kubeadapt/clustersim/internal/observability"
	"github.com/kubeadapt/clustersim/internal/store"
)

// mutation is one store write waiting to be applied. Informer callbacks
// enqueue these instead of writing to the store directly, so a slow store
// write never blocks the informer's event-delivery goroutine.
type mutation struct {
	gvk     schema.GroupVersionKind
	obj     *unstructured.Unstructured
	deleted bool
	ts      int64
}

// Queue is the bounded, drop-on-saturation mutation pipe feeding the object
// store: a watch fabric that outruns the store drops and logs rather than
// stalling the informer or growing unbounded.
type Queue struct {
	ch      chan mutation
	store   *store.Store
	metrics *observability.Metrics

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewQueue builds a Queue with the given capacity, draining into store.
func NewQueue(capacity int, s *store.Store, m *observability.Metrics) *Queue {
	return &Queue{
		ch:      make(chan mutation, capacity),
		store:   s,
		metrics: m,
		stop:    make(chan struct{}),
	}
}

// Run drains the queue until ctx is canceled or Stop is called.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case m := <-q.ch:
				q.apply(m)
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the drain loop to exit and waits for it.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

// Enqueue submits a mutation, dropping it if the queue is saturated rather
// than blocking the caller (normally an informer callback). A drop leaves a
// gap marker on the timeline, so trace consumers can tell a quiet cluster
// from a recorder that couldn't keep up.
func (q *Queue) Enqueue(gvk schema.GroupVersionKind, obj *unstructured.Unstructured, deleted bool, ts int64) {
	m := mutation{gvk: gvk, obj: obj, deleted: deleted, ts: ts}
	select {
	case q.ch <- m:
		if q.metrics != nil {
			q.metrics.WatchQueueDepth.Set(float64(len(q.ch)))
		}
	default:
		q.store.RecordGap(ts)
		if q.metrics != nil {
			q.metrics.WatchQueueDroppedTotal.Inc()
		}
		slog.Warn("watch queue saturated, dropping mutation",
			"gvk", k8sutil.FormatGVK(gvk), "deleted", deleted)
	}
}

func (q *Queue) apply(m mutation) {
	var err error
	if m.deleted {
		err = q.store.ObserveDeleted(m.gvk, m.obj, m.ts)
	} else {
		err = q.store.ObserveApplied(m.gvk, m.obj, m.ts)
	}
	if err != nil {
		if q.metrics != nil {
			q.metrics.CanonicalizeErrors.WithLabelValues(m.gvk.Kind).Inc()
		}
		slog.Error("watch fabric: failed to apply mutation to store",
			"gvk", k8sutil.FormatGVK(m.gvk), "deleted", m.deleted, "error", err)
	}
	if q.metrics != nil {
		q.metrics.WatchQueueDepth.Set(float64(len(q.ch)))
		q.metrics.StoreTimelineEvents.Set(float64(q.store.TimelineLen()))
		q.metrics.StoreKindIndexSize.WithLabelValues(m.gvk.Kind).Set(float64(q.store.LiveCount(m.gvk)))
	}
}
