package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"

	clustersimerrors "github.com/kubeadapt/clustersim/internal/errors"
	"github.com/kubeadapt/clustersim/internal/k8sutil"
	"github.com/kubeadapt/clustersim/internal/observability"
)

// DynamicObjectWatcher is a Collector watching one tracked GVK across all
// namespaces via the dynamic client, forwarding every add/update/delete
// into the shared mutation queue. Unstructured rather than typed, because
// the tracked kinds are only known at runtime.
type DynamicObjectWatcher struct {
	gvk      schema.GroupVersionKind
	dyn      dynamic.Interface
	resolver *k8sutil.ResourceResolver
	queue    *Queue
	metrics  *observability.Metrics
	clock    clustersimerrors.Clock
	resync   time.Duration

	informer cache.SharedIndexInformer
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDynamicObjectWatcher builds a watcher for one tracked GVK.
func NewDynamicObjectWatcher(
	gvk schema.GroupVersionKind,
	dyn dynamic.Interface,
	resolver *k8sutil.ResourceResolver,
	queue *Queue,
	metrics *observability.Metrics,
	clock clustersimerrors.Clock,
	resync time.Duration,
) *DynamicObjectWatcher {
	return &DynamicObjectWatcher{
		gvk:      gvk,
		dyn:      dyn,
		resolver: resolver,
		queue:    queue,
		metrics:  metrics,
		clock:    clock,
		resync:   resync,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name identifies the watcher by GVK.
func (w *DynamicObjectWatcher) Name() string { return k8sutil.FormatGVK(w.gvk) }

// Start resolves the GVK to a GVR, builds a filtered dynamic informer over
// it, and begins forwarding events into the queue.
func (w *DynamicObjectWatcher) Start(_ context.Context) error {
	gvr, err := w.resolver.GVR(w.gvk)
	if err != nil {
		return fmt.Errorf("watch %s: %w", k8sutil.FormatGVK(w.gvk), err)
	}

	factory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(
		w.dyn, w.resync, metav1.NamespaceAll, nil)
	w.informer = factory.ForResource(gvr).Informer()

	handler := func(action string) func(obj interface{}) {
		return func(obj interface{}) {
			u, ok := toUnstructured(obj)
			if !ok {
				return
			}
			ts := w.clock.Now().Unix()
			if w.metrics != nil {
				w.metrics.WatchEventsTotal.WithLabelValues(w.gvk.Kind, action).Inc()
			}
			w.queue.Enqueue(w.gvk, u, action == "delete", ts)
		}
	}

	if _, err := w.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    handler("add"),
		UpdateFunc: func(_, newObj interface{}) { handler("update")(newObj) },
		DeleteFunc: handler("delete"),
	}); err != nil {
		return fmt.Errorf("watch %s: add event handler: %w", k8sutil.FormatGVK(w.gvk), err)
	}

	go func() {
		w.informer.Run(w.stopCh)
		close(w.done)
	}()
	return nil
}

// WaitForSync blocks until the informer cache has synced.
func (w *DynamicObjectWatcher) WaitForSync(ctx context.Context) error {
	if !cache.WaitForCacheSync(ctx.Done(), w.informer.HasSynced) {
		return fmt.Errorf("watch %s: cache sync failed", k8sutil.FormatGVK(w.gvk))
	}
	return nil
}

// Stop terminates the informer and waits for its goroutine to exit.
func (w *DynamicObjectWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.done
}

func toUnstructured(obj interface{}) (*unstructured.Unstructured, bool) {
	if u, ok := obj.(*unstructured.Unstructured); ok {
		return u, true
	}
	if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		u, ok := tombstone.Obj.(*unstructured.Unstructured)
		return u, ok
	}
	return nil, false
}
