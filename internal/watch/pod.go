package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"

	"github.com/kubeadapt/clustersim/internal/canon"
	"github.com/kubeadapt/clustersim/internal/config"
	clustersimerrors "github.com/kubeadapt/clustersim/internal/errors"
	"github.com/kubeadapt/clustersim/internal/k8sutil"
	"github.com/kubeadapt/clustersim/internal/observability"
	"github.com/kubeadapt/clustersim/internal/store"
)

var podGVR = schema.GroupVersionResource{Version: "v1", Resource: "pods"}
var podGVK = schema.GroupVersionKind{Version: "v1", Kind: "Pod"}

// lifecycleClass orders the three phases a tracked pod passes through
// (empty < running < finished). Only forward transitions move the
// lifecycle table — a stale informer resync delivering an already-seen
// phase is a no-op.
type lifecycleClass int

const (
	lifecycleEmpty lifecycleClass = iota
	lifecycleRunning
	lifecycleFinished
)

func classify(obj *unstructured.Unstructured) lifecycleClass {
	phase, _, _ := unstructured.NestedString(obj.UnstructuredContent(), "status", "phase")
	switch phase {
	case "Running":
		return lifecycleRunning
	case "Succeeded", "Failed":
		return lifecycleFinished
	default:
		return lifecycleEmpty
	}
}

// trackedPod is the bookkeeping PodWatcher keeps per pod it has successfully
// attributed to a tracked owner.
type trackedPod struct {
	owner           store.OwnerKey
	podTemplateHash uint64
	class           lifecycleClass
}

// PodWatcher is the cluster-wide Collector resolving every pod to its
// tracked owner (if any) and recording its start/end against the store's
// pod lifecycle table.
type PodWatcher struct {
	dyn       dynamic.Interface
	resolver  *k8sutil.OwnerChainResolver
	canon     *canon.Canonicalizer
	cfg       config.TrackerConfig
	store     *store.Store
	metrics   *observability.Metrics
	clock     clustersimerrors.Clock
	resync    time.Duration
	retryLim  int
	retryBase time.Duration

	informer cache.SharedIndexInformer
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	pods map[string]trackedPod
	wg   sync.WaitGroup
}

// NewPodWatcher builds the pod Collector.
func NewPodWatcher(
	dyn dynamic.Interface,
	resolver *k8sutil.OwnerChainResolver,
	canonicalizer *canon.Canonicalizer,
	cfg config.TrackerConfig,
	s *store.Store,
	metrics *observability.Metrics,
	clock clustersimerrors.Clock,
	resync time.Duration,
	retryLimit int,
	retryBase time.Duration,
) *PodWatcher {
	return &PodWatcher{
		dyn:       dyn,
		resolver:  resolver,
		canon:     canonicalizer,
		cfg:       cfg,
		store:     s,
		metrics:   metrics,
		clock:     clock,
		resync:    resync,
		retryLim:  retryLimit,
		retryBase: retryBase,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		pods:      make(map[string]trackedPod),
	}
}

// Name identifies this collector.
func (w *PodWatcher) Name() string { return "pods" }

// Start builds a cluster-wide pod informer and begins forwarding lifecycle
// transitions into the store.
func (w *PodWatcher) Start(ctx context.Context) error {
	factory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(
		w.dyn, w.resync, metav1.NamespaceAll, nil)
	w.informer = factory.ForResource(podGVR).Informer()

	if _, err := w.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.handleUpsert(ctx, obj) },
		UpdateFunc: func(_, newObj interface{}) { w.handleUpsert(ctx, newObj) },
		DeleteFunc: func(obj interface{}) { w.handleDelete(obj) },
	}); err != nil {
		return fmt.Errorf("watch pods: add event handler: %w", err)
	}

	go func() {
		w.informer.Run(w.stopCh)
		close(w.done)
	}()
	return nil
}

// WaitForSync blocks until the pod informer cache has synced.
func (w *PodWatcher) WaitForSync(ctx context.Context) error {
	if !cache.WaitForCacheSync(ctx.Done(), w.informer.HasSynced) {
		return fmt.Errorf("watch pods: cache sync failed")
	}
	return nil
}

// Stop terminates the informer, waiting for in-flight ownership resolutions
// to finish.
func (w *PodWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.done
	w.wg.Wait()
}

func (w *PodWatcher) handleUpsert(ctx context.Context, obj interface{}) {
	pod, ok := toUnstructured(obj)
	if !ok {
		return
	}
	nsName := k8sutil.NamespacedName(pod.GetNamespace(), pod.GetName())
	class := classify(pod)

	w.mu.Lock()
	existing, tracked := w.pods[nsName]
	w.mu.Unlock()

	if tracked {
		w.advance(nsName, existing, class)
		return
	}
	if class == lifecycleEmpty {
		// Not yet worth resolving ownership for; wait for a more definite phase.
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.resolveAndRecord(ctx, pod, nsName, class)
	}()
}

func (w *PodWatcher) handleDelete(obj interface{}) {
	pod, ok := toUnstructured(obj)
	if !ok {
		return
	}
	nsName := k8sutil.NamespacedName(pod.GetNamespace(), pod.GetName())

	w.mu.Lock()
	existing, tracked := w.pods[nsName]
	if tracked {
		delete(w.pods, nsName)
	}
	w.mu.Unlock()

	if !tracked || existing.class == lifecycleFinished {
		return
	}
	w.store.RecordPodEnd(existing.owner.GVK, existing.owner.NSName, existing.podTemplateHash, w.clock.Now().Unix())
}

// advance records a forward lifecycle transition for an already-attributed
// pod. Transitions that don't move the class forward are ignored.
func (w *PodWatcher) advance(nsName string, tp trackedPod, newClass lifecycleClass) {
	if newClass <= tp.class {
		return
	}
	ts := w.clock.Now().Unix()
	if tp.class == lifecycleEmpty && newClass >= lifecycleRunning {
		w.store.RecordPodStart(tp.owner.GVK, tp.owner.NSName, tp.podTemplateHash, ts)
	}
	if newClass == lifecycleFinished {
		w.store.RecordPodEnd(tp.owner.GVK, tp.owner.NSName, tp.podTemplateHash, ts)
	}
	tp.class = newClass
	w.mu.Lock()
	w.pods[nsName] = tp
	w.mu.Unlock()
}

// resolveAndRecord walks the pod's controller ownership chain to find the
// nearest tracked-lifecycle owner, retrying with exponential backoff since
// the owner's informer may not have synced the owning object yet. Gives up
// and drops the pod (with a metric + log) after retryLim attempts.
func (w *PodWatcher) resolveAndRecord(ctx context.Context, pod *unstructured.Unstructured, nsName string, class lifecycleClass) {
	var owner store.OwnerKey
	var templateHash uint64
	var found bool

	for attempt := 0; attempt <= w.retryLim; attempt++ {
		if attempt > 0 {
			if w.metrics != nil {
				w.metrics.OwnershipRetriesTotal.Inc()
			}
			select {
			case <-time.After(w.retryBase * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return
			}
		}

		ancestors, err := w.resolver.Ancestors(ctx, podGVK, pod.GetNamespace(), pod.GetName(), pod.GetOwnerReferences())
		if err != nil {
			continue
		}
		for _, a := range ancestors {
			if !w.cfg.TrackLifecycleFor(a.GVK) || a.Object == nil {
				continue
			}
			hash, ok, hErr := w.canon.PodTemplateHash(a.Object)
			if hErr != nil || !ok {
				continue
			}
			owner = store.OwnerKey{GVK: a.GVK, NSName: a.NSName}
			templateHash = hash
			found = true
			break
		}
		if found {
			break
		}
	}

	if !found {
		if w.metrics != nil {
			w.metrics.OwnershipDroppedTotal.Inc()
		}
		slog.Warn("watch: could not resolve tracked owner for pod", "pod", nsName)
		return
	}

	tp := trackedPod{owner: owner, podTemplateHash: templateHash}
	w.mu.Lock()
	w.pods[nsName] = tp
	w.mu.Unlock()
	w.advance(nsName, tp, class)
}
