// Package replay implements the replay engine: it reconstructs a
// trace's object states inside an isolated simulation cluster on a scaled
// clock, anchored to a single simulation-root object whose deletion tears
// everything back down.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	clustersimerrors "github.com/kubeadapt/clustersim/internal/errors"
	"github.com/kubeadapt/clustersim/internal/k8sutil"
	"github.com/kubeadapt/clustersim/internal/observability"
	"github.com/kubeadapt/clustersim/internal/simclock"
	"github.com/kubeadapt/clustersim/internal/store"
)

// fieldManager is the server-side-apply field manager every replayed write
// is attributed to.
const fieldManager = "clustersim-driver"

const (
	maxApplyAttempts = 5
	applyRetryBase   = 500 * time.Millisecond
)

// State is one node of the replay state machine:
// Init → Priming → Playing → Draining → Done | Failed.
type State string

// Replay engine states.
const (
	StateInit     State = "Init"
	StatePriming  State = "Priming"
	StatePlaying  State = "Playing"
	StateDraining State = "Draining"
	StateDone     State = "Done"
	StateFailed   State = "Failed"
)

// ResourceProvider resolves a GVK + namespace to the dynamic resource
// interface writes go through. Satisfied by k8sutil.ResourceResolver;
// narrowed to an interface so engine tests can play against an in-memory
// stub instead of a live API server.
type ResourceProvider interface {
	ResourceInterface(gvk schema.GroupVersionKind, namespace string) (dynamic.ResourceInterface, error)
}

// Config carries the driver-invocation parameters the engine needs.
type Config struct {
	SimName         string
	RootName        string
	VirtualNSPrefix string

	SpeedFactor float64
	Duration    *time.Duration
	Repetitions int

	DrainTimeout time.Duration
}

// Engine plays one decoded trace against the simulation cluster.
type Engine struct {
	cfg      Config
	trace    *store.Trace
	resolver ResourceProvider
	clock    *simclock.Clock
	hooks    simclock.IterationHooks
	metrics  *observability.Metrics

	nsMu            sync.Mutex
	knownNamespaces map[string]struct{}

	stateMu sync.Mutex
	state   State
}

// New builds an Engine over an already-decoded trace.
func New(cfg Config, t *store.Trace, resolver ResourceProvider, clock *simclock.Clock, hooks simclock.IterationHooks, metrics *observability.Metrics) *Engine {
	return &Engine{
		cfg:             cfg,
		trace:           t,
		resolver:        resolver,
		clock:           clock,
		hooks:           hooks,
		metrics:         metrics,
		knownNamespaces: make(map[string]struct{}),
		state:           StateInit,
	}
}

// State returns the engine's current state machine node.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	prev := e.state
	e.state = s
	e.stateMu.Unlock()

	if e.metrics != nil {
		e.metrics.ReplayState.WithLabelValues(string(prev)).Set(0)
		e.metrics.ReplayState.WithLabelValues(string(s)).Set(1)
	}
	slog.Info("replay state transition", "from", string(prev), "to", string(s))
}

// Run drives the full state machine: prime the alive-at-start snapshot,
// play the remaining events on the scaled clock (repeated per Repetitions),
// then drain. Cancelling ctx from any non-terminal state moves the engine
// into Draining rather than aborting outright — teardown always runs, on a
// context detached from the cancellation that triggered it.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(StateInit)

	events := truncateEvents(e.trace.Events, e.cfg.Duration)
	if len(events) == 0 {
		e.setState(StateFailed)
		return &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrTraceCorrupt,
			Message:   "replay: trace has no events",
			Component: "replay",
		}
	}

	root, err := e.getOrCreateRoot(ctx)
	if err != nil {
		e.setState(StateFailed)
		return err
	}

	var runErr error
	for rep := 0; rep < e.cfg.Repetitions; rep++ {
		if runErr = e.hooks.RunPre(ctx, rep); runErr != nil {
			runErr = fmt.Errorf("replay: pre-iteration hook %d: %w", rep, runErr)
			break
		}
		if runErr = e.playOnce(ctx, root, events); runErr != nil {
			break
		}
		if runErr = e.hooks.RunPost(ctx, rep); runErr != nil {
			runErr = fmt.Errorf("replay: post-iteration hook %d: %w", rep, runErr)
			break
		}
	}

	e.setState(StateDraining)
	if drainErr := e.drain(context.WithoutCancel(ctx), root); drainErr != nil {
		slog.Error("replay drain failed, leaving teardown to the garbage collector", "error", drainErr)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		e.setState(StateFailed)
		return runErr
	}
	e.setState(StateDone)
	return nil
}

// playOnce plays the full event sequence one time: the synthetic
// alive-at-start event primes the cluster, every later event waits for its
// scheduled instant on the scaled clock.
func (e *Engine) playOnce(ctx context.Context, root *unstructured.Unstructured, events []store.TimelineEvent) error {
	e.setState(StatePriming)
	e.clock.Start(events[0].TS, e.cfg.SpeedFactor)
	if err := e.playEvent(ctx, root, events[0]); err != nil {
		return err
	}

	e.setState(StatePlaying)
	for _, evt := range events[1:] {
		if err := e.clock.WaitUntil(ctx, e.clock.ScheduledTime(evt.TS)); err != nil {
			return err
		}
		if err := e.playEvent(ctx, root, evt); err != nil {
			return err
		}
	}
	return nil
}

// playEvent applies one timeline event: deletes before applies (avoids
// transient name conflicts when an object is recreated within one event),
// applies in a stable order by kind then namespaced name.
func (e *Engine) playEvent(ctx context.Context, root *unstructured.Unstructured, evt store.TimelineEvent) error {
	for _, obj := range sortedObjects(evt.Deleted) {
		if err := e.deleteObject(ctx, obj); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.ReplayEventsApplied.WithLabelValues("delete").Inc()
		}
	}

	for _, obj := range sortedObjects(evt.Applied) {
		originalNS := obj.GetNamespace()
		virtualNS, err := e.ensureVirtualNamespace(ctx, root, originalNS)
		if err != nil {
			return err
		}
		vobj, err := buildVirtualObject(e.trace.TrackerConfig, root, e.cfg.SimName, originalNS, virtualNS, obj)
		if err != nil {
			return err
		}
		if err := e.applyObject(ctx, vobj); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.ReplayEventsApplied.WithLabelValues("apply").Inc()
		}
	}
	return nil
}

// applyObject server-side-applies vobj, retrying transient API failures
// with bounded exponential backoff. A non-transient failure (validation,
// bad request) is permanent and fails the replay.
func (e *Engine) applyObject(ctx context.Context, vobj *unstructured.Unstructured) error {
	ri, err := e.resolver.ResourceInterface(vobj.GroupVersionKind(), vobj.GetNamespace())
	if err != nil {
		return fmt.Errorf("replay: resolve %s: %w", k8sutil.FormatGVK(vobj.GroupVersionKind()), err)
	}

	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.ReplayApplyRetries.Inc()
			}
			select {
			case <-time.After(applyRetryBase * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, lastErr = ri.Apply(ctx, vobj.GetName(), vobj, metav1.ApplyOptions{FieldManager: fieldManager, Force: true})
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			if e.metrics != nil {
				e.metrics.ReplayApplyFailures.WithLabelValues("permanent").Inc()
			}
			return &clustersimerrors.AgentError{
				Code:      clustersimerrors.ErrApplyFailedPermanent,
				Message:   fmt.Sprintf("replay: apply %s %s: %v", vobj.GetKind(), vobj.GetName(), lastErr),
				Component: "replay",
				Err:       lastErr,
			}
		}
	}

	if e.metrics != nil {
		e.metrics.ReplayApplyFailures.WithLabelValues("transient").Inc()
	}
	return &clustersimerrors.AgentError{
		Code:      clustersimerrors.ErrApplyFailedTransient,
		Message:   fmt.Sprintf("replay: apply %s %s: retries exhausted: %v", vobj.GetKind(), vobj.GetName(), lastErr),
		Component: "replay",
		Err:       lastErr,
	}
}

// deleteObject deletes the virtual counterpart of a recorded object. A
// NotFound answer is success: the object may already be gone, or was never
// applied because its apply event fell outside the exported window.
func (e *Engine) deleteObject(ctx context.Context, obj *unstructured.Unstructured) error {
	virtualNS := virtualNamespaceName(e.cfg.VirtualNSPrefix, obj.GetNamespace())
	ri, err := e.resolver.ResourceInterface(obj.GroupVersionKind(), virtualNS)
	if err != nil {
		return fmt.Errorf("replay: resolve %s: %w", k8sutil.FormatGVK(obj.GroupVersionKind()), err)
	}

	if err := ri.Delete(ctx, obj.GetName(), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		if !isTransient(err) {
			return &clustersimerrors.AgentError{
				Code:      clustersimerrors.ErrApplyFailedPermanent,
				Message:   fmt.Sprintf("replay: delete %s %s: %v", obj.GetKind(), obj.GetName(), err),
				Component: "replay",
				Err:       err,
			}
		}
		return &clustersimerrors.AgentError{
			Code:      clustersimerrors.ErrApplyFailedTransient,
			Message:   fmt.Sprintf("replay: delete %s %s: %v", obj.GetKind(), obj.GetName(), err),
			Component: "replay",
			Err:       err,
		}
	}
	return nil
}

// isTransient classifies an API error as retriable: server pressure and
// optimistic-concurrency conflicts retry, everything else is permanent.
func isTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsConflict(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}

// sortedObjects returns objs ordered by kind then namespaced name, the
// stable within-event apply order.
func sortedObjects(objs []*unstructured.Unstructured) []*unstructured.Unstructured {
	out := make([]*unstructured.Unstructured, len(objs))
	copy(out, objs)
	sort.SliceStable(out, func(i, j int) bool {
		ki := k8sutil.FormatGVK(out[i].GroupVersionKind())
		kj := k8sutil.FormatGVK(out[j].GroupVersionKind())
		if ki != kj {
			return ki < kj
		}
		ni := k8sutil.NamespacedName(out[i].GetNamespace(), out[i].GetName())
		nj := k8sutil.NamespacedName(out[j].GetNamespace(), out[j].GetName())
		return ni < nj
	})
	return out
}

// truncateEvents drops events at or after trace_t0 + duration and appends a
// synthetic empty terminal event at that instant, so a duration-bounded
// replay still plays out its full wall-clock length instead of shutting
// down at the last surviving event.
func truncateEvents(events []store.TimelineEvent, duration *time.Duration) []store.TimelineEvent {
	if duration == nil || len(events) == 0 {
		return events
	}
	endTS := events[0].TS + int64(duration.Seconds())

	out := make([]store.TimelineEvent, 0, len(events)+1)
	for _, evt := range events {
		if evt.TS >= endTS {
			break
		}
		out = append(out, evt)
	}
	return append(out, store.TimelineEvent{TS: endTS})
}
