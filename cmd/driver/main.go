// The driver runs one simulation: it fetches a recorded trace, replays it
// into the simulation cluster on a scaled clock, and serves the admission
// webhook that pins simulated pods onto virtual nodes.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubeadapt/clustersim/internal/admission"
	"github.com/kubeadapt/clustersim/internal/canon"
	"github.com/kubeadapt/clustersim/internal/config"
	"github.com/kubeadapt/clustersim/internal/health"
	"github.com/kubeadapt/clustersim/internal/k8sutil"
	"github.com/kubeadapt/clustersim/internal/objstore"
	"github.com/kubeadapt/clustersim/internal/observability"
	"github.com/kubeadapt/clustersim/internal/ownership"
	"github.com/kubeadapt/clustersim/internal/replay"
	"github.com/kubeadapt/clustersim/internal/simclock"
	"github.com/kubeadapt/clustersim/internal/store"
	"github.com/kubeadapt/clustersim/internal/trace"
)

// readinessState flips once the trace is loaded and the admission webhook
// is serving.
type readinessState struct {
	ready atomic.Bool
}

func (r *readinessState) IsReady() bool { return r.ready.Load() }

// engineStatus adapts the replay engine and its trace to the health
// server's debug interfaces.
type engineStatus struct {
	engine *replay.Engine
	trace  *store.Trace
}

func (s *engineStatus) DebugSummary() interface{} {
	return map[string]interface{}{
		"state":  string(s.engine.State()),
		"events": len(s.trace.Events),
	}
}

func (s *engineStatus) ItemCounts() map[string]int {
	counts := map[string]int{"events": len(s.trace.Events)}
	for gvk, byName := range s.trace.KindIndex {
		counts[k8sutil.FormatGVK(gvk)] = len(byName)
	}
	return counts
}

func main() {
	// 1. Load and validate config.
	cfg, err := config.LoadDriverConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Create context with signal handling; SIGTERM cancels, which moves
	// the replay engine into Draining.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received, draining", "signal", sig)
		cancel()
	}()

	slog.Info("clustersim-driver starting",
		"simulation", cfg.SimulationName,
		"trace_uri", cfg.TraceURI,
		"speed_factor", cfg.SpeedFactor,
		"repetitions", cfg.Repetitions,
	)

	// 3. Fetch and decode the trace. Both failures are fatal.
	traceBytes, err := objstore.Get(ctx, cfg.TraceURI)
	if err != nil {
		slog.Error("failed to fetch trace", "uri", cfg.TraceURI, "error", err)
		os.Exit(1)
	}
	tr, err := trace.Decode(traceBytes)
	if err != nil {
		slog.Error("failed to decode trace", "error", err)
		os.Exit(1)
	}
	slog.Info("trace loaded", "events", len(tr.Events), "bytes", len(traceBytes))

	// 4. Kubernetes clients and shared infrastructure.
	metrics := observability.NewMetrics()
	restCfg := buildKubeConfig()
	kubeClient := kubernetes.NewForConfigOrDie(restCfg)
	dynClient := dynamic.NewForConfigOrDie(restCfg)
	resolver := k8sutil.NewResourceResolver(dynClient, kubeClient.Discovery())
	ownerResolver := k8sutil.NewOwnerChainResolver(resolver)

	// 5. Replay engine.
	engine := replay.New(replay.Config{
		SimName:         cfg.SimulationName,
		RootName:        cfg.SimulationRootName,
		VirtualNSPrefix: cfg.VirtualNSPrefix,
		SpeedFactor:     cfg.SpeedFactor,
		Duration:        cfg.Duration,
		Repetitions:     cfg.Repetitions,
		DrainTimeout:    cfg.DrainTimeout,
	}, tr, resolver, simclock.New(nil), simclock.IterationHooks{}, metrics)

	// 6. Admission webhook, fed by the trace's lifecycle table.
	tracker := ownership.New(tr.KindIndex, tr.PodLifecycles, ownerResolver)
	canonicalizer := canon.New(tr.TrackerConfig)
	mutator := admission.New(cfg.SimulationName, tracker, canonicalizer, tr.TrackerConfig)
	admissionSrv, err := admission.NewServer(cfg.AdmissionPort, cfg.TLSCertPath, cfg.TLSKeyPath, mutator, metrics)
	if err != nil {
		slog.Error("failed to build admission server", "error", err)
		os.Exit(1)
	}
	if err := admissionSrv.Start(); err != nil {
		slog.Error("failed to start admission server", "error", err)
		os.Exit(1)
	}

	// 7. Health/metrics endpoint.
	readiness := &readinessState{}
	status := &engineStatus{engine: engine, trace: tr}
	healthSrv := health.NewServer(cfg.HealthPort, metrics, readiness, status, status, false)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}
	readiness.ready.Store(true)

	// 8. Run the replay (blocks until Done or Failed).
	runErr := engine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := admissionSrv.Stop(shutdownCtx); err != nil {
		slog.Error("admission server shutdown error", "error", err)
	}
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	if runErr != nil {
		slog.Error("replay failed", "error", runErr)
		os.Exit(1)
	}
	slog.Info("clustersim-driver finished", "state", string(engine.State()))
}

// buildKubeConfig creates a Kubernetes REST config.
// It tries in-cluster config first, then falls back to kubeconfig file
// (from $KUBECONFIG or the default ~/.kube/config).
func buildKubeConfig() *rest.Config {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		slog.Info("using in-cluster kubernetes config")
		return cfg
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}

	cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		slog.Error("failed to build kubernetes config", "error", err)
		os.Exit(1)
	}
	slog.Info("using kubeconfig file", "path", kubeconfig)
	return cfg
}
