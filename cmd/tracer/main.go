// The tracer runs alongside a live cluster, watches the configured resource
// kinds plus every pod, and serves bounded time-windows of what it saw as
// portable binary traces over its export endpoint.
package main

import (
	"context"
	stderrors "errors"
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

	"github.com/kubeadapt/clustersim/internal/canon"
	"github.com/kubeadapt/clustersim/internal/config"
	"github.com/kubeadapt/clustersim/internal/errors"
	"github.com/kubeadapt/clustersim/internal/export"
	"github.com/kubeadapt/clustersim/internal/health"
	"github.com/kubeadapt/clustersim/internal/k8sutil"
	"github.com/kubeadapt/clustersim/internal/observability"
	"github.com/kubeadapt/clustersim/internal/store"
	"github.com/kubeadapt/clustersim/internal/watch"
)

// readinessState flips once every informer cache has synced.
type readinessState struct {
	ready atomic.Bool
}

func (r *readinessState) IsReady() bool { return r.ready.Load() }

func main() {
	// 1. Load and validate config.
	cfg := config.LoadRecorderConfig()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	trackerCfg, err := config.LoadTrackerConfig(cfg.TrackerConfigPath)
	if err != nil {
		slog.Error("invalid tracker config", "path", cfg.TrackerConfigPath, "error", err)
		os.Exit(1)
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("clustersim-tracer starting",
		"tracked_kinds", len(trackerCfg.TrackedObjects),
		"export_port", cfg.ExportPort,
		"health_port", cfg.HealthPort,
	)

	// 3. Shared infrastructure.
	metrics := observability.NewMetrics()
	st := store.New(trackerCfg)

	// 4. Kubernetes clients.
	restCfg := buildKubeConfig()
	kubeClient := kubernetes.NewForConfigOrDie(restCfg)
	dynClient := dynamic.NewForConfigOrDie(restCfg)
	resolver := k8sutil.NewResourceResolver(dynClient, kubeClient.Discovery())
	ownerResolver := k8sutil.NewOwnerChainResolver(resolver)

	// 5. Watch fabric: the store-mutation queue, one watcher per tracked
	// kind, plus the global pod watcher.
	queue := watch.NewQueue(cfg.MaxQueueDepth, st, metrics)
	queue.Run(ctx)

	canonicalizer := canon.New(trackerCfg)
	registry := watch.NewRegistry()
	for _, gvk := range trackerCfg.Kinds() {
		registry.Register(watch.NewDynamicObjectWatcher(
			gvk, dynClient, resolver, queue, metrics, errors.RealClock{}, cfg.InformerResyncPeriod))
	}
	registry.Register(watch.NewPodWatcher(
		dynClient, ownerResolver, canonicalizer, trackerCfg, st, metrics, errors.RealClock{},
		cfg.InformerResyncPeriod, cfg.OwnershipRetryLimit, cfg.OwnershipRetryBase))

	// 6. HTTP surfaces: health/metrics on one port, export on its own.
	readiness := &readinessState{}
	healthSrv := health.NewServer(cfg.HealthPort, metrics, readiness, st, st, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	exportSrv := export.NewServer(cfg.ExportPort, st, metrics)
	if err := exportSrv.Start(); err != nil {
		slog.Error("failed to start export server", "error", err)
		os.Exit(1)
	}

	// 7. Start watching. A partial start keeps recording whatever did come
	// up; a total failure is fatal.
	if err := registry.StartAll(ctx); err != nil {
		var partial *watch.PartialStartError
		if stderrors.As(err, &partial) {
			slog.Warn("some watch collectors failed to start", "failed", partial.Failed)
		} else {
			slog.Error("watch fabric failed to start", "error", err)
			os.Exit(1)
		}
	}

	syncCtx, syncCancel := context.WithTimeout(ctx, cfg.SyncTimeout)
	err = registry.WaitForSync(syncCtx)
	syncCancel()
	if err != nil {
		slog.Error("watch fabric failed to sync", "error", err)
		os.Exit(1)
	}
	readiness.ready.Store(true)
	slog.Info("clustersim-tracer ready")

	// 8. Record until shutdown.
	<-ctx.Done()

	registry.StopAll()
	queue.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := exportSrv.Stop(shutdownCtx); err != nil {
		slog.Error("export server shutdown error", "error", err)
	}
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	slog.Info("clustersim-tracer stopped")
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
