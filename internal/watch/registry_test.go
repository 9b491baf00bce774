package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockCollector implements Collector for testing.
type mockCollector struct {
	mu       sync.Mutex
	name     string
	startErr error
	syncErr  error
	started  bool
	synced   bool
	stopped  bool

	startDelay time.Duration
	syncDelay  time.Duration
}

func (m *mockCollector) Name() string { return m.name }

func (m *mockCollector) Start(_ context.Context) error {
	if m.startDelay > 0 {
		time.Sleep(m.startDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockCollector) WaitForSync(ctx context.Context) error {
	if m.syncDelay > 0 {
		select {
		case <-time.After(m.syncDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncErr != nil {
		return m.syncErr
	}
	m.synced = true
	return nil
}

func (m *mockCollector) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockCollector) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *mockCollector) isSynced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced
}

func (m *mockCollector) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func TestRegistry_RegisterMultipleCollectors(t *testing.T) {
	r := NewRegistry()

	c1 := &mockCollector{name: "apps/v1.Deployment"}
	c2 := &mockCollector{name: "pods"}
	c3 := &mockCollector{name: "batch/v1.Job"}

	r.Register(c1)
	r.Register(c2)
	r.Register(c3)

	collectors := r.Collectors()
	if len(collectors) != 3 {
		t.Fatalf("expected 3 collectors, got %d", len(collectors))
	}
	if collectors[0].Name() != "apps/v1.Deployment" {
		t.Errorf("expected first collector name 'apps/v1.Deployment', got %q", collectors[0].Name())
	}
	if collectors[1].Name() != "pods" {
		t.Errorf("expected second collector name 'pods', got %q", collectors[1].Name())
	}
}

func TestRegistry_StartAllParallel(t *testing.T) {
	r := NewRegistry()

	c1 := &mockCollector{name: "a", startDelay: 100 * time.Millisecond}
	c2 := &mockCollector{name: "b", startDelay: 100 * time.Millisecond}
	c3 := &mockCollector{name: "c", startDelay: 100 * time.Millisecond}

	r.Register(c1)
	r.Register(c2)
	r.Register(c3)

	start := time.Now()
	err := r.StartAll(context.Background())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("StartAll took %v, expected parallel execution under 250ms", elapsed)
	}
	if !c1.isStarted() || !c2.isStarted() || !c3.isStarted() {
		t.Error("expected all collectors to be started")
	}
}

func TestRegistry_StartAllOneFailsOthersSucceed(t *testing.T) {
	r := NewRegistry()

	c1 := &mockCollector{name: "a"}
	c2 := &mockCollector{name: "b", startErr: errors.New("informer failed")}
	c3 := &mockCollector{name: "c"}

	r.Register(c1)
	r.Register(c2)
	r.Register(c3)

	err := r.StartAll(context.Background())
	if err == nil {
		t.Fatal("expected PartialStartError when one collector fails, got nil")
	}

	var partial *PartialStartError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialStartError, got %T: %v", err, err)
	}
	if len(partial.Failed) != 1 {
		t.Errorf("expected 1 failed collector, got %d", len(partial.Failed))
	}
	if partial.Total != 3 {
		t.Errorf("expected Total=3, got %d", partial.Total)
	}

	if !c1.isStarted() || !c3.isStarted() {
		t.Error("expected the other collectors to be started")
	}
	if c2.isStarted() {
		t.Error("expected the failing collector NOT to be started")
	}
}

func TestRegistry_StartAllAllFail(t *testing.T) {
	r := NewRegistry()

	c1 := &mockCollector{name: "a", startErr: errors.New("fail1")}
	c2 := &mockCollector{name: "b", startErr: errors.New("fail2")}

	r.Register(c1)
	r.Register(c2)

	err := r.StartAll(context.Background())
	if err == nil {
		t.Fatal("expected error when all collectors fail")
	}
}

func TestRegistry_WaitForSyncAllSync(t *testing.T) {
	r := NewRegistry()

	c1 := &mockCollector{name: "a"}
	c2 := &mockCollector{name: "b"}

	r.Register(c1)
	r.Register(c2)

	if err := r.WaitForSync(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !c1.isSynced() || !c2.isSynced() {
		t.Error("expected both collectors to be synced")
	}
}

func TestRegistry_WaitForSyncContextTimeout(t *testing.T) {
	r := NewRegistry()

	c1 := &mockCollector{name: "a", syncDelay: 5 * time.Second}
	r.Register(c1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := r.WaitForSync(ctx); err == nil {
		t.Fatal("expected error on context timeout")
	}
}

func TestRegistry_StopAll(t *testing.T) {
	r := NewRegistry()

	c1 := &mockCollector{name: "a"}
	c2 := &mockCollector{name: "b"}

	r.Register(c1)
	r.Register(c2)

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	r.StopAll()

	if !c1.isStopped() || !c2.isStopped() {
		t.Error("expected both collectors to be stopped")
	}
}

func TestRegistry_StopAllIdempotent(t *testing.T) {
	r := NewRegistry()

	var stopCount atomic.Int32
	c := &countingCollector{name: "a", stopCount: &stopCount}

	r.Register(c)
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}

	r.StopAll()
	r.StopAll()

	if stopCount.Load() != 1 {
		t.Errorf("expected Stop called once, got %d", stopCount.Load())
	}
}

type countingCollector struct {
	name      string
	stopCount *atomic.Int32
}

func (c *countingCollector) Name() string                       { return c.name }
func (c *countingCollector) Start(_ context.Context) error      { return nil }
func (c *countingCollector) WaitForSync(_ context.Context) error { return nil }
func (c *countingCollector) Stop()                              { c.stopCount.Add(1) }

func TestRegistry_StartAllEmpty(t *testing.T) {
	r := NewRegistry()
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("expected no error for empty registry, got %v", err)
	}
}

func TestRegistry_WaitForSyncEmpty(t *testing.T) {
	r := NewRegistry()
	if err := r.WaitForSync(context.Background()); err != nil {
		t.Fatalf("expected no error for empty registry, got %v", err)
	}
}

func TestRegistry_StopAllEmpty(t *testing.T) {
	r := NewRegistry()
	r.StopAll()
}
