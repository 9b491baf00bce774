// Package watch implements the watch fabric: one dynamic informer
// per tracked kind plus a cluster-wide pod informer, all funneling into the
// object store through a single bounded mutation queue.
package watch

import "context"

// Collector is a single watched source — one tracked kind's dynamic
// informer, or the pod informer.
type Collector interface {
	// Name identifies the collector in logs and PartialStartError.
	Name() string
	// Start sets up the informer and begins watching for events.
	Start(ctx context.Context) error
	// WaitForSync blocks until the informer cache has synced.
	WaitForSync(ctx context.Context) error
	// Stop stops the collector and releases its goroutines.
	Stop()
}
