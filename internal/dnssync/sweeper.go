package dnssync

import (
	"context"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"devplane/pkg/logging"
)

// Sweeper periodically verifies that managed DNS records still have a
// backing service and removes the ones that do not. It is the correctness
// backstop for watch-stream gaps (deletions missed during a reconnect
// window) and for provider-side delete failures that left a record behind.
type Sweeper struct {
	sync      *Synchronizer
	clientset kubernetes.Interface

	interval time.Duration
	// graceWindow is the minimum record age before it is eligible for
	// cleanup, so records whose backing resource is still propagating are
	// not deleted prematurely.
	graceWindow time.Duration

	now func() time.Time
}

// NewSweeper creates a Sweeper over the synchronizer's state map.
func NewSweeper(sync *Synchronizer, clientset kubernetes.Interface, interval, graceWindow time.Duration) *Sweeper {
	return &Sweeper{
		sync:        sync,
		clientset:   clientset,
		interval:    interval,
		graceWindow: graceWindow,
		now:         time.Now,
	}
}

// Run sweeps on a fixed period until the context is cancelled. A sweep
// iteration in progress finishes before Run returns; per-record failures
// are logged and never terminate the loop.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sw.Sweep(context.WithoutCancel(ctx))
		}
	}
}

// Sweep runs one cleanup cycle: for every map entry older than the grace
// window, a direct point lookup (not the watch stream, which may have
// missed the deletion) verifies the backing service still exists. Entries
// whose lookup reports not-found are deleted from the provider and removed
// from the map.
func (sw *Sweeper) Sweep(ctx context.Context) {
	logging.Debug("StaleSweeper", "Running stale record cleanup")

	cutoff := sw.now().Add(-sw.graceWindow)
	for _, candidate := range sw.sync.staleCandidates(cutoff) {
		namespace, name, ok := splitServiceRef(candidate.Service)
		if !ok {
			logging.Warn("StaleSweeper", "Malformed service reference %q for environment %s",
				candidate.Service, candidate.EnvironmentID.Short())
			continue
		}

		_, err := sw.clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
		switch {
		case err == nil:
			// Backing service still exists; record is live.
		case apierrors.IsNotFound(err):
			sw.sync.expire(ctx, candidate)
		default:
			logging.Error("StaleSweeper", err, "Lookup failed for service %s, skipping", candidate.Service)
		}
	}
}

func splitServiceRef(ref string) (namespace, name string, ok bool) {
	namespace, name, ok = strings.Cut(ref, "/")
	if !ok || namespace == "" || name == "" {
		return "", "", false
	}
	return namespace, name, true
}
