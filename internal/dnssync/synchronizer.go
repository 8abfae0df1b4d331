// Package dnssync keeps external DNS records synchronized with the live
// location of development environments. The synchronizer consumes ordered
// service notifications and converges them into idempotent upsert/delete
// requests against the external provider; the sweeper is the periodic
// backstop for notifications lost during outage windows.
package dnssync

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"

	"devplane/internal/environment"
	"devplane/internal/watcher"
	"devplane/pkg/logging"
)

// ManagedRecord is one entry of external naming state: the hostname the
// platform published for an environment and the target it currently points
// at. Invariant (eventual): a hostname exists in the provider if and only
// if an entry exists in the synchronizer's map.
type ManagedRecord struct {
	EnvironmentID environment.Identity
	Hostname      string
	Target        string
	Kind          RecordKind
	// Service is the backing service reference as namespace/name.
	Service     string
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Synchronizer owns the managed-records map. The map is mutated only
// through its serialized operations; the watch-event path and the sweeper
// interleave at suspension points, so every lookup-then-write sequence here
// runs under the mutex.
type Synchronizer struct {
	mu      sync.Mutex
	records map[environment.Identity]*ManagedRecord

	dns          ChangeClient
	domainSuffix string

	// onUpsert, when set, is notified after a record is written so the
	// environment record can learn its discovered endpoints.
	onUpsert func(id environment.Identity, hostname string)

	now func() time.Time
}

// NewSynchronizer creates a Synchronizer that publishes hostnames under the
// given domain suffix.
func NewSynchronizer(dns ChangeClient, domainSuffix string) *Synchronizer {
	return &Synchronizer{
		records:      make(map[environment.Identity]*ManagedRecord),
		dns:          dns,
		domainSuffix: domainSuffix,
		now:          time.Now,
	}
}

// SetUpsertHook registers a callback invoked after each successful upsert.
// Must be called before Run.
func (s *Synchronizer) SetUpsertHook(hook func(id environment.Identity, hostname string)) {
	s.onUpsert = hook
}

// Run consumes notifications until the channel closes. Events are applied
// strictly in arrival order. Cancellation is cooperative: the event being
// processed finishes its external DNS change before Run returns.
func (s *Synchronizer) Run(ctx context.Context, events <-chan watcher.Event) error {
	for event := range events {
		// The in-flight provider call must not be abandoned on shutdown.
		s.HandleEvent(context.WithoutCancel(ctx), event)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// HandleEvent applies a single service notification.
func (s *Synchronizer) HandleEvent(ctx context.Context, event watcher.Event) {
	switch event.Kind {
	case watcher.EventAdded, watcher.EventModified:
		s.upsert(ctx, event.Service)
	case watcher.EventDeleted:
		s.delete(ctx, event.Service)
	}
}

// upsert publishes (or refreshes) the DNS record for a service that has an
// externally routable address.
func (s *Synchronizer) upsert(ctx context.Context, service *corev1.Service) {
	id, ok := environmentID(service)
	if !ok {
		logging.Warn("DNSSync", "Service %s/%s is missing the %s label, skipping",
			service.Namespace, service.Name, environment.EnvironmentIDLabel)
		return
	}

	target := serviceIngress(service)
	if target == "" {
		// Address assignment is asynchronous; a later modified event will
		// carry it.
		logging.Debug("DNSSync", "Service %s/%s has no external address yet",
			service.Namespace, service.Name)
		return
	}

	hostname := id.Short() + "." + s.domainSuffix
	kind := ClassifyTarget(target)

	if err := s.dns.Upsert(ctx, hostname, kind, target); err != nil {
		logging.Error("DNSSync", err, "Upsert failed for environment %s", id.Short())
		return
	}

	now := s.now()
	s.mu.Lock()
	record, exists := s.records[id]
	if !exists {
		record = &ManagedRecord{
			EnvironmentID: id,
			CreatedAt:     now,
		}
		s.records[id] = record
	}
	record.Hostname = hostname
	record.Target = target
	record.Kind = kind
	record.Service = service.Namespace + "/" + service.Name
	record.LastUpdated = now
	s.mu.Unlock()

	if s.onUpsert != nil {
		s.onUpsert(id, hostname)
	}

	logging.Info("DNSSync", "Record synchronized: %s -> %s (%s)", hostname, target, kind)
}

// delete removes the DNS record for a deleted service using the previously
// recorded target and kind; the service's own data may already be gone.
// The map entry is removed even if the provider delete fails: the resulting
// drift is bounded and resolved by the sweeper's next pass.
func (s *Synchronizer) delete(ctx context.Context, service *corev1.Service) {
	id, ok := environmentID(service)
	if !ok {
		return
	}

	s.mu.Lock()
	record, exists := s.records[id]
	if !exists {
		s.mu.Unlock()
		return // already removed or never completed
	}
	snapshot := *record
	delete(s.records, id)
	s.mu.Unlock()

	if err := s.dns.Delete(ctx, snapshot.Hostname, snapshot.Kind, snapshot.Target); err != nil {
		logging.Error("DNSSync", err, "Provider delete failed for %s; sweeper will retry", snapshot.Hostname)
		return
	}

	logging.Info("DNSSync", "Record deleted: %s", snapshot.Hostname)
}

// Records returns a copy of the managed-records map, keyed by environment
// identity.
func (s *Synchronizer) Records() map[environment.Identity]ManagedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[environment.Identity]ManagedRecord, len(s.records))
	for id, record := range s.records {
		out[id] = *record
	}
	return out
}

// staleCandidates returns copies of all entries created before the cutoff.
func (s *Synchronizer) staleCandidates(cutoff time.Time) []ManagedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ManagedRecord
	for _, record := range s.records {
		if record.CreatedAt.Before(cutoff) {
			out = append(out, *record)
		}
	}
	return out
}

// expire removes a stale entry from the provider and the map. The entry is
// only removed if it has not been refreshed since the candidate snapshot
// was taken, so a concurrent upsert wins over an in-flight sweep.
func (s *Synchronizer) expire(ctx context.Context, candidate ManagedRecord) {
	if err := s.dns.Delete(ctx, candidate.Hostname, candidate.Kind, candidate.Target); err != nil {
		logging.Error("DNSSync", err, "Stale-record delete failed for %s", candidate.Hostname)
		return
	}

	s.mu.Lock()
	if record, exists := s.records[candidate.EnvironmentID]; exists && record.LastUpdated.Equal(candidate.LastUpdated) {
		delete(s.records, candidate.EnvironmentID)
	}
	s.mu.Unlock()

	logging.Info("DNSSync", "Cleaned up stale record %s for environment %s",
		candidate.Hostname, candidate.EnvironmentID.Short())
}

func environmentID(service *corev1.Service) (environment.Identity, bool) {
	value := service.Labels[environment.EnvironmentIDLabel]
	if value == "" {
		return "", false
	}
	return environment.Identity(value), true
}

// serviceIngress extracts the externally routable address from the
// service's load-balancer status, preferring the hostname over the IP.
func serviceIngress(service *corev1.Service) string {
	for _, ingress := range service.Status.LoadBalancer.Ingress {
		if ingress.Hostname != "" {
			return ingress.Hostname
		}
		if ingress.IP != "" {
			return ingress.IP
		}
	}
	return ""
}
