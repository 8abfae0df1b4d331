// Package watcher provides a long-lived subscription to platform-managed
// service change events. It translates cluster watch events into an ordered
// stream of added/modified/deleted notifications and resubscribes
// automatically when the stream terminates.
package watcher

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"devplane/internal/environment"
	"devplane/pkg/logging"
)

// EventKind classifies a service notification.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
)

// Event is one ordered notification about a platform-managed service.
type Event struct {
	Kind    EventKind
	Service *corev1.Service
}

// Watcher subscribes to service changes for all platform-managed services.
//
// Every (re)connect first lists matching services and replays them as
// synthetic "added" events, so state existing before the subscription is
// captured; consumers must tolerate re-delivery since upserts downstream
// are idempotent. All events flow through a single channel from a single
// producing goroutine, which preserves per-key ordering across reconnects.
type Watcher struct {
	clientset kubernetes.Interface

	// watchTimeout bounds a single subscription; the server closes the
	// stream after it and the loop reopens from current cluster state.
	watchTimeout time.Duration

	// reconnectBackoff is the fixed delay before reopening after a
	// timeout or transport error.
	reconnectBackoff time.Duration

	events chan Event
}

// New creates a Watcher over the given clientset.
func New(clientset kubernetes.Interface, watchTimeout, reconnectBackoff time.Duration) *Watcher {
	return &Watcher{
		clientset:        clientset,
		watchTimeout:     watchTimeout,
		reconnectBackoff: reconnectBackoff,
		events:           make(chan Event, 128),
	}
}

// Events returns the ordered notification stream. The channel is closed
// when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run drives the subscription until the context is cancelled. It never
// terminates on a per-stream failure; transient errors trigger a
// resubscription after the configured backoff.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	for {
		resourceVersion, err := w.replayList(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Error("EndpointWatcher", err, "Service listing failed, retrying")
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := w.consumeStream(ctx, resourceVersion); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warn("EndpointWatcher", "Watch stream ended: %v, reconnecting", err)
		}

		if !w.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// replayList lists all platform-managed services and replays them as
// synthetic "added" events. It returns the list's resource version as the
// starting point for the subsequent watch.
func (w *Watcher) replayList(ctx context.Context) (string, error) {
	services, err := w.clientset.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: environment.ManagedSelector,
	})
	if err != nil {
		return "", fmt.Errorf("listing managed services: %w", err)
	}

	for i := range services.Items {
		if !w.emit(ctx, Event{Kind: EventAdded, Service: &services.Items[i]}) {
			return "", ctx.Err()
		}
	}

	logging.Debug("EndpointWatcher", "Replayed %d managed services", len(services.Items))
	return services.ResourceVersion, nil
}

// consumeStream opens one bounded watch subscription and forwards its
// events until the stream terminates.
func (w *Watcher) consumeStream(ctx context.Context, resourceVersion string) error {
	timeoutSeconds := int64(w.watchTimeout / time.Second)
	stream, err := w.clientset.CoreV1().Services(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		LabelSelector:   environment.ManagedSelector,
		ResourceVersion: resourceVersion,
		TimeoutSeconds:  &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("opening watch: %w", err)
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-stream.ResultChan():
			if !ok {
				return fmt.Errorf("stream closed")
			}

			kind, ok := translate(event.Type)
			if !ok {
				if event.Type == watch.Error {
					return fmt.Errorf("watch error event: %v", event.Object)
				}
				continue // bookmarks
			}

			service, ok := event.Object.(*corev1.Service)
			if !ok {
				logging.Warn("EndpointWatcher", "Unexpected object type %T in watch event", event.Object)
				continue
			}

			if !w.emit(ctx, Event{Kind: kind, Service: service}) {
				return ctx.Err()
			}
		}
	}
}

func translate(t watch.EventType) (EventKind, bool) {
	switch t {
	case watch.Added:
		return EventAdded, true
	case watch.Modified:
		return EventModified, true
	case watch.Deleted:
		return EventDeleted, true
	default:
		return "", false
	}
}

// emit delivers an event in order, blocking until the consumer accepts it
// or the context is cancelled. Events are never dropped or reordered.
func (w *Watcher) emit(ctx context.Context, event Event) bool {
	select {
	case w.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) sleep(ctx context.Context) bool {
	select {
	case <-time.After(w.reconnectBackoff):
		return true
	case <-ctx.Done():
		return false
	}
}
