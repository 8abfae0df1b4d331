package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"devplane/internal/environment"
)

func managedService(namespace, name, envID string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				environment.ManagedByLabel:     environment.ManagedByValue,
				environment.EnvironmentIDLabel: envID,
			},
		},
	}
}

func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestReplayOfExistingServices(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		managedService("dev-env-aaaa1111", "dev-env-aaaa1111-service", "aaaa1111"),
		managedService("dev-env-bbbb2222", "dev-env-bbbb2222-service", "bbbb2222"),
		// Unmanaged service must not be replayed.
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "kubernetes", Namespace: "default"}},
	)

	w := New(clientset, time.Minute, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	first := receiveEvent(t, w.Events())
	second := receiveEvent(t, w.Events())

	assert.Equal(t, EventAdded, first.Kind)
	assert.Equal(t, EventAdded, second.Kind)
	names := map[string]bool{first.Service.Name: true, second.Service.Name: true}
	assert.True(t, names["dev-env-aaaa1111-service"])
	assert.True(t, names["dev-env-bbbb2222-service"])
}

func TestLiveEventsAreTranslatedInOrder(t *testing.T) {
	clientset := fake.NewSimpleClientset()

	fakeWatch := watch.NewFake()
	clientset.PrependWatchReactor("services", k8stesting.DefaultWatchReactor(fakeWatch, nil))

	w := New(clientset, time.Minute, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	service := managedService("dev-env-cccc3333", "dev-env-cccc3333-service", "cccc3333")

	// FakeWatcher sends block until consumed, so delivery order is exact.
	go func() {
		fakeWatch.Add(service)
		fakeWatch.Modify(service)
		fakeWatch.Delete(service)
	}()

	assert.Equal(t, EventAdded, receiveEvent(t, w.Events()).Kind)
	assert.Equal(t, EventModified, receiveEvent(t, w.Events()).Kind)
	assert.Equal(t, EventDeleted, receiveEvent(t, w.Events()).Kind)
}

func TestResubscribeAfterStreamTermination(t *testing.T) {
	service := managedService("dev-env-dddd4444", "dev-env-dddd4444-service", "dddd4444")
	clientset := fake.NewSimpleClientset(service)

	watchers := make(chan *watch.FakeWatcher, 4)
	clientset.PrependWatchReactor("services", func(action k8stesting.Action) (bool, watch.Interface, error) {
		fw := watch.NewFake()
		watchers <- fw
		return true, fw, nil
	})

	w := New(clientset, time.Minute, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Cold start: list replay, then the first subscription opens.
	assert.Equal(t, EventAdded, receiveEvent(t, w.Events()).Kind)
	first := <-watchers

	// Terminate the stream mid-sequence: the loop must re-list and resubscribe.
	first.Stop()

	replay := receiveEvent(t, w.Events())
	assert.Equal(t, EventAdded, replay.Kind)
	assert.Equal(t, "dev-env-dddd4444-service", replay.Service.Name)

	second := <-watchers
	go second.Delete(service)
	assert.Equal(t, EventDeleted, receiveEvent(t, w.Events()).Kind)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	w := New(clientset, time.Minute, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}

	// The event channel is closed on return.
	_, open := <-w.Events()
	assert.False(t, open)
}
