// Package reconciler owns the create/delete lifecycle of development
// environments. It converges a declared spec into cluster objects through
// the materializer and maps cluster-level failures to an environment
// status. All applies are idempotent: re-applying an already-created
// object is a no-op, not an error.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"devplane/internal/environment"
	"devplane/internal/materializer"
	"devplane/pkg/logging"
)

// Reconciler drives environment records through their lifecycle:
// pending -> creating -> running, or creating -> error on any irrecoverable
// step failure, and running/error -> stopping -> removed on deletion.
//
// Records are owned exclusively by the Reconciler; callers receive copies.
type Reconciler struct {
	mu      sync.RWMutex
	records map[environment.Identity]*environment.Record

	clientset    kubernetes.Interface
	materializer *materializer.Materializer

	// wg tracks per-environment convergence tasks so shutdown can wait for
	// in-flight work instead of abandoning it mid-sequence.
	wg sync.WaitGroup

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates a Reconciler backed by the given cluster clientset.
func New(clientset kubernetes.Interface, m *materializer.Materializer) *Reconciler {
	return &Reconciler{
		records:      make(map[environment.Identity]*environment.Record),
		clientset:    clientset,
		materializer: m,
		now:          time.Now,
	}
}

// Create validates the spec, registers a pending record under a fresh
// identity, and starts a tracked convergence task for it. Validation
// failures are rejected before any cluster call and are never retried.
func (r *Reconciler) Create(ctx context.Context, spec environment.Spec) (environment.Record, error) {
	spec = environment.ApplyDefaults(spec)
	if err := environment.Validate(spec); err != nil {
		return environment.Record{}, fmt.Errorf("invalid environment spec: %w", err)
	}

	id := environment.NewIdentity()
	now := r.now()
	record := &environment.Record{
		ID:        id,
		Spec:      spec,
		Status:    environment.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Duration(spec.TTLHours) * time.Hour),
	}

	r.mu.Lock()
	r.records[id] = record
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.converge(ctx, id)
	}()

	logging.Info("Reconciler", "Environment %s accepted (team=%s, project=%s)", id.Short(), spec.Team, spec.Project)
	return *record, nil
}

// converge applies the environment's object set to the cluster in dependency
// order and records the outcome on the environment status. On failure the
// partially-created objects are left in place for inspection; namespace
// deletion is the recovery path.
func (r *Reconciler) converge(ctx context.Context, id environment.Identity) {
	record, ok := r.Get(id)
	if !ok {
		return
	}

	r.setStatus(id, environment.StatusCreating)

	objects, err := r.materializer.Materialize(record.Spec, id)
	if err != nil {
		logging.Error("Reconciler", err, "Environment %s: materialization failed", id.Short())
		r.setStatus(id, environment.StatusError)
		return
	}

	if err := r.apply(ctx, objects); err != nil {
		logging.Error("Reconciler", err, "Environment %s: create failed", id.Short())
		r.setStatus(id, environment.StatusError)
		return
	}

	r.setStatus(id, environment.StatusRunning)
	logging.Info("Reconciler", "Environment %s is running in namespace %s", id.Short(), id.Namespace())
}

// apply creates the object set in strict dependency order: the namespace
// first; then policy, storage and workload in parallel since they are
// mutually independent; then the service last, since it selects workload
// pods by label.
func (r *Reconciler) apply(ctx context.Context, objects materializer.Objects) error {
	namespace := objects.Namespace.Name

	if _, err := r.clientset.CoreV1().Namespaces().Create(ctx, objects.Namespace, metav1.CreateOptions{}); ignoreAlreadyExists(err) != nil {
		return fmt.Errorf("creating namespace: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := r.clientset.NetworkingV1().NetworkPolicies(namespace).Create(gctx, objects.NetworkPolicy, metav1.CreateOptions{})
		if err := ignoreAlreadyExists(err); err != nil {
			return fmt.Errorf("creating network policy: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := r.clientset.CoreV1().PersistentVolumeClaims(namespace).Create(gctx, objects.VolumeClaim, metav1.CreateOptions{})
		if err := ignoreAlreadyExists(err); err != nil {
			return fmt.Errorf("creating volume claim: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := r.clientset.AppsV1().Deployments(namespace).Create(gctx, objects.Deployment, metav1.CreateOptions{})
		if err := ignoreAlreadyExists(err); err != nil {
			return fmt.Errorf("creating deployment: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if _, err := r.clientset.CoreV1().Services(namespace).Create(ctx, objects.Service, metav1.CreateOptions{}); ignoreAlreadyExists(err) != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	return nil
}

// Delete tears down an environment by deleting its namespace; cluster-side
// cascading deletion removes all child objects. "Not found" is success.
func (r *Reconciler) Delete(ctx context.Context, id environment.Identity) error {
	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("environment %s not found", id.Short())
	}
	record.Status = environment.StatusStopping
	record.UpdatedAt = r.now()
	r.mu.Unlock()

	err := r.clientset.CoreV1().Namespaces().Delete(ctx, id.Namespace(), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		logging.Error("Reconciler", err, "Environment %s: namespace deletion failed", id.Short())
		r.setStatus(id, environment.StatusError)
		return fmt.Errorf("deleting namespace %s: %w", id.Namespace(), err)
	}

	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()

	logging.Info("Reconciler", "Environment %s deleted", id.Short())
	return nil
}

// Scale replaces the record's resource-request sub-object and applies the
// new shape to the running deployment. The rest of the spec is immutable.
func (r *Reconciler) Scale(ctx context.Context, id environment.Identity, resources environment.ResourceRequest) error {
	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("environment %s not found", id.Short())
	}
	updated := record.Spec
	updated.Resources = resources
	r.mu.Unlock()

	if err := environment.Validate(environment.ApplyDefaults(updated)); err != nil {
		return fmt.Errorf("invalid scale request: %w", err)
	}

	objects, err := r.materializer.Materialize(environment.ApplyDefaults(updated), id)
	if err != nil {
		return err
	}

	deployments := r.clientset.AppsV1().Deployments(id.Namespace())
	current, err := deployments.Get(ctx, objects.Deployment.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("fetching deployment: %w", err)
	}
	current.Spec.Template.Spec.Containers = objects.Deployment.Spec.Template.Spec.Containers
	current.Spec.Template.Spec.NodeSelector = objects.Deployment.Spec.Template.Spec.NodeSelector
	current.Spec.Template.Spec.Tolerations = objects.Deployment.Spec.Template.Spec.Tolerations
	if _, err := deployments.Update(ctx, current, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}

	r.mu.Lock()
	record.Spec.Resources = resources
	record.UpdatedAt = r.now()
	r.mu.Unlock()

	logging.Info("Reconciler", "Environment %s scaled", id.Short())
	return nil
}

// Get returns a copy of the record for the given identity.
func (r *Reconciler) Get(id environment.Identity) (environment.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[id]
	if !ok {
		return environment.Record{}, false
	}
	return *record, true
}

// List returns copies of all records, optionally filtered by team and status.
// Empty filter values match everything.
func (r *Reconciler) List(team string, status environment.Status) []environment.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]environment.Record, 0, len(r.records))
	for _, record := range r.records {
		if team != "" && record.Spec.Team != team {
			continue
		}
		if status != "" && record.Status != status {
			continue
		}
		result = append(result, *record)
	}
	return result
}

// SetEndpoints records the discovered access endpoints for an environment
// once its backing service is externally routable. Unknown identities are
// ignored; the DNS state map already covers services the reconciler no
// longer tracks.
func (r *Reconciler) SetEndpoints(id environment.Identity, hostname string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return
	}
	if record.Spec.EnableSSH {
		record.SSHEndpoint = fmt.Sprintf("ssh://%s:%d", hostname, materializer.PortSSH)
	}
	if record.Spec.EnableJupyter {
		record.JupyterURL = fmt.Sprintf("http://%s:%d", hostname, materializer.PortJupyter)
	}
	if record.Spec.EnableVSCode {
		record.VSCodeURL = fmt.Sprintf("http://%s:%d", hostname, materializer.PortVSCode)
	}
	record.UpdatedAt = r.now()
}

// Wait blocks until all in-flight convergence tasks have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) setStatus(id environment.Identity, status environment.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.records[id]; ok {
		record.Status = status
		record.UpdatedAt = r.now()
	}
}

// ignoreAlreadyExists treats "already exists" conflicts as success so that
// a retried create converges instead of failing.
func ignoreAlreadyExists(err error) error {
	if err == nil || apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}
