package environment

// Label keys and values applied to every cluster object the platform owns.
// The managed-by pair doubles as the watch filter for the endpoint watch loop.
const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "devplane"

	EnvironmentIDLabel = "devplane.io/environment-id"
	TeamLabel          = "devplane.io/team"
	ProjectLabel       = "devplane.io/project"

	// TTLAnnotation records the declared time-to-live on the namespace.
	TTLAnnotation = "devplane.io/ttl"
)

// ManagedSelector is the label selector matching all platform-managed objects.
const ManagedSelector = ManagedByLabel + "=" + ManagedByValue
