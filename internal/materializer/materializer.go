// Package materializer turns a declared environment spec and its identity
// into the set of cluster objects that run the environment. Materialization
// is a pure function: it performs no cluster calls, and identical input
// yields identical output, with all names derived deterministically from
// the identity's short form.
package materializer

import (
	"fmt"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"devplane/internal/environment"
)

// Port assignments for the access features.
const (
	PortSSH     = 22
	PortJupyter = 8888
	PortVSCode  = 8080
)

const (
	workspaceVolume   = "workspace"
	scratchVolume     = "tmp"
	pvcName           = "workspace-storage"
	networkPolicyName = "dev-env-isolation"

	// devUserID is the fixed non-root identity the main container runs as.
	devUserID = 1000
)

// Objects is the ordered set of cluster objects for one environment.
// Apply order: Namespace first; NetworkPolicy, VolumeClaim and Deployment
// are mutually independent; Service last, since it selects workload pods.
type Objects struct {
	Namespace     *corev1.Namespace
	NetworkPolicy *networkingv1.NetworkPolicy
	VolumeClaim   *corev1.PersistentVolumeClaim
	Deployment    *appsv1.Deployment
	Service       *corev1.Service
}

// Materializer builds cluster objects from environment specs.
type Materializer struct {
	// StorageClass used for workspace volume claims.
	StorageClass string
}

// Materialize produces the full object set for the given spec and identity.
// Malformed resource quantities are rejected here, before any cluster call.
func (m *Materializer) Materialize(spec environment.Spec, id environment.Identity) (Objects, error) {
	requests, limits, err := resourceLists(spec)
	if err != nil {
		return Objects{}, err
	}
	storage, err := resource.ParseQuantity(spec.Resources.Storage)
	if err != nil {
		return Objects{}, fmt.Errorf("resources.storage: malformed quantity %q: %w", spec.Resources.Storage, err)
	}

	initContainers, err := initContainers(spec)
	if err != nil {
		return Objects{}, err
	}

	namespace := id.Namespace()
	objects := Objects{
		Namespace:     m.namespace(spec, id),
		NetworkPolicy: m.networkPolicy(namespace, id),
		VolumeClaim:   m.volumeClaim(namespace, id, storage),
		Deployment:    m.deployment(namespace, spec, id, requests, limits, initContainers),
		Service:       m.service(namespace, spec, id),
	}
	return objects, nil
}

func managedLabels(id environment.Identity) map[string]string {
	return map[string]string{
		environment.ManagedByLabel:     environment.ManagedByValue,
		environment.EnvironmentIDLabel: string(id),
	}
}

func (m *Materializer) namespace(spec environment.Spec, id environment.Identity) *corev1.Namespace {
	labels := managedLabels(id)
	labels[environment.TeamLabel] = spec.Team
	labels[environment.ProjectLabel] = spec.Project
	// Restrictive pod-security tier for the whole namespace.
	labels["pod-security.kubernetes.io/enforce"] = "restricted"
	labels["pod-security.kubernetes.io/audit"] = "restricted"
	labels["pod-security.kubernetes.io/warn"] = "restricted"

	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   id.Namespace(),
			Labels: labels,
			Annotations: map[string]string{
				environment.TTLAnnotation: fmt.Sprintf("%dh", spec.TTLHours),
			},
		},
	}
}

func (m *Materializer) networkPolicy(namespace string, id environment.Identity) *networkingv1.NetworkPolicy {
	protoTCP := corev1.ProtocolTCP
	protoUDP := corev1.ProtocolUDP
	port := func(p int) *intstr.IntOrString {
		v := intstr.FromInt(p)
		return &v
	}

	sameNamespace := networkingv1.NetworkPolicyPeer{
		NamespaceSelector: &metav1.LabelSelector{
			MatchLabels: map[string]string{"kubernetes.io/metadata.name": namespace},
		},
	}
	platformIngress := networkingv1.NetworkPolicyPeer{
		NamespaceSelector: &metav1.LabelSelector{
			MatchLabels: map[string]string{"kubernetes.io/metadata.name": "ingress-nginx"},
		},
	}

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      networkPolicyName,
			Namespace: namespace,
			Labels:    managedLabels(id),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{environment.EnvironmentIDLabel: string(id)},
			},
			// Listing both types with restricted rules makes everything
			// else default-deny.
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{From: []networkingv1.NetworkPolicyPeer{platformIngress}},
				{From: []networkingv1.NetworkPolicyPeer{sameNamespace}},
			},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				// DNS on both transports.
				{Ports: []networkingv1.NetworkPolicyPort{
					{Protocol: &protoUDP, Port: port(53)},
					{Protocol: &protoTCP, Port: port(53)},
				}},
				// Outbound web for package downloads.
				{Ports: []networkingv1.NetworkPolicyPort{
					{Protocol: &protoTCP, Port: port(443)},
					{Protocol: &protoTCP, Port: port(80)},
				}},
				{To: []networkingv1.NetworkPolicyPeer{sameNamespace}},
			},
		},
	}
}

func (m *Materializer) volumeClaim(namespace string, id environment.Identity, storage resource.Quantity) *corev1.PersistentVolumeClaim {
	storageClass := m.StorageClass
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pvcName,
			Namespace: namespace,
			Labels:    managedLabels(id),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: storage},
			},
			StorageClassName: &storageClass,
		},
	}
}

// resourceLists parses the spec's request/limit quantities into typed lists.
func resourceLists(spec environment.Spec) (corev1.ResourceList, corev1.ResourceList, error) {
	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}

	parse := func(field, value string, list corev1.ResourceList, name corev1.ResourceName) error {
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("%s: malformed quantity %q: %w", field, value, err)
		}
		list[name] = q
		return nil
	}

	if err := parse("resources.cpu", spec.Resources.CPU, requests, corev1.ResourceCPU); err != nil {
		return nil, nil, err
	}
	if err := parse("resources.memory", spec.Resources.Memory, requests, corev1.ResourceMemory); err != nil {
		return nil, nil, err
	}
	if err := parse("limits.cpu", spec.Limits.CPU, limits, corev1.ResourceCPU); err != nil {
		return nil, nil, err
	}
	if err := parse("limits.memory", spec.Limits.Memory, limits, corev1.ResourceMemory); err != nil {
		return nil, nil, err
	}

	if spec.Resources.GPU != "" {
		if err := parse("resources.gpu", spec.Resources.GPU, requests, "nvidia.com/gpu"); err != nil {
			return nil, nil, err
		}
		gpuLimit := spec.Limits.GPU
		if gpuLimit == "" {
			gpuLimit = spec.Resources.GPU
		}
		if err := parse("limits.gpu", gpuLimit, limits, "nvidia.com/gpu"); err != nil {
			return nil, nil, err
		}
	}

	return requests, limits, nil
}

// initContainers builds one init step per package-install directive, in the
// order declared. apt and yum need root for package installation; the
// remaining managers run as the workload user.
func initContainers(spec environment.Spec) ([]corev1.Container, error) {
	containers := make([]corev1.Container, 0, len(spec.Packages))

	for i, pkg := range spec.Packages {
		var command string
		runAsRoot := false

		packages := strings.Join(pkg.Packages, " ")
		switch pkg.Manager {
		case environment.PackageManagerApt:
			command = "apt-get update && apt-get install -y " + packages
			runAsRoot = true
		case environment.PackageManagerYum:
			command = "yum install -y " + packages
			runAsRoot = true
		case environment.PackageManagerPip:
			command = "pip install " + packages
		case environment.PackageManagerConda:
			command = "conda install -y " + packages
		case environment.PackageManagerNpm:
			command = "npm install -g " + packages
		default:
			return nil, fmt.Errorf("packages[%d]: unknown package manager %q", i, pkg.Manager)
		}

		container := corev1.Container{
			Name:    fmt.Sprintf("install-%s-%d", pkg.Manager, i),
			Image:   spec.Image(),
			Command: []string{"/bin/bash", "-c"},
			Args:    []string{command},
			VolumeMounts: []corev1.VolumeMount{
				{Name: workspaceVolume, MountPath: "/workspace"},
			},
		}
		if runAsRoot {
			rootUser := int64(0)
			escalation := true
			container.SecurityContext = &corev1.SecurityContext{
				RunAsUser:                &rootUser,
				AllowPrivilegeEscalation: &escalation,
			}
		}
		containers = append(containers, container)
	}

	return containers, nil
}

// envVars returns the container environment in deterministic order:
// user-declared variables sorted by name, then the platform-injected ones.
func envVars(spec environment.Spec, id environment.Identity) []corev1.EnvVar {
	names := make([]string, 0, len(spec.EnvironmentVariables))
	for name := range spec.EnvironmentVariables {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make([]corev1.EnvVar, 0, len(names)+3)
	for _, name := range names {
		vars = append(vars, corev1.EnvVar{Name: name, Value: spec.EnvironmentVariables[name]})
	}
	vars = append(vars,
		corev1.EnvVar{Name: "ENVIRONMENT_ID", Value: string(id)},
		corev1.EnvVar{Name: "TEAM", Value: spec.Team},
		corev1.EnvVar{Name: "PROJECT", Value: spec.Project},
	)
	return vars
}

func (m *Materializer) deployment(namespace string, spec environment.Spec, id environment.Identity,
	requests, limits corev1.ResourceList, initContainers []corev1.Container) *appsv1.Deployment {

	appName := "dev-env-" + id.Short()
	nonRoot := true
	user := int64(devUserID)
	noEscalation := false
	replicas := int32(1)
	grace := int64(30)
	scratchLimit := resource.MustParse("1Gi")

	podLabels := managedLabels(id)
	podLabels["app"] = appName
	podLabels[environment.TeamLabel] = spec.Team
	podLabels[environment.ProjectLabel] = spec.Project

	nodeSelector, tolerations := placement(spec)

	container := corev1.Container{
		Name:  "dev-environment",
		Image: spec.Image(),
		Resources: corev1.ResourceRequirements{
			Requests: requests,
			Limits:   limits,
		},
		Env: envVars(spec, id),
		Ports: []corev1.ContainerPort{
			{Name: "ssh", ContainerPort: PortSSH},
			{Name: "jupyter", ContainerPort: PortJupyter},
			{Name: "vscode", ContainerPort: PortVSCode},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: workspaceVolume, MountPath: "/workspace"},
			{Name: scratchVolume, MountPath: "/tmp"},
		},
		SecurityContext: &corev1.SecurityContext{
			RunAsNonRoot:             &nonRoot,
			RunAsUser:                &user,
			RunAsGroup:               &user,
			AllowPrivilegeEscalation: &noEscalation,
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
		Command: []string{"/bin/bash", "-c"},
		// Keep the container alive; access tooling attaches to it.
		Args: []string{"while true; do sleep 30; done"},
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      appName,
			Namespace: namespace,
			Labels:    managedLabels(id),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": appName},
			},
			// Recreate keeps a single instance during updates; the workspace
			// volume is ReadWriteOnce.
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					InitContainers: initContainers,
					Containers:     []corev1.Container{container},
					Volumes: []corev1.Volume{
						{
							Name: workspaceVolume,
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: pvcName,
								},
							},
						},
						{
							Name: scratchVolume,
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{SizeLimit: &scratchLimit},
							},
						},
					},
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot:   &nonRoot,
						RunAsUser:      &user,
						RunAsGroup:     &user,
						FSGroup:        &user,
						SeccompProfile: &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
					},
					NodeSelector:                  nodeSelector,
					Tolerations:                   tolerations,
					TerminationGracePeriodSeconds: &grace,
				},
			},
		},
	}
}

func (m *Materializer) service(namespace string, spec environment.Spec, id environment.Identity) *corev1.Service {
	appName := "dev-env-" + id.Short()

	var ports []corev1.ServicePort
	if spec.EnableSSH {
		ports = append(ports, corev1.ServicePort{Name: "ssh", Port: PortSSH, TargetPort: intstr.FromInt(PortSSH)})
	}
	if spec.EnableJupyter {
		ports = append(ports, corev1.ServicePort{Name: "jupyter", Port: PortJupyter, TargetPort: intstr.FromInt(PortJupyter)})
	}
	if spec.EnableVSCode {
		ports = append(ports, corev1.ServicePort{Name: "vscode", Port: PortVSCode, TargetPort: intstr.FromInt(PortVSCode)})
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      appName + "-service",
			Namespace: namespace,
			Labels:    managedLabels(id),
			Annotations: map[string]string{
				"service.beta.kubernetes.io/aws-load-balancer-type":   "nlb",
				"service.beta.kubernetes.io/aws-load-balancer-scheme": "internet-facing",
			},
		},
		Spec: corev1.ServiceSpec{
			Type:            corev1.ServiceTypeLoadBalancer,
			Selector:        map[string]string{"app": appName},
			Ports:           ports,
			SessionAffinity: corev1.ServiceAffinityClientIP,
		},
	}
}
