package materializer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"devplane/internal/environment"
)

const testID = environment.Identity("a1b2c3d4-e5f6-7890-abcd-ef1234567890")

func testMaterializer() *Materializer {
	return &Materializer{StorageClass: "gp3"}
}

func testSpec() environment.Spec {
	return environment.ApplyDefaults(environment.Spec{
		Name:      "analysis-env",
		BaseImage: environment.BaseImageUbuntu2204,
		Team:      "eng",
		Project:   "search",
		EnableSSH: true,
		EnvironmentVariables: map[string]string{
			"EDITOR": "vim",
			"LANG":   "C.UTF-8",
		},
	})
}

func TestMaterializeIsDeterministic(t *testing.T) {
	m := testMaterializer()
	spec := testSpec()

	first, err := m.Materialize(spec, testID)
	require.NoError(t, err)
	second, err := m.Materialize(spec, testID)
	require.NoError(t, err)

	// Byte-identical serialized output, not just structural equality.
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))
}

func TestMaterializeNamesDeriveFromIdentity(t *testing.T) {
	objects, err := testMaterializer().Materialize(testSpec(), testID)
	require.NoError(t, err)

	assert.Equal(t, "dev-env-a1b2c3d4", objects.Namespace.Name)
	assert.Equal(t, "dev-env-a1b2c3d4", objects.Deployment.Name)
	assert.Equal(t, "dev-env-a1b2c3d4-service", objects.Service.Name)
	for _, obj := range []interface{ GetNamespace() string }{
		objects.NetworkPolicy, objects.VolumeClaim, objects.Deployment, objects.Service,
	} {
		assert.Equal(t, "dev-env-a1b2c3d4", obj.GetNamespace())
	}
}

func TestMaterializeNamespaceLabels(t *testing.T) {
	objects, err := testMaterializer().Materialize(testSpec(), testID)
	require.NoError(t, err)

	labels := objects.Namespace.Labels
	assert.Equal(t, environment.ManagedByValue, labels[environment.ManagedByLabel])
	assert.Equal(t, string(testID), labels[environment.EnvironmentIDLabel])
	assert.Equal(t, "eng", labels[environment.TeamLabel])
	assert.Equal(t, "restricted", labels["pod-security.kubernetes.io/enforce"])
}

func TestMaterializeRejectsMalformedQuantities(t *testing.T) {
	spec := testSpec()
	spec.Resources.Memory = "2XB"

	_, err := testMaterializer().Materialize(spec, testID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed quantity")

	spec = testSpec()
	spec.Resources.Storage = "lots"
	_, err = testMaterializer().Materialize(spec, testID)
	assert.Error(t, err)
}

func TestServicePortsFollowFeatureFlags(t *testing.T) {
	spec := testSpec()
	spec.EnableSSH = true
	spec.EnableJupyter = true
	spec.EnableVSCode = false

	objects, err := testMaterializer().Materialize(spec, testID)
	require.NoError(t, err)

	var ports []int32
	for _, p := range objects.Service.Spec.Ports {
		ports = append(ports, p.Port)
	}
	assert.Equal(t, []int32{PortSSH, PortJupyter}, ports)
	assert.Equal(t, corev1.ServiceAffinityClientIP, objects.Service.Spec.SessionAffinity)
}

func TestInitContainersFollowDeclaredOrder(t *testing.T) {
	spec := testSpec()
	spec.Packages = []environment.PackageSpec{
		{Manager: environment.PackageManagerApt, Packages: []string{"git", "curl"}},
		{Manager: environment.PackageManagerPip, Packages: []string{"numpy"}},
	}

	objects, err := testMaterializer().Materialize(spec, testID)
	require.NoError(t, err)

	inits := objects.Deployment.Spec.Template.Spec.InitContainers
	require.Len(t, inits, 2)
	assert.Equal(t, "install-apt-0", inits[0].Name)
	assert.Contains(t, inits[0].Args[0], "apt-get install -y git curl")
	assert.Equal(t, "install-pip-1", inits[1].Name)
	assert.Contains(t, inits[1].Args[0], "pip install numpy")

	// Package installation via apt needs root; pip runs as the workload user.
	require.NotNil(t, inits[0].SecurityContext)
	assert.Equal(t, int64(0), *inits[0].SecurityContext.RunAsUser)
	assert.Nil(t, inits[1].SecurityContext)
}

func TestMainContainerSecurity(t *testing.T) {
	objects, err := testMaterializer().Materialize(testSpec(), testID)
	require.NoError(t, err)

	container := objects.Deployment.Spec.Template.Spec.Containers[0]
	sc := container.SecurityContext
	require.NotNil(t, sc)
	assert.True(t, *sc.RunAsNonRoot)
	assert.Equal(t, int64(devUserID), *sc.RunAsUser)
	assert.False(t, *sc.AllowPrivilegeEscalation)
	assert.Equal(t, []corev1.Capability{"ALL"}, sc.Capabilities.Drop)
}

func TestEnvironmentVariablesAreDeterministicAndInjected(t *testing.T) {
	objects, err := testMaterializer().Materialize(testSpec(), testID)
	require.NoError(t, err)

	env := objects.Deployment.Spec.Template.Spec.Containers[0].Env
	var names []string
	for _, v := range env {
		names = append(names, v.Name)
	}
	// User variables sorted by name, then the platform-injected ones.
	assert.Equal(t, []string{"EDITOR", "LANG", "ENVIRONMENT_ID", "TEAM", "PROJECT"}, names)
	assert.Equal(t, string(testID), env[2].Value)
}

func TestPlacement_AcceleratorPool(t *testing.T) {
	spec := testSpec()
	spec.Resources.GPU = "1"

	objects, err := testMaterializer().Materialize(spec, testID)
	require.NoError(t, err)

	podSpec := objects.Deployment.Spec.Template.Spec
	assert.Equal(t, poolGPU, podSpec.NodeSelector[poolLabelKey])
	require.Len(t, podSpec.Tolerations, 1)
	assert.Equal(t, poolGPU, podSpec.Tolerations[0].Value)

	// GPU resources appear in both requests and limits.
	container := podSpec.Containers[0]
	_, ok := container.Resources.Requests["nvidia.com/gpu"]
	assert.True(t, ok)
	_, ok = container.Resources.Limits["nvidia.com/gpu"]
	assert.True(t, ok)
}

func TestPlacement_HighMemoryPool(t *testing.T) {
	spec := testSpec()
	spec.Team = "eng"
	spec.Resources.Storage = "10Gi"
	spec.Limits.Memory = "128Gi"

	objects, err := testMaterializer().Materialize(spec, testID)
	require.NoError(t, err)

	podSpec := objects.Deployment.Spec.Template.Spec
	assert.Equal(t, poolHighMemory, podSpec.NodeSelector[poolLabelKey])
	require.Len(t, podSpec.Tolerations, 1)
	assert.Equal(t, poolHighMemory, podSpec.Tolerations[0].Value)
}

func TestPlacement_DefaultPool(t *testing.T) {
	objects, err := testMaterializer().Materialize(testSpec(), testID)
	require.NoError(t, err)

	podSpec := objects.Deployment.Spec.Template.Spec
	assert.Equal(t, poolDefault, podSpec.NodeSelector[poolLabelKey])
	require.Len(t, podSpec.Tolerations, 1)
	assert.Equal(t, poolDefault, podSpec.Tolerations[0].Value)
}

// Selector and toleration must always reference the same pool, for any
// resource shape.
func TestPlacementPairingNeverDiverges(t *testing.T) {
	shapes := []environment.Spec{
		func() environment.Spec { s := testSpec(); s.Resources.GPU = "2"; return s }(),
		func() environment.Spec { s := testSpec(); s.Limits.Memory = "100Gi"; return s }(),
		func() environment.Spec { s := testSpec(); s.Limits.Memory = "512Gi"; s.Resources.GPU = "1"; return s }(),
		testSpec(),
	}

	for _, spec := range shapes {
		selector, tolerations := placement(spec)
		require.Len(t, tolerations, 1)
		assert.Equal(t, selector[poolLabelKey], tolerations[0].Value)
		assert.Equal(t, poolLabelKey, tolerations[0].Key)
	}
}

func TestVolumeClaimUsesStorageRequest(t *testing.T) {
	spec := testSpec()
	spec.Resources.Storage = "25Gi"

	objects, err := testMaterializer().Materialize(spec, testID)
	require.NoError(t, err)

	storage := objects.VolumeClaim.Spec.Resources.Requests[corev1.ResourceStorage]
	assert.Equal(t, "25Gi", storage.String())
	assert.Equal(t, "gp3", *objects.VolumeClaim.Spec.StorageClassName)
}

func TestNetworkPolicyShape(t *testing.T) {
	objects, err := testMaterializer().Materialize(testSpec(), testID)
	require.NoError(t, err)

	np := objects.NetworkPolicy.Spec
	assert.Len(t, np.PolicyTypes, 2)
	assert.Len(t, np.Ingress, 2)
	require.Len(t, np.Egress, 3)
	// DNS egress covers both transports.
	dns := np.Egress[0]
	require.Len(t, dns.Ports, 2)
	assert.Equal(t, corev1.ProtocolUDP, *dns.Ports[0].Protocol)
	assert.Equal(t, corev1.ProtocolTCP, *dns.Ports[1].Protocol)
	assert.Equal(t, 53, dns.Ports[0].Port.IntValue())
}
