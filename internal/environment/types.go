package environment

import (
	"time"

	"github.com/google/uuid"
)

// BaseImage identifies one of the supported base images for an environment.
type BaseImage string

const (
	BaseImageUbuntu2004         BaseImage = "ubuntu:20.04"
	BaseImageUbuntu2204         BaseImage = "ubuntu:22.04"
	BaseImageCentOS8            BaseImage = "centos:8"
	BaseImageAlpine             BaseImage = "alpine:latest"
	BaseImagePython311          BaseImage = "python:3.11"
	BaseImageJupyterDataScience BaseImage = "jupyter/datascience-notebook"
	// BaseImageCustom is the escape hatch; the spec must then carry a
	// non-empty CustomImage reference.
	BaseImageCustom BaseImage = "custom"
)

// knownBaseImages is the closed set accepted by validation.
var knownBaseImages = map[BaseImage]bool{
	BaseImageUbuntu2004:         true,
	BaseImageUbuntu2204:         true,
	BaseImageCentOS8:            true,
	BaseImageAlpine:             true,
	BaseImagePython311:          true,
	BaseImageJupyterDataScience: true,
	BaseImageCustom:             true,
}

// PackageManager identifies the tool used to install a package set.
// This is a closed enumeration; unrecognized kinds are rejected at
// validation time rather than silently skipped.
type PackageManager string

const (
	PackageManagerApt   PackageManager = "apt"
	PackageManagerYum   PackageManager = "yum"
	PackageManagerPip   PackageManager = "pip"
	PackageManagerConda PackageManager = "conda"
	PackageManagerNpm   PackageManager = "npm"
)

var knownPackageManagers = map[PackageManager]bool{
	PackageManagerApt:   true,
	PackageManagerYum:   true,
	PackageManagerPip:   true,
	PackageManagerConda: true,
	PackageManagerNpm:   true,
}

// PackageSpec declares one install directive: a manager and its package list.
// Directives are executed in the order declared.
type PackageSpec struct {
	Manager  PackageManager `yaml:"manager" json:"manager"`
	Packages []string       `yaml:"packages" json:"packages"`
}

// ResourceRequest declares the resources an environment asks for.
type ResourceRequest struct {
	CPU     string `yaml:"cpu" json:"cpu"`
	Memory  string `yaml:"memory" json:"memory"`
	GPU     string `yaml:"gpu,omitempty" json:"gpu,omitempty"`
	Storage string `yaml:"storage" json:"storage"`
}

// ResourceLimit declares the resource ceilings for an environment.
type ResourceLimit struct {
	CPU    string `yaml:"cpu" json:"cpu"`
	Memory string `yaml:"memory" json:"memory"`
	GPU    string `yaml:"gpu,omitempty" json:"gpu,omitempty"`
}

// Spec is the declared desired state of an environment. It is immutable once
// submitted; a scale operation replaces only the Resources sub-object.
type Spec struct {
	Name                 string            `yaml:"name" json:"name"`
	BaseImage            BaseImage         `yaml:"baseImage" json:"baseImage"`
	CustomImage          string            `yaml:"customImage,omitempty" json:"customImage,omitempty"`
	Packages             []PackageSpec     `yaml:"packages,omitempty" json:"packages,omitempty"`
	Resources            ResourceRequest   `yaml:"resources" json:"resources"`
	Limits               ResourceLimit     `yaml:"limits" json:"limits"`
	EnableSSH            bool              `yaml:"enableSSH" json:"enableSSH"`
	EnableJupyter        bool              `yaml:"enableJupyter" json:"enableJupyter"`
	EnableVSCode         bool              `yaml:"enableVSCode" json:"enableVSCode"`
	EnvironmentVariables map[string]string `yaml:"environmentVariables,omitempty" json:"environmentVariables,omitempty"`
	Team                 string            `yaml:"team" json:"team"`
	Project              string            `yaml:"project" json:"project"`
	TTLHours             int               `yaml:"ttlHours" json:"ttlHours"`
}

// Image returns the container image to run: the custom reference when the
// base image is the custom escape hatch, otherwise the base image itself.
func (s Spec) Image() string {
	if s.BaseImage == BaseImageCustom {
		return s.CustomImage
	}
	return string(s.BaseImage)
}

// Identity is the globally unique identifier assigned to an environment at
// creation time. All generated cluster-object names derive from its short form.
type Identity string

// shortIDLength is the fixed prefix length used for generated names; long
// enough to stay collision-resistant, short enough to keep names within
// platform length limits.
const shortIDLength = 8

// NewIdentity returns a fresh environment identity.
func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

// Short returns the deterministic fixed-length short form of the identity.
func (id Identity) Short() string {
	s := string(id)
	if len(s) <= shortIDLength {
		return s
	}
	return s[:shortIDLength]
}

// Namespace returns the cluster namespace owned by this environment.
// Every create/delete is scoped to this name, so retries cannot collide
// with another environment's resources.
func (id Identity) Namespace() string {
	return "dev-env-" + id.Short()
}

// Status is the lifecycle state of an environment record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Record is the runtime state of an environment. It is owned exclusively by
// the reconciler; everything else treats it as read-only.
type Record struct {
	ID        Identity  `json:"id"`
	Spec      Spec      `json:"spec"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Discovered access endpoints, populated once the backing service is
	// externally routable.
	SSHEndpoint string `json:"sshEndpoint,omitempty"`
	JupyterURL  string `json:"jupyterURL,omitempty"`
	VSCodeURL   string `json:"vscodeURL,omitempty"`
}
