package environment

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

// ApplyDefaults fills unset spec fields with platform defaults.
func ApplyDefaults(spec Spec) Spec {
	if spec.Resources.CPU == "" {
		spec.Resources.CPU = "1"
	}
	if spec.Resources.Memory == "" {
		spec.Resources.Memory = "2Gi"
	}
	if spec.Resources.Storage == "" {
		spec.Resources.Storage = "10Gi"
	}
	if spec.Limits.CPU == "" {
		spec.Limits.CPU = "2"
	}
	if spec.Limits.Memory == "" {
		spec.Limits.Memory = "4Gi"
	}
	if spec.TTLHours <= 0 {
		spec.TTLHours = 24
	}
	return spec
}

// Validate rejects malformed specs before any cluster call is made.
// Validation failures are never retried.
func Validate(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("name is required")
	}
	if spec.Team == "" {
		return fmt.Errorf("team is required")
	}
	if spec.Project == "" {
		return fmt.Errorf("project is required")
	}

	if !knownBaseImages[spec.BaseImage] {
		return fmt.Errorf("unknown base image %q", spec.BaseImage)
	}
	if spec.BaseImage == BaseImageCustom && spec.CustomImage == "" {
		return fmt.Errorf("customImage is required when baseImage is %q", BaseImageCustom)
	}

	for i, pkg := range spec.Packages {
		if !knownPackageManagers[pkg.Manager] {
			return fmt.Errorf("packages[%d]: unknown package manager %q", i, pkg.Manager)
		}
		if len(pkg.Packages) == 0 {
			return fmt.Errorf("packages[%d]: package list is empty", i)
		}
	}

	quantities := map[string]string{
		"resources.cpu":     spec.Resources.CPU,
		"resources.memory":  spec.Resources.Memory,
		"resources.storage": spec.Resources.Storage,
		"limits.cpu":        spec.Limits.CPU,
		"limits.memory":     spec.Limits.Memory,
	}
	if spec.Resources.GPU != "" {
		quantities["resources.gpu"] = spec.Resources.GPU
	}
	if spec.Limits.GPU != "" {
		quantities["limits.gpu"] = spec.Limits.GPU
	}
	for field, value := range quantities {
		if _, err := resource.ParseQuantity(value); err != nil {
			return fmt.Errorf("%s: malformed quantity %q: %w", field, value, err)
		}
	}

	return nil
}
