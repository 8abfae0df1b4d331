package environment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() Spec {
	return ApplyDefaults(Spec{
		Name:      "analysis-env",
		BaseImage: BaseImageUbuntu2204,
		Team:      "eng",
		Project:   "search",
		EnableSSH: true,
	})
}

func TestApplyDefaults(t *testing.T) {
	spec := ApplyDefaults(Spec{Name: "x"})

	assert.Equal(t, "1", spec.Resources.CPU)
	assert.Equal(t, "2Gi", spec.Resources.Memory)
	assert.Equal(t, "10Gi", spec.Resources.Storage)
	assert.Equal(t, "2", spec.Limits.CPU)
	assert.Equal(t, "4Gi", spec.Limits.Memory)
	assert.Equal(t, 24, spec.TTLHours)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	spec := ApplyDefaults(Spec{Name: "x", TTLHours: 72, Resources: ResourceRequest{Memory: "16Gi"}})
	assert.Equal(t, 72, spec.TTLHours)
	assert.Equal(t, "16Gi", spec.Resources.Memory)
}

func TestValidate_AcceptsWellFormedSpec(t *testing.T) {
	require.NoError(t, Validate(validSpec()))
}

func TestValidate_RequiredFields(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Spec)
	}{
		{"missing name", func(s *Spec) { s.Name = "" }},
		{"missing team", func(s *Spec) { s.Team = "" }},
		{"missing project", func(s *Spec) { s.Project = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			assert.Error(t, Validate(spec))
		})
	}
}

func TestValidate_UnknownBaseImage(t *testing.T) {
	spec := validSpec()
	spec.BaseImage = "debian:12"
	assert.Error(t, Validate(spec))
}

func TestValidate_CustomImageRequiresReference(t *testing.T) {
	spec := validSpec()
	spec.BaseImage = BaseImageCustom
	assert.Error(t, Validate(spec))

	spec.CustomImage = "registry.example.com/img:v2"
	assert.NoError(t, Validate(spec))
}

func TestValidate_UnknownPackageManagerRejected(t *testing.T) {
	spec := validSpec()
	spec.Packages = []PackageSpec{{Manager: "brew", Packages: []string{"jq"}}}

	err := Validate(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown package manager")
}

func TestValidate_EmptyPackageListRejected(t *testing.T) {
	spec := validSpec()
	spec.Packages = []PackageSpec{{Manager: PackageManagerPip}}
	assert.Error(t, Validate(spec))
}

func TestValidate_MalformedQuantities(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Spec)
	}{
		{"memory request", func(s *Spec) { s.Resources.Memory = "2XB" }},
		{"storage request", func(s *Spec) { s.Resources.Storage = "ten gigs" }},
		{"memory limit", func(s *Spec) { s.Limits.Memory = "4G i" }},
		{"gpu request", func(s *Spec) { s.Resources.GPU = "one" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			err := Validate(spec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "malformed quantity")
		})
	}
}
