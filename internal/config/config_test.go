package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
)

func validConfig() ContainerConfig {
	return ContainerConfig{
		Edition:       EditionCommunity,
		ContainerName: "iris_db",
		PrimaryPort:   1972,
		WebPort:       52773,
		Namespace:     "USER",
		Password:      "SYS",
		ImageTag:      "latest",
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	c := ContainerConfig{Edition: EditionCommunity}.WithDefaults()

	assert.Equal(t, DefaultContainerName, c.ContainerName)
	assert.Equal(t, DefaultPrimaryPort, c.PrimaryPort)
	assert.Equal(t, DefaultWebPort, c.WebPort)
	assert.Equal(t, DefaultNamespace, c.Namespace)
	assert.Equal(t, DefaultPassword, c.Password)
	assert.Equal(t, DefaultImageTag, c.ImageTag)
}

func TestWithDefaultsFillsVolumeMode(t *testing.T) {
	c := ContainerConfig{
		Volumes: []VolumeMount{{HostPath: "/h", ContainerPath: "/c"}},
	}.WithDefaults()

	require.Len(t, c.Volumes, 1)
	assert.Equal(t, ModeRW, c.Volumes[0].Mode)
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsUnknownEdition(t *testing.T) {
	c := validConfig()
	c.Edition = "trial"

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, diagnostics.IsKind(err, diagnostics.KindInvalidConfig))
}

func TestValidateRejectsEnterpriseWithoutLicense(t *testing.T) {
	c := validConfig()
	c.Edition = EditionEnterprise
	c.LicenseKey = ""

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, diagnostics.IsKind(err, diagnostics.KindInvalidConfig))
}

func TestValidateAcceptsEnterpriseWithLicense(t *testing.T) {
	c := validConfig()
	c.Edition = EditionEnterprise
	c.LicenseKey = "XYZ-LICENSE"

	require.NoError(t, c.Validate())
}

func TestValidateRejectsBadContainerName(t *testing.T) {
	c := validConfig()
	c.ContainerName = "-bad name!"

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, diagnostics.IsKind(err, diagnostics.KindInvalidConfig))
}

func TestValidateRejectsBadNamespace(t *testing.T) {
	c := validConfig()
	c.Namespace = "user"

	err := c.Validate()
	require.Error(t, err)
}

func TestValidateRejectsOutOfRangePorts(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"too low", 80},
		{"too high", 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			c.PrimaryPort = tt.port
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, diagnostics.IsKind(err, diagnostics.KindInvalidConfig))
		})
	}
}

func TestValidateRejectsBadVolumeMode(t *testing.T) {
	c := validConfig()
	c.Volumes = []VolumeMount{{HostPath: "/h", ContainerPath: "/c", Mode: "exec"}}

	err := c.Validate()
	require.Error(t, err)
}

func TestApplyEnvDefaultsDoesNotOverrideExplicitValue(t *testing.T) {
	t.Setenv(EnvEdition, "enterprise")

	c := ApplyEnvDefaults(ContainerConfig{Edition: EditionCommunity})
	assert.Equal(t, EditionCommunity, c.Edition)
}

func TestApplyEnvDefaultsFillsZeroValue(t *testing.T) {
	t.Setenv(EnvEdition, "enterprise")
	t.Setenv(EnvPrimaryPort, "1999")

	c := ApplyEnvDefaults(ContainerConfig{})
	assert.Equal(t, EditionEnterprise, c.Edition)
	assert.Equal(t, 1999, c.PrimaryPort)
}
