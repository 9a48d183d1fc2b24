package dockergateway

import (
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineRejectsEmptyHost(t *testing.T) {
	_, err := NewEngine(ClientOptions{})
	require.Error(t, err)
}

func TestNewEngineRejectsBadTLSMaterial(t *testing.T) {
	_, err := NewEngine(ClientOptions{
		Host:      "tcp://127.0.0.1:2376",
		TLSVerify: true,
		CertPEM:   "not a cert",
		KeyPEM:    "not a key",
		CAPEM:     "not a ca",
	})
	require.Error(t, err)
}

func TestBuildHostConfigRejectsRelativeContainerPath(t *testing.T) {
	_, err := buildHostConfig(ContainerSpec{
		Mounts: []Mount{{HostPath: "/host/data", ContainerPath: "relative/path"}},
	})
	require.Error(t, err)
}

func TestBuildHostConfigAcceptsAbsoluteContainerPath(t *testing.T) {
	hostCfg, err := buildHostConfig(ContainerSpec{
		Ports:  []PortBinding{{ContainerPort: 1972, HostPort: 1972}},
		Mounts: []Mount{{HostPath: "/host/data", ContainerPath: "/durable"}},
	})
	require.NoError(t, err)
	require.Len(t, hostCfg.Mounts, 1)
	assert.Equal(t, "/durable", hostCfg.Mounts[0].Target)
	assert.Contains(t, hostCfg.PortBindings, nat.Port("1972/tcp"))
}

func TestBuildContainerConfigAppliesLabelsAndEnv(t *testing.T) {
	cfg, err := buildContainerConfig(ContainerSpec{
		Image:  "intersystemsdc/iris-community:latest",
		Env:    map[string]string{"ISC_PASSWORD": "SYS"},
		Labels: map[string]string{LabelEdition: "community"},
	})
	require.NoError(t, err)
	assert.Equal(t, "intersystemsdc/iris-community:latest", cfg.Image)
	assert.Contains(t, cfg.Env, "ISC_PASSWORD=SYS")
	assert.Equal(t, "community", cfg.Labels[LabelEdition])
}
