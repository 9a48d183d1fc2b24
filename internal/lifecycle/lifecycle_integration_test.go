//go:build integration

package lifecycle_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/intersystems-community/iris-devtester/internal/config"
	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
	"github.com/intersystems-community/iris-devtester/internal/healthcheck"
	"github.com/intersystems-community/iris-devtester/internal/lifecycle"
	"github.com/intersystems-community/iris-devtester/internal/portregistry"
)

// TestUpReachesHealthyAgainstRealEngine drives the full Up arc against
// a real Docker daemon and a real IRIS Community image, the same way
// a developer's terminal would. It requires Docker and network access
// to pull intersystemsdc/iris-community, so it lives behind the
// integration tag rather than running with the unit suite.
func TestUpReachesHealthyAgainstRealEngine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	engine, err := dockergateway.NewEngine(dockergateway.ClientOptions{Host: "unix:///var/run/docker.sock"})
	require.NoError(t, err)
	defer engine.Close()

	dir := t.TempDir()
	ports := portregistry.New(dir, engine, portregistry.WithNamePrefix("irisdevtester_it_"))
	checker := healthcheck.New(engine)
	lc := lifecycle.New(engine, ports, checker, "irisdevtester_it_")

	cfg := config.ContainerConfig{
		Edition:       config.EditionCommunity,
		ContainerName: "irisdevtester_it_up",
		Namespace:     config.DefaultNamespace,
		Password:      config.DefaultPassword,
		ImageTag:      "latest",
	}.WithDefaults()
	require.NoError(t, cfg.Validate())

	projectPath := t.TempDir()

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cleanupCancel()
		_, _ = lc.Remove(cleanupCtx, projectPath, cfg.ContainerName, true, true)
	})

	result, err := lc.Up(ctx, cfg, projectPath, nil)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeCreated, result.Outcome)
	assert.Equal(t, healthcheck.StatusHealthy, result.Health.Status)
	assert.NotZero(t, result.Port.Port)

	second, err := lc.Up(ctx, cfg, projectPath, nil)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeAlreadyRunning, second.Outcome)
	assert.Equal(t, result.ContainerID, second.ContainerID)

	stopResult, err := lc.Stop(ctx, cfg.ContainerName, dockergateway.DefaultStopGraceSeconds)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeStopped, stopResult.Outcome)

	started, err := lc.Start(ctx, cfg, projectPath, nil)
	require.NoError(t, err)
	assert.Equal(t, healthcheck.StatusHealthy, started.Health.Status)
	assert.Equal(t, result.Port.Port, started.Port.Port)

	removed, err := lc.Remove(ctx, projectPath, cfg.ContainerName, true, true)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeRemoved, removed.Outcome)

	_, found, err := ports.Get(ctx, projectPath)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestAttachToContainerStartedOutOfBand starts an IRIS container the
// way a docker-compose file would — via testcontainers-go, entirely
// outside this tool's own Up/Start path — and verifies Attach can
// bind to it and report it healthy without ever having created it.
// testcontainers-go's wait.ForListeningPort gives an independent
// readiness signal to compare against HealthChecker's own verdict.
func TestAttachToContainerStartedOutOfBand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "intersystemsdc/iris-community:latest",
		ExposedPorts: []string{"1972/tcp", "52773/tcp"},
		Env:          map[string]string{"ISC_DEFAULT_PASSWORD": config.DefaultPassword},
		WaitingFor:   wait.ForListeningPort("1972/tcp").WithStartupTimeout(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	inspect, err := container.Inspect(ctx)
	require.NoError(t, err)
	name := strings.TrimPrefix(inspect.Name, "/")

	engine, err := dockergateway.NewEngine(dockergateway.ClientOptions{Host: "unix:///var/run/docker.sock"})
	require.NoError(t, err)
	defer engine.Close()

	ports := portregistry.New(t.TempDir(), engine)
	checker := healthcheck.New(engine)
	lc := lifecycle.New(engine, ports, checker, "irisdevtester_it_")

	handle, err := lc.Attach(ctx, name, config.DefaultPrimaryPort)
	require.NoError(t, err)

	_, health, err := handle.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthcheck.StatusHealthy, health.Status)

	_, err = handle.Stop(ctx, dockergateway.DefaultStopGraceSeconds)
	assert.Error(t, err, "an attached handle must refuse to stop a container it does not own")
}
