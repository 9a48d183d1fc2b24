package healthcheck

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
)

type fakeGateway struct {
	state    dockergateway.ContainerState
	inspectErr error
	execResult dockergateway.ExecResult
	execErr  error
}

func (f *fakeGateway) InspectContainer(context.Context, string) (dockergateway.ContainerState, error) {
	return f.state, f.inspectErr
}
func (f *fakeGateway) ExecInContainer(context.Context, string, []string, string) (dockergateway.ExecResult, error) {
	return f.execResult, f.execErr
}
func (f *fakeGateway) PullImage(context.Context, string) error { return nil }
func (f *fakeGateway) CreateContainer(context.Context, dockergateway.ContainerSpec) (string, error) {
	return "", nil
}
func (f *fakeGateway) StartContainer(context.Context, string) error                     { return nil }
func (f *fakeGateway) StopContainer(context.Context, string, int) error                  { return nil }
func (f *fakeGateway) RemoveContainer(context.Context, string, bool, bool) error         { return nil }
func (f *fakeGateway) ListContainers(context.Context, string) ([]dockergateway.ContainerState, error) {
	return nil, nil
}
func (f *fakeGateway) StreamLogs(context.Context, string, time.Time, bool, int) (<-chan string, error) {
	return nil, nil
}
func (f *fakeGateway) Close() error { return nil }

var _ dockergateway.Gateway = (*fakeGateway)(nil)

func TestValidateMinimalNotFound(t *testing.T) {
	gw := &fakeGateway{state: dockergateway.ContainerState{Phase: dockergateway.PhaseAbsent}}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestValidateMinimalNotRunning(t *testing.T) {
	gw := &fakeGateway{state: dockergateway.ContainerState{Phase: dockergateway.PhaseStopped}}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	assert.Equal(t, StatusNotRunning, res.Status)
}

func TestValidateMinimalHealthy(t *testing.T) {
	gw := &fakeGateway{state: dockergateway.ContainerState{Phase: dockergateway.PhaseRunning}}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestValidateStandardStopsAtFirstFailingSubCheck(t *testing.T) {
	gw := &fakeGateway{
		state:   dockergateway.ContainerState{Phase: dockergateway.PhaseRunning},
		execErr: errors.New("exec transport error"),
	}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelStandard, 1972)
	assert.Equal(t, StatusRunningNotAccessible, res.Status)
}

func TestValidateStandardHealthyOnExitZero(t *testing.T) {
	gw := &fakeGateway{
		state:      dockergateway.ContainerState{Phase: dockergateway.PhaseRunning},
		execResult: dockergateway.ExecResult{ExitCode: 0},
	}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelStandard, 1972)
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestValidateStandardUnhealthyOnNonZeroExit(t *testing.T) {
	gw := &fakeGateway{
		state:      dockergateway.ContainerState{Phase: dockergateway.PhaseRunning},
		execResult: dockergateway.ExecResult{ExitCode: 1, Stderr: "boom"},
	}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelStandard, 1972)
	assert.Equal(t, StatusRunningNotAccessible, res.Status)
}

func TestValidateFullDialsPublishedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	hostPort := ln.Addr().(*net.TCPAddr).Port
	gw := &fakeGateway{
		state: dockergateway.ContainerState{
			Phase: dockergateway.PhaseRunning,
			Ports: map[int]int{1972: hostPort},
		},
		execResult: dockergateway.ExecResult{ExitCode: 0},
	}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelFull, 1972)
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestValidateFullFailsWhenPortNotPublished(t *testing.T) {
	gw := &fakeGateway{
		state:      dockergateway.ContainerState{Phase: dockergateway.PhaseRunning, Ports: map[int]int{}},
		execResult: dockergateway.ExecResult{ExitCode: 0},
	}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelFull, 1972)
	assert.Equal(t, StatusRunningNotAccessible, res.Status)
}

func TestValidateCachesWithinTTL(t *testing.T) {
	gw := &fakeGateway{state: dockergateway.ContainerState{Phase: dockergateway.PhaseRunning}}
	c := New(gw)

	first := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	gw.state.Phase = dockergateway.PhaseStopped // underlying state changes, cache should still win
	second := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)

	assert.Equal(t, first.Status, second.Status)
}

func TestInvalidateClearsCacheForContainer(t *testing.T) {
	gw := &fakeGateway{state: dockergateway.ContainerState{Phase: dockergateway.PhaseRunning}}
	c := New(gw)

	c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	c.Invalidate("iris_db")
	gw.state.Phase = dockergateway.PhaseStopped

	res := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	assert.Equal(t, StatusNotRunning, res.Status)
}

func TestValidateReportsStaleReferenceAfterRenameOrRecreate(t *testing.T) {
	gw := &fakeGateway{state: dockergateway.ContainerState{Phase: dockergateway.PhaseRunning, ContainerID: "abc123"}}
	c := New(gw)

	first := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	require.Equal(t, StatusHealthy, first.Status)

	// simulate the cache entry aging out without waiting out cacheTTL;
	// the per-name lastSeen memory this test is about is independent
	// of the cache and must survive this.
	c.cache.invalidate("iris_db")
	gw.state = dockergateway.ContainerState{Phase: dockergateway.PhaseAbsent}
	second := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	assert.Equal(t, StatusStaleReference, second.Status)
}

func TestValidateNeverReportsStaleReferenceForANameNeverSeen(t *testing.T) {
	gw := &fakeGateway{state: dockergateway.ContainerState{Phase: dockergateway.PhaseAbsent}}
	c := New(gw)

	res := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestInvalidateForgetsPriorIDSoRemoveDoesNotLookStale(t *testing.T) {
	gw := &fakeGateway{state: dockergateway.ContainerState{Phase: dockergateway.PhaseRunning, ContainerID: "abc123"}}
	c := New(gw)

	require.Equal(t, StatusHealthy, c.Validate(context.Background(), "iris_db", LevelMinimal, 1972).Status)

	c.Invalidate("iris_db")
	gw.state = dockergateway.ContainerState{Phase: dockergateway.PhaseAbsent}

	res := c.Validate(context.Background(), "iris_db", LevelMinimal, 1972)
	assert.Equal(t, StatusNotFound, res.Status)
}
