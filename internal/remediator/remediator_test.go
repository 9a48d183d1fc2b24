package remediator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
)

type fakeGateway struct {
	dockergateway.Gateway
	calls   int
	results []dockergateway.ExecResult
	errs    []error
}

func (f *fakeGateway) ExecInContainer(context.Context, string, []string, string) (dockergateway.ExecResult, error) {
	i := f.calls
	f.calls++
	var res dockergateway.ExecResult
	var err error
	if i < len(f.results) {
		res = f.results[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

func TestResetPasswordSucceedsOnFirstTry(t *testing.T) {
	gw := &fakeGateway{results: []dockergateway.ExecResult{{ExitCode: 0, Stdout: "OK"}}}
	r := New(gw, "iris_db")

	err := r.ResetPassword(context.Background(), "_SYSTEM", "NewPass123")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.calls)
}

func TestResetPasswordFailsTerminallyOnDatabaseRefusal(t *testing.T) {
	gw := &fakeGateway{results: []dockergateway.ExecResult{{ExitCode: 1, Stderr: "invalid account\n"}}}
	r := New(gw, "iris_db")

	err := r.ResetPassword(context.Background(), "nope", "x")
	require.Error(t, err)
	assert.True(t, diagnostics.IsKind(err, diagnostics.KindRemediationFailed))
	assert.Equal(t, 1, gw.calls)
}

func TestResetPasswordRetriesTransientEngineError(t *testing.T) {
	gw := &fakeGateway{
		errs: []error{
			diagnostics.Wrap(diagnostics.KindEngineUnavailable, "exec transport flake", errors.New("eof"), nil, "", ""),
		},
		results: []dockergateway.ExecResult{{}, {ExitCode: 0, Stdout: "OK"}},
	}
	r := New(gw, "iris_db")

	start := time.Now()
	err := r.ResetPassword(context.Background(), "_SYSTEM", "NewPass123")
	require.NoError(t, err)
	assert.Equal(t, 2, gw.calls)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestResetPasswordGivesUpAfterMaxAttempts(t *testing.T) {
	transient := diagnostics.Wrap(diagnostics.KindEngineUnavailable, "flake", errors.New("eof"), nil, "", "")
	gw := &fakeGateway{errs: []error{transient, transient, transient}}
	r := New(gw, "iris_db")

	err := r.ResetPassword(context.Background(), "_SYSTEM", "NewPass123")
	require.Error(t, err)
	assert.Equal(t, maxAttempts, gw.calls)
}

func TestEnablePrivilegedServiceReportsDatabaseRefusal(t *testing.T) {
	gw := &fakeGateway{results: []dockergateway.ExecResult{{ExitCode: 0, Stdout: "GET_FAILED"}}}
	r := New(gw, "iris_db")

	err := r.EnablePrivilegedService(context.Background())
	require.Error(t, err)
	assert.True(t, diagnostics.IsKind(err, diagnostics.KindRemediationFailed))
}

func TestUnexpirePasswordsSucceeds(t *testing.T) {
	gw := &fakeGateway{results: []dockergateway.ExecResult{{ExitCode: 0, Stdout: "OK"}}}
	r := New(gw, "iris_db")

	require.NoError(t, r.UnexpirePasswords(context.Background()))
}
