// Package remediator executes a small, bounded set of in-container
// admin actions that clear known post-start pathologies — pathologies
// that would otherwise surface downstream as a confusing low-level
// connection error. Every action runs inside the database's own
// administrative session via DockerGateway.ExecInContainer and is
// idempotent: invoking it when state is already correct succeeds
// without side effects.
package remediator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
	"github.com/intersystems-community/iris-devtester/internal/logger"
)

const (
	maxAttempts      = 3
	initialBackoff   = 500 * time.Millisecond
	backoffFactor    = 2
	jitterFraction   = 0.20
	adminServiceName = "%Service_CallIn"
)

// retryableExitCodes are exec exit codes treated as transient; any
// other non-zero code is a terminal failure from the database itself
// and is raised immediately.
var retryableExitCodes = map[int]bool{
	// the admin session binary itself failed to start (engine/exec
	// transport flake), not the command inside it.
	127: true,
}

// Remediator performs bounded, idempotent admin-session fixes.
type Remediator struct {
	gateway       dockergateway.Gateway
	containerName string
}

// New creates a Remediator bound to a single container.
func New(gateway dockergateway.Gateway, containerName string) *Remediator {
	return &Remediator{gateway: gateway, containerName: containerName}
}

// ResetPassword resets username's password and clears its expiration,
// in one admin session: get, mutate the in-memory properties array,
// then modify. The get is mandatory — modify reads from the array it
// receives, so skipping the get would silently drop the account's
// other properties.
func (r *Remediator) ResetPassword(ctx context.Context, username, newPassword string) error {
	script := fmt.Sprintf(`
set username=%s
set sc=##class(Security.Users).Get(username,.Properties)
if 'sc { write "GET_FAILED" quit }
set Properties("Password")=%s
set Properties("PasswordNeverExpires")=1
set sc=##class(Security.Users).Modify(username,.Properties)
if 'sc { write "MODIFY_FAILED" quit }
write "OK"
`, objectScriptString(username), objectScriptString(newPassword))

	return r.runAdminSession(ctx, "reset password for "+username, script, diagnostics.SubCausePasswordRejected)
}

// UnexpirePasswords clears the forced-change flag on every account.
func (r *Remediator) UnexpirePasswords(ctx context.Context) error {
	script := `
set rs=##class(%ResultSet).%New("Security.Users:List")
do rs.Execute()
while rs.Next() {
	set username=rs.Data("Name")
	set sc=##class(Security.Users).Get(username,.Properties)
	if sc {
		set Properties("ChangePassword")=0
		set Properties("PasswordNeverExpires")=1
		do ##class(Security.Users).Modify(username,.Properties)
	}
}
write "OK"
`
	return r.runAdminSession(ctx, "unexpire passwords", script, diagnostics.SubCausePasswordRejected)
}

// EnablePrivilegedService enables the in-engine service native client
// libraries require, via the same get -> mutate -> modify protocol
// used for password reset.
func (r *Remediator) EnablePrivilegedService(ctx context.Context) error {
	script := fmt.Sprintf(`
set sc=##class(Security.Services).Get(%s,.Properties)
if 'sc { write "GET_FAILED" quit }
set Properties("Enabled")=1
set sc=##class(Security.Services).Modify(%s,.Properties)
if 'sc { write "MODIFY_FAILED" quit }
write "OK"
`, objectScriptString(adminServiceName), objectScriptString(adminServiceName))

	return r.runAdminSession(ctx, "enable "+adminServiceName, script, diagnostics.SubCauseServiceEnableRejected)
}

// runAdminSession executes script inside the container's admin session
// binary, retrying transient failures with exponential backoff and
// jitter, for at most maxAttempts attempts in all. A terminal failure (the database
// refused the command, or the script itself reported a failure
// marker) is raised immediately.
func (r *Remediator) runAdminSession(ctx context.Context, action, script string, subCause diagnostics.SubCause) error {
	var lastErr error
	sessionID := uuid.New().String()
	log := logger.GetLogger(ctx).With(zap.String("containerName", r.containerName), zap.String("action", action), zap.String("sessionID", sessionID))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := r.gateway.ExecInContainer(ctx, r.containerName, []string{"iris", "session", "iris", "-U%SYS"}, script)
		if err != nil {
			lastErr = err
			if !r.retryable(err, 0) || attempt == maxAttempts {
				log.Error("admin session exec failed terminally", zap.Int("attempt", attempt), zap.Error(err))
				diag := diagnostics.Wrap(diagnostics.KindRemediationFailed,
					fmt.Sprintf("%s failed after %d attempt(s)", action, attempt), err,
					map[string]string{"containerName": r.containerName, "action": action, "sessionID": sessionID},
					"check the container logs for the admin session output",
					"iris-devtester#remediation-failed")
				diag.SubCause = diagnostics.SubCauseExecNonRetryable
				return diag
			}
			log.Warn("admin session exec failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			r.sleep(ctx, attempt)
			continue
		}

		if res.ExitCode != 0 {
			if !r.retryable(nil, res.ExitCode) || attempt == maxAttempts {
				return r.terminalFailure(action, sessionID, subCause, res)
			}
			lastErr = fmt.Errorf("exit code %d", res.ExitCode)
			log.Warn("admin session exited non-zero, retrying", zap.Int("attempt", attempt), zap.Int("exitCode", res.ExitCode))
			r.sleep(ctx, attempt)
			continue
		}

		if strings.Contains(res.Stdout, "GET_FAILED") || strings.Contains(res.Stdout, "MODIFY_FAILED") {
			diag := diagnostics.New(diagnostics.KindRemediationFailed,
				fmt.Sprintf("%s: database refused the command", action),
				map[string]string{"containerName": r.containerName, "action": action, "sessionID": sessionID, "output": res.Stdout},
				"verify the admin credentials and that the account exists",
				"iris-devtester#remediation-failed")
			diag.SubCause = subCause
			return diag
		}

		log.Debug("admin session succeeded", zap.Int("attempt", attempt))
		return nil
	}

	return diagnostics.Wrap(diagnostics.KindRemediationFailed,
		fmt.Sprintf("%s failed after %d attempts", action, maxAttempts), lastErr,
		map[string]string{"containerName": r.containerName, "action": action, "sessionID": sessionID},
		"retry manually, or inspect the container", "iris-devtester#remediation-failed")
}

func (r *Remediator) terminalFailure(action, sessionID string, subCause diagnostics.SubCause, res dockergateway.ExecResult) error {
	lastLine := res.Stderr
	if idx := strings.LastIndex(strings.TrimRight(res.Stderr, "\n"), "\n"); idx >= 0 {
		lastLine = res.Stderr[idx+1:]
	}
	diag := diagnostics.New(diagnostics.KindRemediationFailed,
		fmt.Sprintf("%s: database rejected the command (exit %d)", action, res.ExitCode),
		map[string]string{"containerName": r.containerName, "action": action, "sessionID": sessionID, "exitCode": fmt.Sprintf("%d", res.ExitCode), "lastStderrLine": lastLine},
		"inspect the reported exit code and stderr line",
		"iris-devtester#remediation-failed")
	diag.SubCause = subCause
	return diag
}

func (r *Remediator) retryable(err error, exitCode int) bool {
	if err != nil {
		return diagnostics.IsKind(err, diagnostics.KindEngineUnavailable) ||
			diagnostics.IsKind(err, diagnostics.KindDeadlineExceeded)
	}
	return retryableExitCodes[exitCode]
}

func (r *Remediator) sleep(ctx context.Context, attempt int) {
	backoff := initialBackoff * time.Duration(pow(backoffFactor, attempt-1))
	jitter := time.Duration(float64(backoff) * jitterFraction * (rand.Float64()*2 - 1))
	delay := backoff + jitter
	if delay < 0 {
		delay = backoff
	}

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func pow(base, exp int) int {
	result := 1
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func objectScriptString(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
