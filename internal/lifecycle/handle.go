package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
	"github.com/intersystems-community/iris-devtester/internal/healthcheck"
)

// Handle is produced by Attach. It exposes the same read/query/exec
// operations as a container this process created, but refuses the
// lifecycle-owning operations — this process does not own the
// container's lifecycle, so it must not stop, restart, or remove it.
type Handle struct {
	lifecycle     *Lifecycle
	containerName string
	primaryPort   int
}

// Attach verifies that name exists and is running (via a standard-
// level health probe) and returns a Handle bound to it. This is how
// out-of-band containers (brought up by a compose file or an
// operator) are supported. primaryPort is the container-internal port
// to probe, not whatever host port the container happens to publish
// it on — pass config.DefaultPrimaryPort unless the container was
// built with a non-standard internal port.
func (l *Lifecycle) Attach(ctx context.Context, name string, primaryPort int) (*Handle, error) {
	state, err := l.gateway.InspectContainer(ctx, name)
	if err != nil {
		return nil, err
	}
	if state.Phase == dockergateway.PhaseAbsent {
		return nil, diagnostics.New(diagnostics.KindContainerNotFound,
			fmt.Sprintf("container %s does not exist", name),
			map[string]string{"containerName": name}, "verify the container name",
			"iris-devtester#container-not-found")
	}

	health := l.checker.Validate(ctx, name, healthcheck.LevelStandard, primaryPort)
	if health.Status != healthcheck.StatusHealthy {
		return nil, diagnostics.New(diagnostics.KindUnhealthyExistingContainer,
			fmt.Sprintf("container %s is not reachable (%s)", name, health.Status),
			map[string]string{"containerName": name, "healthStatus": string(health.Status)},
			"verify the container is running and reachable before attaching",
			"iris-devtester#unhealthy-existing-container")
	}

	return &Handle{lifecycle: l, containerName: name, primaryPort: primaryPort}, nil
}

// Status returns the attached container's state and health, exactly
// as Lifecycle.Status would.
func (h *Handle) Status(ctx context.Context) (dockergateway.ContainerState, healthcheck.Result, error) {
	return h.lifecycle.Status(ctx, h.containerName, h.primaryPort)
}

// Logs delegates to the attached container's log stream.
func (h *Handle) Logs(ctx context.Context, since time.Time, follow bool, tailLines int) (<-chan string, error) {
	return h.lifecycle.Logs(ctx, h.containerName, since, follow, tailLines)
}

// Exec runs argv inside the attached container's admin session.
func (h *Handle) Exec(ctx context.Context, argv []string, stdin string) (dockergateway.ExecResult, error) {
	return h.lifecycle.gateway.ExecInContainer(ctx, h.containerName, argv, stdin)
}

// Stop always fails: an attached handle does not own the container's
// lifecycle.
func (h *Handle) Stop(context.Context, int) (Result, error) { return Result{}, h.refusalError("Stop") }

// Restart always fails, for the same reason as Stop.
func (h *Handle) Restart(context.Context) (Result, error) { return Result{}, h.refusalError("Restart") }

// Remove always fails, for the same reason as Stop.
func (h *Handle) Remove(context.Context, bool, bool) (Result, error) { return Result{}, h.refusalError("Remove") }

func (h *Handle) refusalError(op string) error {
	return diagnostics.New(diagnostics.KindAttachedHandle,
		fmt.Sprintf("%s is refused on an attached handle", op),
		map[string]string{"containerName": h.containerName, "operation": op},
		"this process does not own the container's lifecycle; use the process that created it",
		"iris-devtester#attached-handle")
}
