// Package lifecycle composes DockerGateway, ImageResolver,
// PortRegistry, HealthChecker, and Remediator into the operations a
// caller actually wants: Up, Start, Stop, Restart, Remove, Status,
// Logs, Attach. It owns the top-level state machine and is not
// transactional across Docker operations — it compensates instead,
// rolling back best-effort on a failure or cancellation mid-Up.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/intersystems-community/iris-devtester/internal/config"
	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
	"github.com/intersystems-community/iris-devtester/internal/healthcheck"
	"github.com/intersystems-community/iris-devtester/internal/imageresolver"
	"github.com/intersystems-community/iris-devtester/internal/logger"
	"github.com/intersystems-community/iris-devtester/internal/portregistry"
	"github.com/intersystems-community/iris-devtester/internal/progress"
	"github.com/intersystems-community/iris-devtester/internal/remediator"
)

// ToolVersion is stamped onto every container this tool creates via
// the version label.
const ToolVersion = "0.1.0"

// DefaultUpTimeout is the overall deadline of each Up and Start call,
// including its minimal->full health-probe arc.
const DefaultUpTimeout = 60 * time.Second

// Phase is the observed lifecycle-level phase, a superset of
// dockergateway.Phase that adds the "healthy" label.
type Phase string

const (
	PhaseAbsent   Phase = "absent"
	PhaseCreating Phase = "creating"
	PhaseRunning  Phase = "running"
	PhaseStopped  Phase = "stopped"
	PhaseHealthy  Phase = "healthy"
)

// Outcome summarizes what an operation actually did, distinct from
// whether it errored.
type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyRunning Outcome = "alreadyRunning"
	OutcomeStopped        Outcome = "stopped"
	OutcomeRemoved        Outcome = "removed"
	OutcomeNoOp           Outcome = "noOp"
)

// Result is what every public operation returns on success.
type Result struct {
	Outcome     Outcome
	ContainerID string
	Port        portregistry.PortAssignment
	Health      healthcheck.Result
}

// Lifecycle is the ContainerLifecycle component.
type Lifecycle struct {
	gateway  dockergateway.Gateway
	ports    *portregistry.Registry
	checker  *healthcheck.Checker
	namePrefix string
}

// New composes a Lifecycle from its dependencies. namePrefix is stored
// on the Lifecycle only: it is not passed to the PortRegistry (which
// takes its own prefix via portregistry.WithNamePrefix), and Attach
// does not check a container's name against it.
func New(gateway dockergateway.Gateway, ports *portregistry.Registry, checker *healthcheck.Checker, namePrefix string) *Lifecycle {
	return &Lifecycle{gateway: gateway, ports: ports, checker: checker, namePrefix: namePrefix}
}

// Up brings a container into the healthy state, creating it if
// necessary. Idempotent: calling Up twice in a row with no
// intervening Remove behaves as a single Up (modulo progress events).
func (l *Lifecycle) Up(ctx context.Context, cfg config.ContainerConfig, projectPath string, emit progress.Emitter) (Result, error) {
	if emit == nil {
		emit = progress.Discard
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultUpTimeout)
	defer cancel()

	log := logger.GetLogger(ctx)
	log.Info("bringing up container", zap.String("containerName", cfg.ContainerName), zap.String("edition", string(cfg.Edition)))
	emit.Emit(progress.Step(fmt.Sprintf("bringing up %s", cfg.ContainerName)))

	state, err := l.gateway.InspectContainer(ctx, cfg.ContainerName)
	if err != nil {
		return Result{}, err
	}

	switch state.Phase {
	case dockergateway.PhaseRunning:
		emit.Emit(progress.SubStep("container already running, validating health"))
		health := l.checker.Validate(ctx, cfg.ContainerName, healthcheck.LevelFull, config.DefaultPrimaryPort)
		if health.Status == healthcheck.StatusHealthy {
			emit.Emit(progress.Success("already running and healthy"))
			return Result{Outcome: OutcomeAlreadyRunning, ContainerID: state.ContainerID, Health: health}, nil
		}
		diag := diagnostics.New(diagnostics.KindUnhealthyExistingContainer,
			fmt.Sprintf("container %s is running but not healthy (%s)", cfg.ContainerName, health.Status),
			map[string]string{"containerName": cfg.ContainerName, "healthStatus": string(health.Status), "detail": health.Detail},
			"inspect the container logs, or stop and remove it to recreate",
			"iris-devtester#unhealthy-existing-container")
		emit.Emit(progress.Error(diag))
		return Result{}, diag

	case dockergateway.PhaseStopped:
		emit.Emit(progress.SubStep("container exists but stopped, starting"))
		return l.startExisting(ctx, cfg, emit)
	}

	return l.create(ctx, cfg, projectPath, emit)
}

// create implements Up's "otherwise create" branch (step 3-4).
func (l *Lifecycle) create(ctx context.Context, cfg config.ContainerConfig, projectPath string, emit progress.Emitter) (result Result, err error) {
	preferred := 0
	if cfg.PrimaryPort != config.DefaultPrimaryPort {
		preferred = cfg.PrimaryPort
	}

	emit.Emit(progress.SubStep("assigning host port"))
	assignment, err := l.ports.Assign(ctx, projectPath, cfg.ContainerName, preferred)
	if err != nil {
		emit.Emit(progress.Error(asDiagnostic(err)))
		return Result{}, err
	}

	rollbackPort := true
	defer func() {
		if rollbackPort && err != nil {
			_ = l.ports.Release(context.WithoutCancel(ctx), projectPath)
		}
	}()

	emit.Emit(progress.SubStep("resolving image reference"))
	ref := cfg.ImageRef
	if ref == "" {
		ref, err = imageresolver.Resolve(cfg.Edition, cfg.ImageTag)
		if err != nil {
			emit.Emit(progress.Error(asDiagnostic(err)))
			return Result{}, err
		}
	}

	emit.Emit(progress.SubStep(fmt.Sprintf("pulling %s", ref)))
	if err = l.gateway.PullImage(ctx, ref); err != nil {
		emit.Emit(progress.Error(asDiagnostic(err)))
		return Result{}, err
	}

	spec := buildSpec(cfg, ref, assignment.Port, cfg.ProjectPath != "")
	emit.Emit(progress.SubStep("creating container"))
	containerID, err := l.gateway.CreateContainer(ctx, spec)
	if err != nil {
		emit.Emit(progress.Error(asDiagnostic(err)))
		return Result{}, err
	}

	rollbackContainer := true
	defer func() {
		if rollbackContainer && err != nil {
			_ = l.gateway.RemoveContainer(context.Background(), containerID, true, true)
		}
	}()

	emit.Emit(progress.SubStep("starting container"))
	if err = l.gateway.StartContainer(ctx, containerID); err != nil {
		emit.Emit(progress.Error(asDiagnostic(err)))
		return Result{}, err
	}
	l.checker.Invalidate(cfg.ContainerName)

	health, err := l.driveHealthArc(ctx, cfg, emit)
	if err != nil {
		emit.Emit(progress.Error(asDiagnostic(err)))
		return Result{}, err
	}

	rollbackContainer = false
	rollbackPort = false
	emit.Emit(progress.Success(fmt.Sprintf("%s is healthy", cfg.ContainerName)))
	return Result{Outcome: OutcomeCreated, ContainerID: containerID, Port: assignment, Health: health}, nil
}

// startExisting implements Start's "stopped -> running" transition,
// reused by both Up and Start.
func (l *Lifecycle) startExisting(ctx context.Context, cfg config.ContainerConfig, emit progress.Emitter) (Result, error) {
	state, err := l.gateway.InspectContainer(ctx, cfg.ContainerName)
	if err != nil {
		return Result{}, err
	}
	if state.Phase == dockergateway.PhaseAbsent {
		return Result{}, diagnostics.New(diagnostics.KindContainerNotFound,
			fmt.Sprintf("container %s does not exist", cfg.ContainerName),
			map[string]string{"containerName": cfg.ContainerName},
			"run Up to create it", "iris-devtester#container-not-found")
	}
	if state.Phase == dockergateway.PhaseRunning {
		health := l.checker.Validate(ctx, cfg.ContainerName, healthcheck.LevelFull, config.DefaultPrimaryPort)
		return Result{Outcome: OutcomeAlreadyRunning, ContainerID: state.ContainerID, Health: health}, nil
	}

	if err := l.gateway.StartContainer(ctx, state.ContainerID); err != nil {
		return Result{}, err
	}
	l.checker.Invalidate(cfg.ContainerName)

	health, err := l.driveHealthArc(ctx, cfg, emit)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeStarted, ContainerID: state.ContainerID, Health: health}, nil
}

// Start starts an existing stopped container, or falls back to Up if
// no container exists. Starting an already-running container is a
// success with no effect. The result carries projectPath's active port
// assignment, if it has one.
func (l *Lifecycle) Start(ctx context.Context, cfg config.ContainerConfig, projectPath string, emit progress.Emitter) (Result, error) {
	if emit == nil {
		emit = progress.Discard
	}
	cfg = cfg.WithDefaults()

	ctx, cancel := context.WithTimeout(ctx, DefaultUpTimeout)
	defer cancel()

	state, err := l.gateway.InspectContainer(ctx, cfg.ContainerName)
	if err != nil {
		return Result{}, err
	}
	if state.Phase == dockergateway.PhaseAbsent {
		return l.Up(ctx, cfg, projectPath, emit)
	}
	result, err := l.startExisting(ctx, cfg, emit)
	if err != nil {
		return result, err
	}
	if assignment, found, getErr := l.ports.Get(ctx, projectPath); getErr == nil && found {
		result.Port = assignment
	}
	return result, nil
}

// Stop stops name with a grace period, leaving its port assignment
// intact. Idempotent.
func (l *Lifecycle) Stop(ctx context.Context, name string, graceSeconds int) (Result, error) {
	state, err := l.gateway.InspectContainer(ctx, name)
	if err != nil {
		return Result{}, err
	}
	if state.Phase != dockergateway.PhaseRunning {
		return Result{Outcome: OutcomeNoOp}, nil
	}
	if err := l.gateway.StopContainer(ctx, state.ContainerID, graceSeconds); err != nil {
		return Result{}, err
	}
	l.checker.Invalidate(name)
	logger.GetLogger(ctx).Info("stopped container", zap.String("containerName", name), zap.String("containerId", state.ContainerID))
	return Result{Outcome: OutcomeStopped, ContainerID: state.ContainerID}, nil
}

// Restart stops then starts name.
func (l *Lifecycle) Restart(ctx context.Context, cfg config.ContainerConfig, projectPath string, emit progress.Emitter) (Result, error) {
	cfg = cfg.WithDefaults()
	if _, err := l.Stop(ctx, cfg.ContainerName, dockergateway.DefaultStopGraceSeconds); err != nil {
		return Result{}, err
	}
	return l.Start(ctx, cfg, projectPath, emit)
}

// Remove removes name. If running and force is false, fails with
// ContainerRunning. On success, releases the port assignment
// regardless of removeVolumes.
func (l *Lifecycle) Remove(ctx context.Context, projectPath, name string, force, removeVolumes bool) (Result, error) {
	state, err := l.gateway.InspectContainer(ctx, name)
	if err != nil {
		return Result{}, err
	}
	if state.Phase == dockergateway.PhaseAbsent {
		_ = l.ports.Release(ctx, projectPath)
		return Result{Outcome: OutcomeNoOp}, nil
	}

	if err := l.gateway.RemoveContainer(ctx, state.ContainerID, removeVolumes, force); err != nil {
		return Result{}, err
	}
	l.checker.Invalidate(name)
	_ = l.ports.Release(ctx, projectPath)
	return Result{Outcome: OutcomeRemoved, ContainerID: state.ContainerID}, nil
}

// Status returns a read-only snapshot combining Docker truth with a
// standard-level health probe. It never mutates state. primaryPort is
// the container-internal port to probe (config.DefaultPrimaryPort for
// every container this tool creates), not the host-side port a caller
// may have requested.
func (l *Lifecycle) Status(ctx context.Context, name string, primaryPort int) (dockergateway.ContainerState, healthcheck.Result, error) {
	state, err := l.gateway.InspectContainer(ctx, name)
	if err != nil {
		return dockergateway.ContainerState{}, healthcheck.Result{}, err
	}
	if state.Phase == dockergateway.PhaseAbsent {
		return state, healthcheck.Result{Status: healthcheck.StatusNotFound}, nil
	}
	health := l.checker.Validate(ctx, name, healthcheck.LevelStandard, primaryPort)
	return state, health, nil
}

// Logs delegates to DockerGateway.StreamLogs.
func (l *Lifecycle) Logs(ctx context.Context, name string, since time.Time, follow bool, tailLines int) (<-chan string, error) {
	return l.gateway.StreamLogs(ctx, name, since, follow, tailLines)
}

// driveHealthArc drives the health checker from minimal to full,
// applying the two surfaced-failure remediations exactly once each
// before giving up. Health-probe events are emitted in strict level
// order.
func (l *Lifecycle) driveHealthArc(ctx context.Context, cfg config.ContainerConfig, emit progress.Emitter) (healthcheck.Result, error) {
	rem := remediator.New(l.gateway, cfg.ContainerName)

	emit.Emit(progress.SubStep("waiting for container to start"))
	minimal := l.checker.Validate(ctx, cfg.ContainerName, healthcheck.LevelMinimal, config.DefaultPrimaryPort)
	if minimal.Status != healthcheck.StatusHealthy {
		return minimal, healthTimeoutOrUnhealthy(cfg.ContainerName, minimal)
	}

	emit.Emit(progress.SubStep("waiting for admin session to become reachable"))
	standard := l.checker.Validate(ctx, cfg.ContainerName, healthcheck.LevelStandard, config.DefaultPrimaryPort)
	if standard.Status != healthcheck.StatusHealthy {
		return standard, healthTimeoutOrUnhealthy(cfg.ContainerName, standard)
	}

	emit.Emit(progress.SubStep("waiting for database to respond"))
	full := l.checker.Validate(ctx, cfg.ContainerName, healthcheck.LevelFull, config.DefaultPrimaryPort)
	if full.Status == healthcheck.StatusHealthy {
		return full, nil
	}

	if isPasswordMustChange(full.Detail) {
		emit.Emit(progress.Warning("password must change, resetting", nil))
		if err := rem.ResetPassword(ctx, "_SYSTEM", cfg.Password); err != nil {
			return full, err
		}
		l.checker.Invalidate(cfg.ContainerName)
		full = l.checker.Validate(ctx, cfg.ContainerName, healthcheck.LevelFull, config.DefaultPrimaryPort)
		if full.Status == healthcheck.StatusHealthy {
			return full, nil
		}
	}

	emit.Emit(progress.Warning("database unreachable, enabling privileged service", nil))
	if err := rem.EnablePrivilegedService(ctx); err != nil {
		return full, err
	}
	l.checker.Invalidate(cfg.ContainerName)
	full = l.checker.Validate(ctx, cfg.ContainerName, healthcheck.LevelFull, config.DefaultPrimaryPort)
	if full.Status != healthcheck.StatusHealthy {
		return full, healthTimeoutOrUnhealthy(cfg.ContainerName, full)
	}
	return full, nil
}

func isPasswordMustChange(detail string) bool {
	return strings.Contains(strings.ToLower(detail), "password") && strings.Contains(strings.ToLower(detail), "change")
}

func healthTimeoutOrUnhealthy(containerName string, result healthcheck.Result) error {
	return diagnostics.New(diagnostics.KindHealthTimeout,
		fmt.Sprintf("%s did not become healthy at level %s (%s)", containerName, result.Level, result.Status),
		map[string]string{"containerName": containerName, "level": string(result.Level), "status": string(result.Status), "detail": result.Detail},
		"inspect the container logs for startup errors",
		"iris-devtester#health-timeout")
}

func buildSpec(cfg config.ContainerConfig, ref string, primaryHostPort int, configSourceIsFile bool) dockergateway.ContainerSpec {
	configSource := "default"
	if configSourceIsFile {
		configSource = cfg.ProjectPath
	}

	mounts := make([]dockergateway.Mount, 0, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		mounts = append(mounts, dockergateway.Mount{HostPath: v.HostPath, ContainerPath: v.ContainerPath, Mode: v.Mode})
	}

	return dockergateway.ContainerSpec{
		Image: ref,
		Name:  cfg.ContainerName,
		Env: map[string]string{
			"ISC_PASSWORD": cfg.Password,
			"ISC_NAMESPACE": cfg.Namespace,
		},
		Ports: []dockergateway.PortBinding{
			{ContainerPort: config.DefaultPrimaryPort, HostPort: primaryHostPort},
			{ContainerPort: config.DefaultWebPort, HostPort: cfg.WebPort},
		},
		Mounts: mounts,
		Labels: map[string]string{
			dockergateway.LabelConfigSource: configSource,
			dockergateway.LabelEdition:      string(cfg.Edition),
			dockergateway.LabelVersion:      ToolVersion,
		},
	}
}

func asDiagnostic(err error) *diagnostics.Error {
	var diag *diagnostics.Error
	if diagnostics.As(err, &diag) {
		return diag
	}
	return diagnostics.Wrap(diagnostics.KindEngineUnavailable, err.Error(), err, nil, "", "")
}
