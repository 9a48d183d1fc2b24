// Package dockergateway is a thin, strongly-typed wrapper over the
// Docker engine client. It normalizes engine errors into
// diagnostics.Kind and carries no business logic of its own — port
// selection, health decisions, and remediation all live above this
// package.
//
// # Architecture
//
//	internal/lifecycle  --\
//	internal/portregistry -> internal/dockergateway -> Docker engine
//	internal/healthcheck --/
//
// Gateway is the only component that imports the Docker SDK directly;
// everything above it deals exclusively in this package's own types
// (ContainerSpec, ContainerState, Mount) and diagnostics.Error.
package dockergateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/intersystems-community/iris-devtester/internal/config"
	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
	"github.com/intersystems-community/iris-devtester/internal/logger"
)

// DefaultStopGraceSeconds is the soft-terminate-then-kill grace period
// used when the caller does not specify one.
const DefaultStopGraceSeconds = 30

// Label keys applied to every container this tool creates, the only
// mechanism by which a later Attach or Status call recovers provenance
// from a running container (spec.md §6).
const (
	LabelConfigSource = "iris-devtester.config.source"
	LabelEdition      = "iris-devtester.config.edition"
	LabelVersion      = "iris-devtester.version"
)

// Phase is the observed Docker-level lifecycle phase of a container.
type Phase string

const (
	PhaseAbsent   Phase = "absent"
	PhaseCreating Phase = "creating"
	PhaseRunning  Phase = "running"
	PhaseStopped  Phase = "stopped"
	PhaseRemoving Phase = "removing"
)

// PortBinding maps one container-internal port to an explicit host
// port. Bindings must be explicit host ports, never ephemeral
// mappings — the caller computes the host port via PortRegistry and
// hands it in here.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// Mount is a single Docker bind mount, in the "host:container[:mode]"
// shape the engine itself uses.
type Mount struct {
	HostPath      string
	ContainerPath string
	Mode          config.MountMode
}

// ContainerSpec is everything CreateContainer needs to create a
// container: image, name, env, port bindings, volume mounts, labels.
type ContainerSpec struct {
	Image   string
	Name    string
	Env     map[string]string
	Ports   []PortBinding
	Mounts  []Mount
	Labels  map[string]string
}

// ContainerState is a read-through snapshot of observed Docker truth.
// It is never cached across operation boundaries.
type ContainerState struct {
	ContainerID string
	Name        string
	Phase       Phase
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Ports       map[int]int // container port -> host port
	Image       string
	Labels      map[string]string
}

// ExecResult is the outcome of ExecInContainer.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Gateway is the minimal, strongly-typed surface the rest of the core
// depends on. The production implementation is *Engine; tests use a
// hand-rolled fake implementing the same interface.
type Gateway interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, graceSeconds int) error
	RemoveContainer(ctx context.Context, id string, removeVolumes, force bool) error
	InspectContainer(ctx context.Context, nameOrID string) (ContainerState, error)
	ListContainers(ctx context.Context, namePrefix string) ([]ContainerState, error)
	ExecInContainer(ctx context.Context, id string, argv []string, stdin string) (ExecResult, error)
	StreamLogs(ctx context.Context, id string, since time.Time, follow bool, tailLines int) (<-chan string, error)
	Close() error
}

// ClientOptions configures the engine connection. Host is required;
// the TLS fields are only consulted when TLSVerify is set, following
// the teacher's loadTLSConfig pattern.
type ClientOptions struct {
	Host       string
	APIVersion string
	TLSVerify  bool
	CertPEM    string
	KeyPEM     string
	CAPEM      string
}

// Engine is the production Gateway implementation, wrapping
// github.com/docker/docker/client.
type Engine struct {
	cli *client.Client
}

var _ Gateway = (*Engine)(nil)

// NewEngine creates a new Gateway backed by a real Docker engine
// client.
func NewEngine(opts ClientOptions) (*Engine, error) {
	if opts.Host == "" {
		return nil, diagnostics.New(diagnostics.KindInvalidConfig,
			"docker host must not be empty", nil,
			"set ClientOptions.Host (e.g. unix:///var/run/docker.sock)",
			"iris-devtester#invalid-docker-host")
	}

	clientOpts := []client.Opt{
		client.WithHost(opts.Host),
		client.WithAPIVersionNegotiation(),
	}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	}

	if opts.TLSVerify {
		tlsConfig, err := loadTLSConfig(opts)
		if err != nil {
			return nil, diagnostics.Wrap(diagnostics.KindInvalidConfig,
				"failed to load TLS configuration", err, nil,
				"check certPEM/keyPEM/caPEM", "iris-devtester#invalid-tls")
		}
		clientOpts = append(clientOpts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		}))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, diagnostics.Wrap(diagnostics.KindEngineUnavailable,
			"failed to create docker client", err, nil,
			"verify the docker host and credentials", "iris-devtester#engine-unavailable")
	}

	return &Engine{cli: cli}, nil
}

// Close releases the underlying engine client's resources.
func (e *Engine) Close() error {
	if e.cli == nil {
		return nil
	}
	return e.cli.Close()
}

// PullImage pulls ref, draining the pull stream before returning, the
// same way the teacher's pullImage does.
func (e *Engine) PullImage(ctx context.Context, ref string) error {
	log := logger.GetLogger(ctx)
	log.Info("pulling image", zap.String("image", ref))

	out, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		log.Error("image pull failed", zap.String("image", ref), zap.Error(err))
		return classifyPullError(ref, err)
	}
	defer out.Close()

	if _, err := drain(out); err != nil {
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			fmt.Sprintf("failed reading pull stream for %s", ref), err,
			map[string]string{"image": ref},
			"retry the pull, or check registry connectivity",
			"iris-devtester#pull-stream-error")
	}
	return nil
}

// CreateContainer creates (but does not start) a container from spec.
// Port bindings are explicit host-port bindings, never ephemeral.
func (e *Engine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerCfg, err := buildContainerConfig(spec)
	if err != nil {
		return "", err
	}
	hostCfg, err := buildHostConfig(spec)
	if err != nil {
		return "", err
	}

	resp, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classifyCreateError(spec.Name, err)
	}
	logger.GetLogger(ctx).Info("created container", zap.String("containerName", spec.Name), zap.String("containerId", resp.ID))
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classifyEngineError(id, "start container", err)
	}
	logger.GetLogger(ctx).Info("started container", zap.String("containerId", id))
	return nil
}

// StopContainer sends a soft terminate, then a hard kill after
// graceSeconds (default 30s per spec.md §4.1).
func (e *Engine) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	if graceSeconds <= 0 {
		graceSeconds = DefaultStopGraceSeconds
	}
	if err := e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		return classifyEngineError(id, "stop container", err)
	}
	logger.GetLogger(ctx).Info("stopped container", zap.String("containerId", id), zap.Int("graceSeconds", graceSeconds))
	return nil
}

// RemoveContainer removes a container. If the container is running and
// force is false, it fails with KindContainerRunning.
func (e *Engine) RemoveContainer(ctx context.Context, id string, removeVolumes, force bool) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		RemoveVolumes: removeVolumes,
		Force:         force,
	})
	if err != nil {
		if !force && isConflict(err) {
			return diagnostics.Wrap(diagnostics.KindContainerRunning,
				"container is running", err,
				map[string]string{"containerId": id},
				"stop the container first, or pass force=true",
				"iris-devtester#container-running")
		}
		return classifyEngineError(id, "remove container", err)
	}
	logger.GetLogger(ctx).Info("removed container", zap.String("containerId", id), zap.Bool("removeVolumes", removeVolumes), zap.Bool("force", force))
	return nil
}

// InspectContainer returns a ContainerState snapshot. A missing
// container returns PhaseAbsent rather than an error.
func (e *Engine) InspectContainer(ctx context.Context, nameOrID string) (ContainerState, error) {
	resp, err := e.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{Phase: PhaseAbsent}, nil
		}
		return ContainerState{}, classifyEngineError(nameOrID, "inspect container", err)
	}
	return toContainerState(resp), nil
}

// ListContainers lists all containers (running or not) whose name
// begins with namePrefix.
func (e *Engine) ListContainers(ctx context.Context, namePrefix string) ([]ContainerState, error) {
	args := filters.NewArgs()
	if namePrefix != "" {
		args.Add("name", namePrefix)
	}

	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classifyEngineError("", "list containers", err)
	}

	states := make([]ContainerState, 0, len(containers))
	for _, c := range containers {
		inspected, err := e.InspectContainer(ctx, c.ID)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(inspected.Name, namePrefix) {
			continue
		}
		states = append(states, inspected)
	}
	return states, nil
}

// ExecInContainer runs argv inside the container's admin session,
// optionally feeding stdin, and returns stdout/stderr/exit code.
func (e *Engine) ExecInContainer(ctx context.Context, id string, argv []string, stdin string) (ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != "",
	}

	created, err := e.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return ExecResult{}, classifyEngineError(id, "create exec", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, classifyEngineError(id, "attach exec", err)
	}
	defer attach.Close()

	if stdin != "" {
		if _, err := attach.Conn.Write([]byte(stdin)); err != nil {
			return ExecResult{}, classifyEngineError(id, "write exec stdin", err)
		}
		_ = attach.CloseWrite()
	}

	stdout, stderr, err := demux(attach.Reader)
	if err != nil {
		return ExecResult{}, classifyEngineError(id, "read exec output", err)
	}

	inspected, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, classifyEngineError(id, "inspect exec", err)
	}

	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: inspected.ExitCode}, nil
}

// StreamLogs returns a channel of log lines. The channel is closed
// when the context is canceled or the underlying stream ends.
func (e *Engine) StreamLogs(ctx context.Context, id string, since time.Time, follow bool, tailLines int) (<-chan string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.Since = since.Format(time.RFC3339Nano)
	}
	if tailLines > 0 {
		opts.Tail = fmt.Sprintf("%d", tailLines)
	}

	reader, err := e.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, classifyEngineError(id, "stream logs", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		defer reader.Close()
		streamLines(ctx, reader, lines)
	}()
	return lines, nil
}

func loadTLSConfig(opts ClientOptions) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(opts.CertPEM), []byte(opts.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate from PEM: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(opts.CAPEM)) {
		return nil, fmt.Errorf("failed to append CA certificate from PEM")
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool}

	host := opts.Host
	if strings.HasPrefix(host, "tcp://") {
		host = strings.TrimPrefix(host, "tcp://")
		if idx := strings.Index(host, ":"); idx > 0 {
			host = host[:idx]
		}
		tlsConfig.ServerName = host
	}
	return tlsConfig, nil
}

func buildContainerConfig(spec ContainerSpec) (*container.Config, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	exposedPorts := nat.PortSet{}
	for _, p := range spec.Ports {
		exposedPorts[nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))] = struct{}{}
	}

	return &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: exposedPorts,
		Labels:       spec.Labels,
	}, nil
}

func buildHostConfig(spec ContainerSpec) (*container.HostConfig, error) {
	portBindings := nat.PortMap{}
	for _, p := range spec.Ports {
		portBindings[nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", p.HostPort)},
		}
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		if !strings.HasPrefix(m.ContainerPath, "/") {
			return nil, diagnostics.New(diagnostics.KindInvalidMount,
				fmt.Sprintf("container path %q is not absolute", m.ContainerPath),
				map[string]string{"containerPath": m.ContainerPath},
				"use an absolute container path",
				"iris-devtester#invalid-mount")
		}
		mode := m.Mode
		if mode == "" {
			mode = config.ModeRW
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: mode == config.ModeRO,
		})
	}

	return &container.HostConfig{
		PortBindings: portBindings,
		Mounts:       mounts,
	}, nil
}

func toContainerState(resp dockertypes.ContainerJSON) ContainerState {
	state := ContainerState{
		ContainerID: resp.ID,
		Name:        strings.TrimPrefix(resp.Name, "/"),
		Image:       resp.Config.Image,
		Labels:      resp.Config.Labels,
		Ports:       map[int]int{},
	}

	switch {
	case resp.State == nil:
		state.Phase = PhaseAbsent
	case resp.State.Running:
		state.Phase = PhaseRunning
	case resp.State.Dead:
		state.Phase = PhaseRemoving
	default:
		state.Phase = PhaseStopped
	}

	if created, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
		state.CreatedAt = created
	}
	if resp.State != nil {
		if started, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt); err == nil && !started.IsZero() {
			state.StartedAt = &started
		}
		if finished, err := time.Parse(time.RFC3339Nano, resp.State.FinishedAt); err == nil && !finished.IsZero() {
			state.FinishedAt = &finished
		}
	}

	if resp.NetworkSettings != nil {
		for containerPort, bindings := range resp.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			if hostPort, err := strconv.Atoi(bindings[0].HostPort); err == nil {
				state.Ports[containerPort.Int()] = hostPort
			}
		}
	}

	return state
}
