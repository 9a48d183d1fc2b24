// Package portregistry coordinates host-port assignment across
// concurrent processes on the same host, so that multiple projects can
// bring up the same kind of container without colliding on a port,
// while keeping assignments stable across restarts of the same
// project.
//
// The registry's state lives in a single JSON file guarded by an
// OS-level advisory lock (github.com/gofrs/flock); no state is cached
// in memory across calls, since a second process can rewrite the file
// at any time.
package portregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
	"github.com/intersystems-community/iris-devtester/internal/logger"
)

// Status is the closed set of states a PortAssignment record can be
// in.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusStale    Status = "stale"
)

// Kind records whether a port was chosen automatically or pinned by
// the caller.
type Kind string

const (
	KindAuto   Kind = "auto"
	KindManual Kind = "manual"
)

const lockTimeout = 5 * time.Second

// DefaultRangeLow and DefaultRangeHigh bound the managed port range
// when the caller does not supply one (spec's resolved Open Question:
// the range is a constructor parameter, defaulting to IRIS's own
// default primary port and a handful above it).
const (
	DefaultRangeLow  = 1972
	DefaultRangeHigh = 1981
)

// PortAssignment is one record in the registry file.
type PortAssignment struct {
	ProjectPath   string    `json:"projectPath"`
	ContainerName string    `json:"containerName"`
	Port          int       `json:"port"`
	Kind          Kind      `json:"kind"`
	Status        Status    `json:"status"`
	AssignedAt    time.Time `json:"assignedAt"`
}

// currentSchemaVersion is the only schemaVersion this Registry can
// safely read and rewrite (spec's PortRegistryFile envelope).
const currentSchemaVersion = "1.0"

// file is the on-disk envelope: {"schemaVersion","createdAt","assignments"}.
// Fields outside that trio are preserved verbatim across a rewrite by
// this version, so a newer writer's additions survive an older reader.
type file struct {
	SchemaVersion string           `json:"-"`
	CreatedAt     time.Time        `json:"-"`
	Assignments   []PortAssignment `json:"-"`
	extra         map[string]json.RawMessage
}

// UnmarshalJSON peels off the three known fields and keeps everything
// else in extra, so a rewrite by this version round-trips fields a
// newer schemaVersion might have added.
func (f *file) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["schemaVersion"]; ok {
		if err := json.Unmarshal(v, &f.SchemaVersion); err != nil {
			return fmt.Errorf("schemaVersion: %w", err)
		}
		delete(raw, "schemaVersion")
	}
	if v, ok := raw["createdAt"]; ok {
		if err := json.Unmarshal(v, &f.CreatedAt); err != nil {
			return fmt.Errorf("createdAt: %w", err)
		}
		delete(raw, "createdAt")
	}
	if v, ok := raw["assignments"]; ok {
		if err := json.Unmarshal(v, &f.Assignments); err != nil {
			return fmt.Errorf("assignments: %w", err)
		}
		delete(raw, "assignments")
	}
	f.extra = raw
	return nil
}

// MarshalJSON re-emits the three known fields alongside whatever
// unknown fields UnmarshalJSON captured.
func (f *file) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(f.extra)+3)
	for k, v := range f.extra {
		out[k] = v
	}

	schemaVersion, err := json.Marshal(f.SchemaVersion)
	if err != nil {
		return nil, err
	}
	out["schemaVersion"] = schemaVersion

	createdAt, err := json.Marshal(f.CreatedAt)
	if err != nil {
		return nil, err
	}
	out["createdAt"] = createdAt

	assignments, err := json.Marshal(f.Assignments)
	if err != nil {
		return nil, err
	}
	out["assignments"] = assignments

	return json.Marshal(out)
}

// Registry is the PortRegistry component. It is safe for concurrent
// use both within a process and across processes on the same host.
type Registry struct {
	path      string
	lockPath  string
	rangeLow  int
	rangeHigh int
	gateway   dockergateway.Gateway
	namePrefix string
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithRange overrides the managed port range (inclusive on both
// ends).
func WithRange(low, high int) Option {
	return func(r *Registry) { r.rangeLow, r.rangeHigh = low, high }
}

// WithNamePrefix overrides the container-name prefix used to query
// Docker for in-use ports during Assign. CleanupStale does not use it:
// it inspects each record's own containerName.
func WithNamePrefix(prefix string) Option {
	return func(r *Registry) { r.namePrefix = prefix }
}

// New creates a Registry backed by dir/port-registry.json (and its
// sibling .lock file), lazily created with 0700/0600 permissions.
func New(dir string, gateway dockergateway.Gateway, opts ...Option) *Registry {
	r := &Registry{
		path:      filepath.Join(dir, "port-registry.json"),
		lockPath:  filepath.Join(dir, "port-registry.json.lock"),
		rangeLow:  DefaultRangeLow,
		rangeHigh: DefaultRangeHigh,
		gateway:   gateway,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Assign returns the existing PortAssignment for projectPath if one is
// active, otherwise computes and persists a new one. See spec for the
// full seven-step semantics; summarized: idempotent on repeat calls,
// rejects a preferred port that conflicts with an existing record for
// a *different* project, and otherwise picks the lowest free port in
// the managed range.
func (r *Registry) Assign(ctx context.Context, projectPath, containerName string, preferred int) (PortAssignment, error) {
	projectPath, err := normalizeProjectPath(projectPath)
	if err != nil {
		return PortAssignment{}, err
	}
	log := logger.GetLogger(ctx)

	var result PortAssignment
	err = r.withLock(ctx, func(f *file) (bool, error) {
		if existing, ok := findActive(f, projectPath); ok {
			if preferred != 0 && preferred != existing.Port {
				return false, diagnostics.New(diagnostics.KindPortConflict,
					fmt.Sprintf("project %s is already assigned port %d, cannot reassign to %d", projectPath, existing.Port, preferred),
					map[string]string{"projectPath": projectPath, "assignedPort": fmt.Sprintf("%d", existing.Port), "preferredPort": fmt.Sprintf("%d", preferred)},
					"release the project before requesting a different port",
					"iris-devtester#port-conflict")
			}
			result = existing
			return false, nil
		}

		inUse, err := r.inUsePorts(ctx, f, "")
		if err != nil {
			return false, err
		}

		var port int
		var kind Kind
		if preferred != 0 {
			if owner, taken := inUse[preferred]; taken && owner != projectPath {
				return false, diagnostics.New(diagnostics.KindPortConflict,
					fmt.Sprintf("preferred port %d is already in use by %s", preferred, owner),
					map[string]string{"preferredPort": fmt.Sprintf("%d", preferred), "owner": owner},
					"choose a different preferred port, or release the owning project",
					"iris-devtester#port-conflict")
			}
			port, kind = preferred, KindManual
		} else {
			free, ok := lowestFree(r.rangeLow, r.rangeHigh, inUse)
			if !ok {
				return false, diagnostics.New(diagnostics.KindPortsExhausted,
					fmt.Sprintf("no free port in managed range %d-%d", r.rangeLow, r.rangeHigh),
					map[string]string{"activeAssignments": describeActive(f)},
					"release an unused project, or widen the managed range",
					"iris-devtester#ports-exhausted")
			}
			port, kind = free, KindAuto
		}

		result = PortAssignment{
			ProjectPath:   projectPath,
			ContainerName: containerName,
			Port:          port,
			Kind:          kind,
			Status:        StatusActive,
			AssignedAt:    time.Now(),
		}
		f.Assignments = append(f.Assignments, result)
		return true, nil
	})
	if err != nil {
		return PortAssignment{}, err
	}
	log.Debug("assigned port", zap.String("projectPath", projectPath), zap.String("containerName", containerName), zap.Int("port", result.Port), zap.String("kind", string(result.Kind)))
	return result, nil
}

// Release marks projectPath's record released and removes it from the
// file. Releasing an absent project succeeds with no effect.
func (r *Registry) Release(ctx context.Context, projectPath string) error {
	projectPath, err := normalizeProjectPath(projectPath)
	if err != nil {
		return err
	}

	err = r.withLock(ctx, func(f *file) (bool, error) {
		kept := f.Assignments[:0]
		changed := false
		for _, a := range f.Assignments {
			if a.ProjectPath == projectPath && a.Status == StatusActive {
				changed = true
				continue
			}
			kept = append(kept, a)
		}
		f.Assignments = kept
		return changed, nil
	})
	if err == nil {
		logger.GetLogger(ctx).Debug("released port assignment", zap.String("projectPath", projectPath))
	}
	return err
}

// Get returns the assignment for projectPath, if any.
func (r *Registry) Get(ctx context.Context, projectPath string) (PortAssignment, bool, error) {
	projectPath, err := normalizeProjectPath(projectPath)
	if err != nil {
		return PortAssignment{}, false, err
	}

	var result PortAssignment
	var found bool
	err = r.withLock(ctx, func(f *file) (bool, error) {
		result, found = findActive(f, projectPath)
		return false, nil
	})
	return result, found, err
}

// List returns every assignment currently in the file.
func (r *Registry) List(ctx context.Context) ([]PortAssignment, error) {
	var all []PortAssignment
	err := r.withLock(ctx, func(f *file) (bool, error) {
		all = append(all, f.Assignments...)
		return false, nil
	})
	return all, err
}

// Clear drops all records. Administrative: used by tests and a
// user-invoked reset command.
func (r *Registry) Clear(ctx context.Context) error {
	return r.withLock(ctx, func(f *file) (bool, error) {
		changed := len(f.Assignments) > 0
		f.Assignments = nil
		return changed, nil
	})
}

// CleanupStale evicts every active record whose containerName no
// longer resolves to any Docker container, in any state. A merely
// stopped container still holds its reservation.
func (r *Registry) CleanupStale(ctx context.Context) ([]PortAssignment, error) {
	var evicted []PortAssignment
	var errs *multierror.Error

	err := r.withLock(ctx, func(f *file) (bool, error) {
		kept := make([]PortAssignment, 0, len(f.Assignments))
		changed := false
		for _, a := range f.Assignments {
			if a.Status != StatusActive || a.ContainerName == "" {
				kept = append(kept, a)
				continue
			}

			state, err := r.gateway.InspectContainer(ctx, a.ContainerName)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("checking %s: %w", a.ContainerName, err))
				kept = append(kept, a)
				continue
			}
			if state.Phase == dockergateway.PhaseAbsent {
				a.Status = StatusStale
				evicted = append(evicted, a)
				changed = true
				continue
			}
			kept = append(kept, a)
		}
		f.Assignments = kept
		return changed, nil
	})
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if len(evicted) > 0 {
		logger.GetLogger(ctx).Info("evicted stale port assignments", zap.Int("count", len(evicted)))
	}
	return evicted, errs.ErrorOrNil()
}

// inUsePorts returns the set of ports reserved by other active
// records, unioned with ports bound by any matching Docker container,
// mapped to the owning projectPath (empty string if owned only by a
// live container with no registry record).
func (r *Registry) inUsePorts(ctx context.Context, f *file, excludeProject string) (map[int]string, error) {
	inUse := map[int]string{}
	for _, a := range f.Assignments {
		if a.Status != StatusActive || a.ProjectPath == excludeProject {
			continue
		}
		inUse[a.Port] = a.ProjectPath
	}

	states, err := r.gateway.ListContainers(ctx, r.namePrefix)
	if err != nil {
		return nil, diagnostics.Wrap(diagnostics.KindEngineUnavailable,
			"failed to query docker for in-use ports", err, nil,
			"verify the docker engine is reachable", "iris-devtester#engine-unavailable")
	}
	for _, s := range states {
		for _, hostPort := range s.Ports {
			if _, already := inUse[hostPort]; !already {
				inUse[hostPort] = ""
			}
		}
	}
	return inUse, nil
}

func lowestFree(low, high int, inUse map[int]string) (int, bool) {
	for p := low; p <= high; p++ {
		if _, taken := inUse[p]; !taken {
			return p, true
		}
	}
	return 0, false
}

func findActive(f *file, projectPath string) (PortAssignment, bool) {
	for _, a := range f.Assignments {
		if a.ProjectPath == projectPath && a.Status == StatusActive {
			return a, true
		}
	}
	return PortAssignment{}, false
}

func describeActive(f *file) string {
	active := make([]string, 0, len(f.Assignments))
	for _, a := range f.Assignments {
		if a.Status == StatusActive {
			active = append(active, fmt.Sprintf("%s:%d", a.ProjectPath, a.Port))
		}
	}
	sort.Strings(active)
	return fmt.Sprintf("%v", active)
}

func normalizeProjectPath(p string) (string, error) {
	if p == "" {
		return "", diagnostics.New(diagnostics.KindInvalidConfig,
			"projectPath must not be empty", nil,
			"pass the project's working directory", "iris-devtester#invalid-config")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", diagnostics.Wrap(diagnostics.KindInvalidConfig,
			"failed to resolve projectPath to an absolute path", err,
			map[string]string{"projectPath": p}, "pass a valid filesystem path",
			"iris-devtester#invalid-config")
	}
	return filepath.Clean(abs), nil
}

// withLock acquires the cross-process file lock, loads the current
// file, runs fn, and — if fn reports a change — writes the file back
// atomically before releasing the lock. Every call reloads from disk;
// nothing is cached across calls. ctx may be nil, in which case
// logging falls back to the package default and the lock wait is
// bounded only by lockTimeout.
func (r *Registry) withLock(ctx context.Context, fn func(f *file) (changed bool, err error)) error {
	log := logger.GetLogger(ctx)

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			"failed to create registry directory", err,
			map[string]string{"path": filepath.Dir(r.path)}, "check filesystem permissions",
			"iris-devtester#registry-unreachable")
	}

	fl := flock.New(r.lockPath)
	if ctx == nil {
		ctx = context.Background()
	}
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		log.Warn("failed to acquire port registry lock", zap.String("lockPath", r.lockPath))
		return diagnostics.New(diagnostics.KindLockTimeout,
			"failed to acquire port registry lock within 5s",
			map[string]string{"lockPath": r.lockPath},
			"check for a stuck process holding the lock, or remove the .lock file if no process is running",
			"iris-devtester#lock-timeout")
	}
	defer fl.Unlock()

	f, err := r.load()
	if err != nil {
		return err
	}

	changed, err := fn(f)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return r.save(f)
}

func (r *Registry) load() (*file, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &file{SchemaVersion: currentSchemaVersion, CreatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			"failed to read port registry file", err,
			map[string]string{"path": r.path}, "check filesystem permissions",
			"iris-devtester#registry-unreachable")
	}
	if len(data) == 0 {
		return &file{SchemaVersion: currentSchemaVersion, CreatedAt: time.Now()}, nil
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, diagnostics.Wrap(diagnostics.KindRegistryCorrupted,
			fmt.Sprintf("port registry file %s is not valid JSON", r.path), err,
			map[string]string{"path": r.path}, "run the registry Clear operation to reset it",
			"iris-devtester#registry-corrupted")
	}

	// A reader must never mutate a file written by an incompatible
	// schema: it cannot know what a newer or older assignment shape
	// means, and rewriting it would risk discarding real state.
	if f.SchemaVersion != currentSchemaVersion {
		return nil, diagnostics.New(diagnostics.KindRegistryCorrupted,
			fmt.Sprintf("port registry file %s has schemaVersion %q, expected %q", r.path, f.SchemaVersion, currentSchemaVersion),
			map[string]string{"path": r.path, "schemaVersion": f.SchemaVersion},
			"upgrade this tool, or reset the registry with the ports clear command",
			"iris-devtester#registry-corrupted")
	}
	return &f, nil
}

func (r *Registry) save(f *file) error {
	f.SchemaVersion = currentSchemaVersion
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			"failed to marshal port registry file", err, nil, "",
			"iris-devtester#registry-unreachable")
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".port-registry-*.tmp")
	if err != nil {
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			"failed to create temp file for atomic write", err, nil, "",
			"iris-devtester#registry-unreachable")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			"failed to write temp file", err, nil, "", "iris-devtester#registry-unreachable")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			"failed to chmod temp file", err, nil, "", "iris-devtester#registry-unreachable")
	}
	if err := tmp.Close(); err != nil {
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			"failed to close temp file", err, nil, "", "iris-devtester#registry-unreachable")
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			"failed to atomically replace port registry file", err, nil, "",
			"iris-devtester#registry-unreachable")
	}
	return nil
}
