// Package healthcheck answers "is this container usable?" at three
// increasing levels of assurance, each bounded by its own latency
// budget, and caches the answer briefly to keep repeated callers from
// hammering the engine or the database.
package healthcheck

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intersystems-community/iris-devtester/internal/dockergateway"
	"github.com/intersystems-community/iris-devtester/internal/logger"
)

// Level is the closed set of assurance levels a caller can request.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelStandard Level = "standard"
	LevelFull     Level = "full"
)

// Budget is the maximum time Validate spends at each level before
// returning unhealthy with a timeout diagnostic.
var Budget = map[Level]time.Duration{
	LevelMinimal:  500 * time.Millisecond,
	LevelStandard: 1000 * time.Millisecond,
	LevelFull:     2000 * time.Millisecond,
}

// cacheTTL is how long a cached result remains valid. A cache hit
// never returns a result older than this.
const cacheTTL = 5 * time.Second

// Status is the closed set of outcomes Validate can report.
type Status string

const (
	StatusHealthy              Status = "healthy"
	StatusRunningNotAccessible Status = "runningNotAccessible"
	StatusNotRunning           Status = "notRunning"
	StatusNotFound             Status = "notFound"
	StatusStaleReference       Status = "staleReference"
	StatusEngineError          Status = "engineError"
)

// Result is the outcome of a single Validate call.
type Result struct {
	Status    Status
	Level     Level
	CheckedAt time.Time
	LatencyMs int64
	Detail    string
}

func (r Result) healthy() bool { return r.Status == StatusHealthy }

// Checker is the HealthChecker component. It never mutates container
// state; its only side effects are populating its own cache and
// remembering, per container name, the last containerID it resolved —
// the memory staleReference needs to recognize a rename or recreate.
type Checker struct {
	gateway dockergateway.Gateway
	cache   *cache
	dialer  func(ctx context.Context, network, address string) (net.Conn, error)

	mu       sync.Mutex
	lastSeen map[string]string
}

// New creates a Checker backed by gateway.
func New(gateway dockergateway.Gateway) *Checker {
	return &Checker{
		gateway:  gateway,
		cache:    newCache(),
		dialer:   (&net.Dialer{}).DialContext,
		lastSeen: map[string]string{},
	}
}

// Validate checks containerName at the requested level, consulting
// the cache first. Each level is a strict superset of the previous;
// the checker aborts at the first failing sub-check.
func (c *Checker) Validate(ctx context.Context, containerName string, level Level, primaryPort int) Result {
	if cached, ok := c.cache.get(containerName, level); ok {
		return cached
	}

	budget, ok := Budget[level]
	if !ok {
		budget = Budget[LevelFull]
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	result := c.validateMinimal(ctx, containerName)
	if level == LevelMinimal || !result.healthy() {
		result.LatencyMs = time.Since(start).Milliseconds()
		c.cache.set(containerName, level, result)
		return result
	}

	result = c.validateStandard(ctx, containerName, result)
	if level == LevelStandard || !result.healthy() {
		result.LatencyMs = time.Since(start).Milliseconds()
		c.cache.set(containerName, level, result)
		return result
	}

	result = c.validateFull(ctx, containerName, primaryPort, result)
	result.LatencyMs = time.Since(start).Milliseconds()
	c.cache.set(containerName, level, result)
	return result
}

// Invalidate clears every cached result for containerName and forgets
// the containerID it last resolved to. Called by the lifecycle on any
// mutating operation (Start, Stop, Remove) — after a Remove in
// particular, a subsequent absence is an ordinary notFound, not a
// staleReference, since this process caused it deliberately.
func (c *Checker) Invalidate(containerName string) {
	c.cache.invalidate(containerName)
	c.mu.Lock()
	delete(c.lastSeen, containerName)
	c.mu.Unlock()
}

// validateMinimal resolves containerName and classifies its phase. A
// name that used to resolve to a containerID within this process but
// now resolves to nothing is reported staleReference rather than
// notFound — the rename/recreate this process observed is actionable
// information a bare "not found" would throw away.
func (c *Checker) validateMinimal(ctx context.Context, containerName string) Result {
	now := time.Now()

	state, err := c.gateway.InspectContainer(ctx, containerName)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Status: StatusEngineError, Level: LevelMinimal, CheckedAt: now, Detail: "timed out inspecting container"}
		}
		return Result{Status: StatusEngineError, Level: LevelMinimal, CheckedAt: now, Detail: err.Error()}
	}

	switch state.Phase {
	case dockergateway.PhaseAbsent:
		if priorID, tracked := c.priorID(containerName); tracked {
			logger.GetLogger(ctx).Warn("container name no longer resolves to its previously observed id",
				zap.String("containerName", containerName), zap.String("priorContainerId", priorID))
			return Result{Status: StatusStaleReference, Level: LevelMinimal, CheckedAt: now, Detail: "previously resolved to " + priorID}
		}
		return Result{Status: StatusNotFound, Level: LevelMinimal, CheckedAt: now}
	case dockergateway.PhaseRunning:
		c.remember(containerName, state.ContainerID)
		return Result{Status: StatusHealthy, Level: LevelMinimal, CheckedAt: now}
	default:
		c.remember(containerName, state.ContainerID)
		return Result{Status: StatusNotRunning, Level: LevelMinimal, CheckedAt: now, Detail: string(state.Phase)}
	}
}

func (c *Checker) remember(containerName, containerID string) {
	if containerID == "" {
		return
	}
	c.mu.Lock()
	c.lastSeen[containerName] = containerID
	c.mu.Unlock()
}

func (c *Checker) priorID(containerName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.lastSeen[containerName]
	return id, ok
}

func (c *Checker) validateStandard(ctx context.Context, containerName string, prior Result) Result {
	now := time.Now()

	res, err := c.gateway.ExecInContainer(ctx, containerName, []string{"true"}, "")
	if err != nil {
		if ctx.Err() != nil {
			return Result{Status: StatusRunningNotAccessible, Level: LevelStandard, CheckedAt: now, Detail: "exec timed out"}
		}
		return Result{Status: StatusRunningNotAccessible, Level: LevelStandard, CheckedAt: now, Detail: err.Error()}
	}
	if res.ExitCode != 0 {
		return Result{Status: StatusRunningNotAccessible, Level: LevelStandard, CheckedAt: now, Detail: res.Stderr}
	}
	return Result{Status: StatusHealthy, Level: LevelStandard, CheckedAt: now}
}

func (c *Checker) validateFull(ctx context.Context, containerName string, primaryPort int, prior Result) Result {
	now := time.Now()

	state, err := c.gateway.InspectContainer(ctx, containerName)
	if err != nil {
		return Result{Status: StatusEngineError, Level: LevelFull, CheckedAt: now, Detail: err.Error()}
	}

	hostPort, bound := state.Ports[primaryPort]
	if !bound {
		return Result{Status: StatusRunningNotAccessible, Level: LevelFull, CheckedAt: now, Detail: "primary port not published"}
	}

	conn, err := c.dialer(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort)))
	if err != nil {
		return Result{Status: StatusRunningNotAccessible, Level: LevelFull, CheckedAt: now, Detail: err.Error()}
	}
	conn.Close()

	return Result{Status: StatusHealthy, Level: LevelFull, CheckedAt: now}
}
