package dockergateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/client"

	"github.com/intersystems-community/iris-devtester/internal/diagnostics"
)

// classifyPullError maps an ImagePull error to a diagnostics.Error.
// Docker surfaces "not found" and registry-connectivity failures as
// plain fmt-wrapped strings rather than typed errors, so this
// necessarily does substring matching, the same way the teacher's
// pullImage error handling does.
func classifyPullError(ref string, err error) error {
	msg := err.Error()
	ctx := map[string]string{"image": ref}

	switch {
	case client.IsErrNotFound(err), strings.Contains(msg, "not found"), strings.Contains(msg, "manifest unknown"):
		return diagnostics.Wrap(diagnostics.KindImageNotFound,
			fmt.Sprintf("image %s not found", ref), err, ctx,
			"check the image name and tag, or the edition/imageTag configuration",
			"iris-devtester#image-not-found")
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"):
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			fmt.Sprintf("could not reach registry for %s", ref), err, ctx,
			"check network connectivity to the registry, or configure a mirror",
			"iris-devtester#registry-unreachable")
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authentication required"):
		return diagnostics.Wrap(diagnostics.KindRegistryUnreachable,
			fmt.Sprintf("not authorized to pull %s", ref), err, ctx,
			"check registry credentials",
			"iris-devtester#registry-unauthorized")
	default:
		return diagnostics.Wrap(diagnostics.KindEngineUnavailable,
			fmt.Sprintf("failed to pull %s", ref), err, ctx,
			"check docker engine availability",
			"iris-devtester#pull-failed")
	}
}

// classifyCreateError maps a ContainerCreate error to a
// diagnostics.Error.
func classifyCreateError(name string, err error) error {
	msg := err.Error()
	ctx := map[string]string{"containerName": name}

	switch {
	case strings.Contains(msg, "already in use"), strings.Contains(msg, "Conflict"):
		return diagnostics.Wrap(diagnostics.KindNameInUse,
			fmt.Sprintf("container name %s already in use", name), err, ctx,
			"choose a different containerName, or remove the existing container",
			"iris-devtester#name-in-use")
	case strings.Contains(msg, "port is already allocated"), strings.Contains(msg, "address already in use"):
		return diagnostics.Wrap(diagnostics.KindPortAlreadyBound,
			"a requested port is already bound", err, ctx,
			"choose a different port, or stop the process holding it",
			"iris-devtester#port-already-bound")
	case strings.Contains(msg, "invalid mount config"), strings.Contains(msg, "bind source path does not exist"):
		return diagnostics.Wrap(diagnostics.KindInvalidMount,
			"invalid volume mount", err, ctx,
			"verify the host path exists and is accessible",
			"iris-devtester#invalid-mount")
	default:
		return classifyEngineError(name, "create container", err)
	}
}

// classifyEngineError is the fallback classifier for operations with
// no more specific failure mode of their own.
func classifyEngineError(id, op string, err error) error {
	ctx := map[string]string{}
	if id != "" {
		ctx["containerId"] = id
	}

	switch {
	case errors.Is(err, context.Canceled):
		return diagnostics.Wrap(diagnostics.KindCancelled, op+" canceled", err, ctx, "", "")
	case errors.Is(err, context.DeadlineExceeded):
		return diagnostics.Wrap(diagnostics.KindDeadlineExceeded, op+" timed out", err, ctx,
			"retry with a longer timeout, or check engine load", "iris-devtester#deadline-exceeded")
	case client.IsErrNotFound(err):
		return diagnostics.Wrap(diagnostics.KindContainerNotFound,
			fmt.Sprintf("container not found during %s", op), err, ctx,
			"verify the container exists", "iris-devtester#container-not-found")
	case client.IsErrConnectionFailed(err):
		return diagnostics.Wrap(diagnostics.KindEngineUnavailable,
			fmt.Sprintf("docker engine unreachable during %s", op), err, ctx,
			"verify the docker daemon is running and reachable",
			"iris-devtester#engine-unavailable")
	default:
		return diagnostics.Wrap(diagnostics.KindEngineUnavailable,
			fmt.Sprintf("%s failed", op), err, ctx,
			"check docker engine logs for details", "iris-devtester#engine-error")
	}
}

func isConflict(err error) bool {
	return strings.Contains(err.Error(), "Conflict") || strings.Contains(err.Error(), "is not stopped")
}

// drain reads r to completion and discards the bytes, matching the
// teacher's treatment of the ImagePull progress stream: the content is
// not used, only full consumption (and any read error) matters.
func drain(r io.Reader) (int64, error) {
	return io.Copy(io.Discard, r)
}
