// Package docker provides a Docker Engine runtime adapter for bot containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/server71234-lang/free-vps/internal/freevps/runtime"
)

const (
	labelManagedBy  = "freevps.managed-by"
	labelInstanceID = "freevps.instance-id"
	managedByValue  = "freevps"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// bootstrapScript fetches the bot bundle and launches it. Containers run a
// plain Node base image; everything the bot needs is pulled at start.
const bootstrapScript = `
set -e
apk add --no-cache wget unzip curl python3 make g++
mkdir -p /app
cd /app
echo "downloading bot bundle..."
wget -q https://github.com/prm123456789/N/archive/refs/heads/main.zip
unzip -q main.zip
cd N-main
echo "installing dependencies..."
npm install
echo "starting bot..."
npm start
`

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client *dockerclient.Client
}

// New creates a new Docker runtime adapter.
// Uses the DOCKER_HOST env var or the default socket path.
func New() (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli}, nil
}

// Ping checks that the Docker daemon is reachable. Used at process start to
// wait out a daemon that is still coming up.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", runtime.ErrUnavailable)
	}
	return nil
}

// Create allocates the bot container without starting it.
func (a *Adapter) Create(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	if spec.InstanceID == "" {
		return runtime.Handle{}, fmt.Errorf("spec.InstanceID is required: %w", runtime.ErrSpecRejected)
	}

	image := spec.Image
	if image == "" {
		image = runtime.DefaultImage
	}
	memory := spec.Memory
	if memory == 0 {
		memory = runtime.MemoryBytes
	}
	memorySwap := spec.MemorySwap
	if memorySwap == 0 {
		memorySwap = runtime.MemorySwapBytes
	}
	cpuShares := spec.CPUShares
	if cpuShares == 0 {
		cpuShares = runtime.CPUShares
	}

	containerName := runtime.ContainerNameFor(spec.InstanceID)
	innerPort := nat.Port(fmt.Sprintf("%d/tcp", runtime.InnerPort))

	// Deterministic env ordering keeps container diffs readable.
	env := []string{
		"NODE_ENV=production",
		fmt.Sprintf("PORT=%d", runtime.InnerPort),
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	containerCfg := &container.Config{
		Image:  image,
		Env:    env,
		Cmd:    []string{"/bin/sh", "-c", bootstrapScript},
		Labels: map[string]string{
			labelManagedBy:  managedByValue,
			labelInstanceID: spec.InstanceID,
		},
		ExposedPorts: nat.PortSet{innerPort: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		// The engine reclaims the container when the bot exits on its own;
		// the reaper handles the lease path.
		AutoRemove:  true,
		NetworkMode: "bridge",
		PortBindings: nat.PortMap{
			// HostPort 0 asks the engine for a dynamic port.
			innerPort: []nat.PortBinding{{HostPort: "0"}},
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memorySwap,
			CPUShares:  cpuShares,
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("create container: %w", classify(err))
	}

	return runtime.Handle{
		InstanceID:    spec.InstanceID,
		ContainerID:   resp.ID,
		ContainerName: containerName,
	}, nil
}

// Start transitions the container to running.
func (a *Adapter) Start(ctx context.Context, handle runtime.Handle) error {
	if err := a.client.ContainerStart(ctx, handle.ContainerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", handle.ContainerID, classify(err))
	}
	return nil
}

// Inspect returns liveness and the dynamically assigned host port.
func (a *Adapter) Inspect(ctx context.Context, handle runtime.Handle) (runtime.Status, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		return runtime.Status{}, fmt.Errorf("inspect container %s: %w", handle.ContainerID, classify(err))
	}

	status := runtime.Status{}
	if inspect.State != nil {
		status.Running = inspect.State.Running
		status.ExitCode = inspect.State.ExitCode
	}

	innerPort := nat.Port(fmt.Sprintf("%d/tcp", runtime.InnerPort))
	if inspect.NetworkSettings != nil {
		if bindings, ok := inspect.NetworkSettings.Ports[innerPort]; ok && len(bindings) > 0 {
			if port, err := strconv.Atoi(bindings[0].HostPort); err == nil {
				status.Port = port
			}
		}
	}

	return status, nil
}

// Stop gracefully stops the container. Already-gone containers are success.
func (a *Adapter) Stop(ctx context.Context, handle runtime.Handle) error {
	timeout := int(stopTimeout.Seconds())
	err := a.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("stop container %s: %w", handle.ContainerID, classify(err))
	}
	return nil
}

// Remove deletes the container. Already-gone containers are success (the
// AutoRemove policy usually beats us to it).
func (a *Adapter) Remove(ctx context.Context, handle runtime.Handle) error {
	err := a.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", handle.ContainerID, classify(err))
	}
	return nil
}

// classify maps engine errors onto the runtime sentinels. Spec-level refusals
// (bad image, invalid limits, name conflicts) become ErrSpecRejected;
// everything else, including timeouts, is ErrUnavailable.
func classify(err error) error {
	switch {
	case errdefs.IsInvalidParameter(err), errdefs.IsConflict(err), errdefs.IsNotFound(err):
		return fmt.Errorf("%v: %w", err, runtime.ErrSpecRejected)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%v: %w", err, runtime.ErrUnavailable)
	default:
		return fmt.Errorf("%v: %w", err, runtime.ErrUnavailable)
	}
}
