// Package supervisor drives runtime containers through the Docker Engine
// API: create-and-start with published gateway ports and tier resource
// limits, lifecycle transitions, and in-container command execution.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/perch-run/perch/common/retry"
)

const (
	labelManagedBy  = "perch.managed-by"
	labelTenantID   = "perch.tenant-id"
	labelInstanceID = "perch.instance-id"
	managedByValue  = "perch"

	// gatewayPort is where the runtime's socket server listens inside the
	// container; the instance's host port is published onto it.
	gatewayPort = 9400

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// ErrNoContainer is returned for operations on an instance whose container
// is gone from the Docker host.
var ErrNoContainer = errors.New("supervisor: container not found")

// dockerAPI is the slice of the Docker client the supervisor uses. Narrow on
// purpose so tests can fake it.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Spec describes the container to create for an instance.
type Spec struct {
	InstanceID string
	TenantID   string
	Image      string
	// HostPort is published to the runtime's gateway port, loopback only.
	HostPort int
	// Volume is the named volume mounted at /data.
	Volume string
	Env    map[string]string
	// MemoryMB and CPUs are the tier resource ceilings.
	MemoryMB int64
	CPUs     float64
}

// State is a container's observed runtime state.
type State struct {
	Exists    bool
	Running   bool
	Status    string // docker status string: running, exited, restarting, ...
	ExitCode  int
	StartedAt time.Time
}

// Supervisor wraps a Docker client scoped to perch-managed containers.
type Supervisor struct {
	client    dockerAPI
	execRetry retry.Config
}

func defaultExecRetry() retry.Config {
	return retry.Config{MaxAttempts: 5, Delay: 3 * time.Second, ShouldRetry: isRestarting}
}

// New connects to the Docker Engine via DOCKER_HOST or the default socket.
func New() (*Supervisor, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Supervisor{client: cli, execRetry: defaultExecRetry()}, nil
}

// NewWithClient builds a supervisor over an existing client. Used by tests.
func NewWithClient(client dockerAPI) *Supervisor {
	return &Supervisor{client: client, execRetry: defaultExecRetry()}
}

// ContainerNameFor derives the container name for an instance.
func ContainerNameFor(instanceID string) string {
	return "perch-" + instanceID
}

// CreateAndStart creates the instance container and starts it. The gateway
// port is published on loopback only; the reverse proxy in front of perchd is
// the sole public entry. On start failure the created container is removed
// so a retry does not collide on the name.
func (s *Supervisor) CreateAndStart(ctx context.Context, spec Spec) (containerID string, err error) {
	if spec.Image == "" {
		return "", fmt.Errorf("spec.Image is required")
	}
	if spec.HostPort == 0 {
		return "", fmt.Errorf("spec.HostPort is required")
	}

	env := []string{
		fmt.Sprintf("PERCH_INSTANCE_ID=%s", spec.InstanceID),
		fmt.Sprintf("PERCH_TENANT_ID=%s", spec.TenantID),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	portKey := nat.Port(fmt.Sprintf("%d/tcp", gatewayPort))

	containerCfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			labelManagedBy:  managedByValue,
			labelTenantID:   spec.TenantID,
			labelInstanceID: spec.InstanceID,
		},
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Binds:         []string{spec.Volume + ":/data"},
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(spec.HostPort),
			}},
		},
		Resources: container.Resources{
			Memory:   spec.MemoryMB << 20,
			NanoCPUs: int64(spec.CPUs * 1e9),
		},
	}

	resp, err := s.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, ContainerNameFor(spec.InstanceID))
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup
		_ = s.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	return resp.ID, nil
}

// Start starts a previously stopped container.
func (s *Supervisor) Start(ctx context.Context, containerID string) error {
	if err := s.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNoContainer, containerID)
		}
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// Stop gracefully stops a container. Stopping an already-stopped container
// is not an error.
func (s *Supervisor) Stop(ctx context.Context, containerID string) error {
	timeout := int(stopTimeout.Seconds())
	if err := s.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNoContainer, containerID)
		}
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// Restart stops and starts the container.
func (s *Supervisor) Restart(ctx context.Context, containerID string) error {
	timeout := int(stopTimeout.Seconds())
	if err := s.client.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNoContainer, containerID)
		}
		return fmt.Errorf("restart container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes the container after a best-effort graceful stop. The
// data volume is left in place for soft-deleted instances.
func (s *Supervisor) Remove(ctx context.Context, containerID string) error {
	_ = s.Stop(ctx, containerID)
	if err := s.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}

// Inspect reports the container's current state. A vanished container is
// reported as Exists=false, not as an error, so reconciliation and status
// reads degrade gracefully.
func (s *Supervisor) Inspect(ctx context.Context, containerID string) (State, error) {
	inspect, err := s.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("inspect container: %w", err)
	}
	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	return State{
		Exists:    true,
		Running:   inspect.State.Running,
		Status:    inspect.State.Status,
		ExitCode:  inspect.State.ExitCode,
		StartedAt: startedAt,
	}, nil
}

// UsedPorts reports the host ports currently published by perch-managed
// containers, running or not. Satisfies the port allocator's Source.
func (s *Supervisor) UsedPorts(ctx context.Context) ([]int, error) {
	containers, err := s.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var ports []int
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports = append(ports, int(p.PublicPort))
			}
		}
	}
	return ports, nil
}

// ListManaged returns container IDs of all perch-managed containers keyed by
// instance ID label. Used by the reconciler.
func (s *Supervisor) ListManaged(ctx context.Context) (map[string]string, error) {
	containers, err := s.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make(map[string]string, len(containers))
	for _, c := range containers {
		if id := c.Labels[labelInstanceID]; id != "" {
			out[id] = c.ID
		}
	}
	return out, nil
}
