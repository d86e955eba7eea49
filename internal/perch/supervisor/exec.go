package supervisor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/perch-run/perch/common/retry"
)

// ErrExecUnavailable is returned when a command could not be executed even
// after waiting out a container restart window.
var ErrExecUnavailable = errors.New("supervisor: container exec unavailable")

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, e.Stderr)
}

// Exec runs a shell command inside the container and returns its stdout.
// Non-zero exit is an *ExitError carrying stderr.
func (s *Supervisor) Exec(ctx context.Context, containerID, command string) ([]byte, error) {
	execID, err := s.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	resp, err := s.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := s.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return nil, &ExitError{ExitCode: inspect.ExitCode, Stderr: stderr.String()}
	}
	return stdout.Bytes(), nil
}

// ExecResilient runs a command like Exec but rides out container restarts:
// Docker rejects exec on a restarting container with a conflict error, so
// those attempts are retried on a fixed backoff until the restart window
// passes. Other failures, including non-zero exits, surface immediately.
func (s *Supervisor) ExecResilient(ctx context.Context, containerID, command string) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, s.execRetry, func() error {
		var execErr error
		out, execErr = s.Exec(ctx, containerID, command)
		return execErr
	})
	if err != nil {
		if isRestarting(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrExecUnavailable, containerID, err)
		}
		return nil, err
	}
	return out, nil
}

func isRestarting(err error) bool {
	return errdefs.IsConflict(err)
}

// ReadFile reads a file from inside the container. A missing file yields an
// empty result rather than an error.
func (s *Supervisor) ReadFile(ctx context.Context, containerID, path string) ([]byte, error) {
	out, err := s.ExecResilient(ctx, containerID, fmt.Sprintf("cat %q 2>/dev/null || true", path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// WriteFile writes data to a file inside the container. Content travels
// base64-encoded through the shell so arbitrary bytes survive quoting.
func (s *Supervisor) WriteFile(ctx context.Context, containerID, path string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("echo %s | base64 -d > %q", encoded, path)
	if _, err := s.ExecResilient(ctx, containerID, cmd); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
