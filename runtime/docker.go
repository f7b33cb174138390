package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DockerRuntime implements ContainerRuntime against the local Docker CLI.
type DockerRuntime struct {
	logger *zap.Logger
}

// NewDockerRuntime creates a Docker-backed container runtime.
func NewDockerRuntime(logger *zap.Logger) *DockerRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRuntime{logger: logger.With(zap.String("component", "docker"))}
}

// Launch starts a container detached and returns its id.
func (d *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	args := []string{"run", "--detach", "--name", spec.Name}

	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for vol, mount := range spec.Volumes {
		args = append(args, "-v", fmt.Sprintf("%s:%s", vol, mount))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	d.logger.Debug("launching container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
		zap.String("network", spec.Network))

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("docker run failed: %w", err)
	}
	return Handle(strings.TrimSpace(out)), nil
}

// Poll inspects a container and folds its Docker state into a phase.
func (d *DockerRuntime) Poll(ctx context.Context, h Handle) (ContainerState, error) {
	out, err := d.run(ctx, "inspect", "--format",
		"{{.State.Status}} {{.State.ExitCode}} {{.State.Error}}", string(h))
	if err != nil {
		return ContainerState{Phase: PhaseUnknown}, fmt.Errorf("docker inspect failed: %w", err)
	}

	fields := strings.SplitN(strings.TrimSpace(out), " ", 3)
	status := fields[0]
	exitCode := 0
	if len(fields) > 1 {
		exitCode, _ = strconv.Atoi(fields[1])
	}

	switch status {
	case "created":
		return ContainerState{Phase: PhasePending, WaitingReason: ReasonContainerCreating}, nil
	case "restarting":
		return ContainerState{Phase: PhasePending, WaitingReason: ReasonCrashLoopBackOff}, nil
	case "running", "paused", "removing":
		return ContainerState{Phase: PhaseRunning}, nil
	case "exited":
		if exitCode == 0 {
			return ContainerState{Phase: PhaseSucceeded}, nil
		}
		return ContainerState{Phase: PhaseFailed, ExitCode: exitCode}, nil
	case "dead":
		return ContainerState{Phase: PhaseFailed, ExitCode: exitCode}, nil
	default:
		return ContainerState{Phase: PhaseUnknown}, nil
	}
}

// Logs returns the container's combined stdout/stderr.
func (d *DockerRuntime) Logs(ctx context.Context, h Handle) (string, error) {
	out, err := d.run(ctx, "logs", string(h))
	if err != nil {
		return "", fmt.Errorf("docker logs failed: %w", err)
	}
	return out, nil
}

// Remove deletes a container, killing it if needed.
func (d *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	if _, err := d.run(ctx, "rm", "-f", string(h)); err != nil {
		return fmt.Errorf("docker rm failed: %w", err)
	}
	return nil
}

// Kill force-terminates a running container.
func (d *DockerRuntime) Kill(ctx context.Context, h Handle) error {
	if _, err := d.run(ctx, "kill", string(h)); err != nil {
		return fmt.Errorf("docker kill failed: %w", err)
	}
	return nil
}

// Pull fetches an image from its registry.
func (d *DockerRuntime) Pull(ctx context.Context, image string) error {
	d.logger.Debug("pulling image", zap.String("image", image))
	if _, err := d.run(ctx, "pull", image); err != nil {
		return fmt.Errorf("docker pull failed: %w", err)
	}
	return nil
}

// ListByLabels returns the ids of all containers carrying every given
// label, running or not.
func (d *DockerRuntime) ListByLabels(ctx context.Context, labels map[string]string) ([]Handle, error) {
	args := []string{"ps", "--all", "--quiet"}
	for k, v := range labels {
		args = append(args, "--filter", fmt.Sprintf("label=%s=%s", k, v))
	}
	out, err := d.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("docker ps failed: %w", err)
	}

	var handles []Handle
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			handles = append(handles, Handle(line))
		}
	}
	return handles, nil
}

// CreateVolume creates a named volume. Creating an existing volume is
// not an error.
func (d *DockerRuntime) CreateVolume(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "volume", "create", name); err != nil {
		return fmt.Errorf("docker volume create failed: %w", err)
	}
	return nil
}

// CreateNetwork creates the isolated bridge network. With internal set,
// containers on it get no default egress.
func (d *DockerRuntime) CreateNetwork(ctx context.Context, name string, internal bool) error {
	args := []string{"network", "create", "--driver", "bridge"}
	if internal {
		args = append(args, "--internal")
	}
	args = append(args, name)
	if _, err := d.run(ctx, args...); err != nil {
		// The daemon reports the conflict on stderr, which run() folds
		// into the error. A surviving network is reused, not fatal.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("docker network create failed: %w", err)
	}
	return nil
}

// RemoveNetwork tears the isolated network down.
func (d *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "network", "rm", name); err != nil {
		return fmt.Errorf("docker network rm failed: %w", err)
	}
	return nil
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s", msg)
	}
	return stdout.String(), nil
}
