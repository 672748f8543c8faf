// Package sandbox runs high-risk capability executions inside locked-down
// containers. The container profile is fixed: no network, read-only
// rootfs, dropped capabilities, and hard CPU, memory, and wall-clock
// limits. When the runtime is unavailable, high-risk executions are
// refused rather than run unconfined.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/agentos-dev/agentos/internal/observability"
)

// containerAPI is the slice of the Docker client the sandbox uses.
type containerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// ErrUnavailable reports that the container runtime cannot be reached.
// Callers refuse high-risk executions on this error instead of falling
// back to the host.
var ErrUnavailable = errors.New("sandbox runtime unavailable")

// ExitUnavailable is the process exit code for a refused high-risk
// execution when no sandbox is available.
const ExitUnavailable = 451

// Container profile limits.
const (
	nanoCPUs      = 500_000_000 // 0.5 CPU
	memoryBytes   = 256 << 20
	wallClock     = 15 * time.Second
	tmpfsOptions  = "rw,noexec,nosuid,size=100m"
	containerUser = "65534:65534" // nobody
	extensionDir  = "/extension"
	maxOutput     = 1 << 20
)

// Request describes one sandboxed execution.
type Request struct {
	ExtensionID string
	// Dir is the extension tree, mounted read-only at /extension.
	Dir     string
	Command []string
	Env     []string
}

// Result is the outcome of a sandboxed execution.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Duration time.Duration
}

// Sandbox executes commands in throwaway containers.
type Sandbox struct {
	cli     containerAPI
	image   string
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New connects to the container runtime. The returned Sandbox is usable
// even when the daemon is down; Available and Execute report that state
// per call.
func New(image string) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "alpine:3.19"
	}
	return &Sandbox{
		cli:     cli,
		image:   image,
		metrics: observability.NewMetrics(),
		logger:  observability.Component("sandbox"),
	}, nil
}

// Available reports whether the runtime answers a ping.
func (s *Sandbox) Available(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.cli.Ping(pingCtx)
	return err == nil
}

// HealthCheck verifies the runtime is reachable.
func (s *Sandbox) HealthCheck(ctx context.Context) error {
	if !s.Available(ctx) {
		return ErrUnavailable
	}
	return nil
}

// Execute runs the request under the fixed container profile. The
// container gets no network, a read-only rootfs with a small writable
// /tmp, half a CPU, 256 MiB of memory, and 15 seconds of wall clock.
func (s *Sandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	if !s.Available(ctx) {
		s.metrics.SandboxLaunches.WithLabelValues("unavailable").Inc()
		return nil, ErrUnavailable
	}

	config := &container.Config{
		Image:           s.image,
		Cmd:             req.Command,
		Env:             req.Env,
		User:            containerUser,
		WorkingDir:      extensionDir,
		NetworkDisabled: true,
		Tty:             false,
	}
	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		AutoRemove:     false,
		Binds:          []string{req.Dir + ":" + extensionDir + ":ro"},
		Tmpfs:          map[string]string{"/tmp": tmpfsOptions},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memoryBytes,
		},
	}

	created, err := s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		s.metrics.SandboxLaunches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	defer s.remove(created.ID)

	start := time.Now()
	if err := s.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		s.metrics.SandboxLaunches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	result := &Result{}
	statusCh, errCh := s.cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			s.kill(created.ID)
		} else {
			s.metrics.SandboxLaunches.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("wait for sandbox container: %w", err)
		}
	}
	result.Duration = time.Since(start)

	if err := s.collectOutput(ctx, created.ID, result); err != nil {
		s.logger.Warn("sandbox log collection failed",
			"extension_id", req.ExtensionID, "error", err)
	}

	status := "success"
	switch {
	case result.TimedOut:
		status = "timeout"
	case result.ExitCode != 0:
		status = "failed"
	}
	s.metrics.SandboxLaunches.WithLabelValues(status).Inc()
	s.logger.Info("sandbox execution finished",
		"extension_id", req.ExtensionID,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

func (s *Sandbox) collectOutput(ctx context.Context, containerID string, result *Result) error {
	logs, err := s.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	var stdout, stderr cappedBuffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return err
	}
	result.Stdout = stdout.data
	result.Stderr = stderr.data
	return nil
}

func (s *Sandbox) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		s.logger.Warn("sandbox kill failed", "container_id", containerID, "error", err)
	}
}

func (s *Sandbox) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		s.logger.Warn("sandbox remove failed", "container_id", containerID, "error", err)
	}
}

// cappedBuffer keeps at most maxOutput bytes and drops the rest.
type cappedBuffer struct {
	data []byte
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := maxOutput - len(b.data); remaining > 0 {
		if len(p) > remaining {
			b.data = append(b.data, p[:remaining]...)
		} else {
			b.data = append(b.data, p...)
		}
	}
	return len(p), nil
}
