// Package sandbox runs acceptance commands for a job in an isolated
// environment: a locked-down Docker container when a daemon is
// reachable, a plain subprocess otherwise, and a no-op validator in
// fast mode.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Runner executes a single acceptance command against a working
// directory and returns its exit code plus combined stdout+stderr.
type Runner interface {
	Run(ctx context.Context, command, workDir string, timeout time.Duration) (exitCode int, output string, err error)
}

// FastRunner validates commands without executing them, used in fast
// mode so policy/test stages still run end to end without real I/O.
type FastRunner struct{}

func (FastRunner) Run(ctx context.Context, command, workDir string, timeout time.Duration) (int, string, error) {
	return 0, fmt.Sprintf("FAST_MODE validated command: %s\n", command), nil
}

// SubprocessRunner shells out to the local machine. Used as the
// fallback when no Docker daemon is reachable.
type SubprocessRunner struct{}

func (SubprocessRunner) Run(ctx context.Context, command, workDir string, timeout time.Duration) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	cmd.Dir = workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return exitCode, out.String(), err
}

// DockerRunner runs each acceptance command in a throwaway container:
// read-only root filesystem, no network, bounded CPU/memory/pids, with
// the job's working directory bind-mounted at /workspace.
type DockerRunner struct {
	api   *client.Client
	image string
}

const sandboxImage = "python:3.12-slim"

func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return &DockerRunner{api: cli, image: sandboxImage}, nil
}

func (d *DockerRunner) Close() error {
	if d == nil || d.api == nil {
		return nil
	}
	return d.api.Close()
}

func (d *DockerRunner) Run(ctx context.Context, command, workDir string, timeout time.Duration) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{"bash", "-lc", command},
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		AutoRemove:     true,
		ReadonlyRootfs: true,
		NetworkMode:    "none",
		Resources: container.Resources{
			NanoCPUs:   4_000_000_000,
			Memory:     8 << 30,
			PidsLimit:  int64Ptr(512),
		},
		Binds: []string{workDir + ":/workspace"},
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return 0, "", err
	}
	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return 0, "", err
	}

	statusCh, errCh := d.api.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return 0, "", err
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	logs, err := d.api.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return exitCode, "", err
	}
	defer logs.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(logs)
	return exitCode, buf.String(), nil
}

func int64Ptr(v int64) *int64 { return &v }

// Select picks the best available runner for the current environment:
// fast mode wins outright, otherwise Docker is preferred with a
// subprocess fallback when no daemon is reachable.
func Select(fastMode bool) Runner {
	if fastMode {
		return FastRunner{}
	}
	if d, err := NewDockerRunner(); err == nil {
		return d
	}
	return SubprocessRunner{}
}
