// Package dockerexec runs the solver inside a Docker container via the
// docker/docker client SDK, grounded on the teacher's
// dispatch.DockerDispatcher (container lifecycle, bind-mounted workdir,
// stdcopy-demultiplexed log streaming).
package dockerexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/aonp/internal/executor"
)

// Executor starts the solver as a container from image.
type Executor struct {
	cli   *client.Client
	image string
}

// New builds a Docker-backed Executor. cli is typically
// client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()).
func New(cli *client.Client, image string) *Executor {
	return &Executor{cli: cli, image: image}
}

func (e *Executor) Start(ctx context.Context, opts executor.StartOpts) (executor.Process, error) {
	cfg := &container.Config{
		Image:      e.image,
		Cmd:        opts.Args,
		Env:        opts.Env,
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: opts.WorkDir, Target: "/workspace"},
		},
		AutoRemove: false,
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("dockerexec: create container: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("dockerexec: start container: %w", err)
	}

	logs, err := e.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return nil, fmt.Errorf("dockerexec: attach logs: %w", err)
	}

	p := &process{cli: e.cli, containerID: resp.ID, lines: make(chan executor.Line, 64)}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		defer stdoutW.Close()
		defer stderrW.Close()
		defer logs.Close()
		stdcopy.StdCopy(stdoutW, stderrW, logs)
	}()
	go p.scan("stdout", stdoutR)
	go p.scan("stderr", stderrR)
	go func() {
		p.wg.Wait()
		close(p.lines)
	}()

	return p, nil
}

type process struct {
	cli         *client.Client
	containerID string
	lines       chan executor.Line
	wg          sync.WaitGroup

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (p *process) scan(stream string, r io.Reader) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.lines <- executor.Line{Stream: stream, Text: scanner.Text()}
	}
}

func (p *process) Lines() <-chan executor.Line {
	return p.lines
}

func (p *process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		statusCh, errCh := p.cli.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			p.exitCode = -1
			p.waitErr = err
		case status := <-statusCh:
			p.exitCode = int(status.StatusCode)
		}
	})
	return p.exitCode, p.waitErr
}

// Terminate sends SIGTERM via ContainerKill, then sends SIGKILL once grace
// elapses, mirroring the teacher's DockerDispatcher.Kill.
func (p *process) Terminate(ctx context.Context, grace time.Duration) error {
	_ = p.cli.ContainerKill(ctx, p.containerID, "SIGTERM")

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	statusCh, errCh := p.cli.ContainerWait(waitCtx, p.containerID, container.WaitConditionNotRunning)
	select {
	case <-statusCh:
		return nil
	case <-errCh:
	case <-waitCtx.Done():
	}

	if err := p.cli.ContainerKill(ctx, p.containerID, "SIGKILL"); err != nil {
		return fmt.Errorf("dockerexec: SIGKILL container %s: %w", p.containerID, err)
	}
	return nil
}
