// Package nativeexec runs the solver as a plain child process via os/exec,
// grounded on the teacher's dispatch.HeadlessBackend process lifecycle
// (start, line-scan output, SIGTERM-then-SIGKILL termination).
package nativeexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/antigravity-dev/aonp/internal/executor"
)

// Executor starts the configured solver binary as a native child process.
type Executor struct {
	bin string
}

// New builds a native Executor invoking bin (spec.md's execution.solver_bin).
func New(bin string) *Executor {
	return &Executor{bin: bin}
}

func (e *Executor) Start(ctx context.Context, opts executor.StartOpts) (executor.Process, error) {
	cmd := exec.CommandContext(ctx, e.bin, opts.Args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = opts.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("nativeexec: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("nativeexec: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("nativeexec: start %s: %w", e.bin, err)
	}

	p := &process{cmd: cmd, lines: make(chan executor.Line, 64)}
	p.wg.Add(2)
	go p.scan("stdout", stdout)
	go p.scan("stderr", stderr)
	go func() {
		p.wg.Wait()
		close(p.lines)
	}()

	return p, nil
}

type process struct {
	cmd   *exec.Cmd
	lines chan executor.Line
	wg    sync.WaitGroup

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
		err := p.cmd.Wait()
		if err == nil {
			p.exitCode = 0
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
			p.waitErr = nil
			return
		}
		p.exitCode = -1
		p.waitErr = err
	})
	return p.exitCode, p.waitErr
}

// Terminate sends SIGTERM, polls for exit, then escalates to SIGKILL once
// grace elapses — the same two-stage shutdown as the teacher's KillProcess.
func (p *process) Terminate(ctx context.Context, grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("nativeexec: SIGTERM pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
poll:
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
		}
	}

	if syscall.Kill(pid, 0) == nil {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("nativeexec: SIGKILL pid %d: %w", pid, err)
		}
	}
	return nil
}
