package nativeexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/aonp/internal/executor"
)

func collectLines(t *testing.T, proc executor.Process, timeout time.Duration) []executor.Line {
	t.Helper()
	var lines []executor.Line
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-proc.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatal("timed out collecting output lines")
		}
	}
}

func TestStartDispatchEchoHelloWorld(t *testing.T) {
	t.Parallel()

	e := New("sh")
	proc, err := e.Start(context.Background(), executor.StartOpts{
		Args: []string{"-c", "echo hello world"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	lines := collectLines(t, proc, 2*time.Second)
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if len(lines) != 1 || strings.TrimSpace(lines[0].Text) != "hello world" {
		t.Fatalf("lines = %+v, want one line \"hello world\"", lines)
	}
	if lines[0].Stream != "stdout" {
		t.Errorf("stream = %q, want stdout", lines[0].Stream)
	}
}

func TestStartClassifiesNonZeroExit(t *testing.T) {
	t.Parallel()

	e := New("sh")
	proc, err := e.Start(context.Background(), executor.StartOpts{
		Args: []string{"-c", "echo boom 1>&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	lines := collectLines(t, proc, 2*time.Second)
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if len(lines) != 1 || lines[0].Stream != "stderr" {
		t.Fatalf("lines = %+v, want one stderr line", lines)
	}
}

func TestTerminateStopsALongRunningProcess(t *testing.T) {
	t.Parallel()

	e := New("sh")
	proc, err := e.Start(context.Background(), executor.StartOpts{
		Args: []string{"-c", "trap 'exit 0' TERM; while true; do sleep 0.05; done"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := proc.Terminate(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit after Terminate")
	}
}
