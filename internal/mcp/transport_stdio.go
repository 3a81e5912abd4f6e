package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// stdioTransport runs a provider as a child process and frames envelopes as
// JSON lines on its stdin/stdout. Stderr carries diagnostics only and is
// logged line by line at debug level.
type stdioTransport struct {
	name   string
	spec   LaunchSpec
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	wg      sync.WaitGroup
	exited  atomic.Bool
	onExit  func(error)
}

// NewStdioTransport creates a transport that will spawn spec as a subprocess.
func NewStdioTransport(name string, spec LaunchSpec, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &stdioTransport{
		name:   name,
		spec:   spec,
		logger: logger.With("provider", name, "transport", "stdio"),
	}
}

// Start spawns the subprocess with stdio pipes and begins the reader loops.
func (t *stdioTransport) Start(ctx context.Context, handler func(*Envelope), onExit func(error)) error {
	if err := t.spec.Validate(); err != nil {
		return fmt.Errorf("launch spec: %w", err)
	}
	t.onExit = onExit

	cmd := exec.CommandContext(ctx, t.spec.Command, t.spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.spec.WorkDir != "" {
		cmd.Dir = t.spec.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stderr = stderr

	t.logger.Info("provider process started", "command", t.spec.Command, "pid", cmd.Process.Pid)

	t.wg.Add(2)
	go t.readLoop(stdout, handler)
	go t.drainStderr()

	go t.waitForExit()

	return nil
}

// Send marshals env and writes it as one line. The mutex serializes writers
// so the stdin byte stream never interleaves two messages.
func (t *stdioTransport) Send(env *Envelope) error {
	if t.exited.Load() {
		return fmt.Errorf("provider %s: transport closed", t.name)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write to provider %s: %w", t.name, err)
	}
	return nil
}

// Stop signals graceful termination and force-kills after grace. Closing
// stdin is the conventional MCP shutdown signal; SIGTERM backs it up.
func (t *stdioTransport) Stop(grace time.Duration) {
	if t.cmd == nil || t.cmd.Process == nil {
		return
	}

	t.writeMu.Lock()
	_ = t.stdin.Close()
	t.writeMu.Unlock()
	_ = t.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		t.logger.Warn("provider did not exit within grace period, killing", "grace", grace)
		_ = t.cmd.Process.Kill()
		<-done
	}
}

func (t *stdioTransport) readLoop(stdout io.Reader, handler func(*Envelope)) {
	defer t.wg.Done()

	err := readMessages(stdout, handler, func(line string) {
		t.logger.Warn("skipping non-protocol line on stdout", "line", truncateLine(line))
	})
	if err != nil {
		t.logger.Error("provider stdout read failed", "error", err)
	}
	t.finish(err)
}

func (t *stdioTransport) drainStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("provider stderr", "line", line)
		}
	}
}

// waitForExit reaps the process and surfaces its exit code.
func (t *stdioTransport) waitForExit() {
	err := t.cmd.Wait()
	code := 0
	if t.cmd.ProcessState != nil {
		code = t.cmd.ProcessState.ExitCode()
	}
	if err != nil || code != 0 {
		t.finish(fmt.Errorf("process exited, code=%d", code))
		return
	}
	t.finish(nil)
}

// finish delivers the exit notification exactly once.
func (t *stdioTransport) finish(err error) {
	if !t.exited.CompareAndSwap(false, true) {
		return
	}
	if t.onExit != nil {
		t.onExit(err)
	}
}

func truncateLine(line string) string {
	const max = 200
	if len(line) <= max {
		return line
	}
	return line[:max] + "..."
}
