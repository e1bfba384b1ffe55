package emulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"

	"relaykit/internal/domain"
	"relaykit/internal/infra/config"
)

// subprocessTransport adapts an emulator child process's pipes to the
// Transport interface. Close terminates the process.
type subprocessTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (t *subprocessTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *subprocessTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *subprocessTransport) Close() error {
	t.stdin.Close()
	t.stdout.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Signal(syscall.SIGTERM)
	}
	return t.cmd.Wait()
}

// NewSubprocess starts the configured emulator command and returns a
// Controller wired to its stdin/stdout. The child's stderr is forwarded to
// the logger line by line.
func NewSubprocess(ctx context.Context, cfg config.EmulatorConfig, bus domain.EventBus, logger *slog.Logger) (*Controller, int, error) {
	if len(cfg.Command) == 0 {
		return nil, 0, fmt.Errorf("%w: no emulator command configured", domain.ErrInvalidInput)
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("emulator stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("emulator stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("emulator stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("%w: %s", domain.ErrSpawnFailed, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Warn("emulator stderr", "line", scanner.Text())
		}
	}()

	transport := &subprocessTransport{cmd: cmd, stdin: stdin, stdout: stdout}
	logger.Info("emulator started", "pid", cmd.Process.Pid, "command", cfg.Command[0])
	return New(transport, bus, logger), cmd.Process.Pid, nil
}
