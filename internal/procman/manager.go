// Package procman tracks detached external processes through PID files:
// spawn, liveness checks, and terminate-with-grace.
package procman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"relaykit/internal/domain"
	"relaykit/internal/infra/config"
)

const killGrace = 1 * time.Second

// Manager owns the PID-file directory. A process is identified by a caller
// chosen identifier; at most one live process per identifier.
type Manager struct {
	stateDir string
	bus      domain.EventBus
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewManager creates the state directory if needed.
func NewManager(cfg config.ProcessConfig, bus domain.EventBus, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Manager{stateDir: cfg.StateDir, bus: bus, logger: logger}, nil
}

// Spawn starts a detached process under the given identifier. A live process
// already registered under that identifier is terminated first, so Spawn is
// an idempotent restart.
func (m *Manager) Spawn(ctx context.Context, identifier string, command []string, workDir string) (*domain.ProcessInfo, error) {
	if err := validIdentifier(identifier); err != nil {
		return nil, err
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: empty command", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pid, ok := m.readPID(identifier); ok && processAlive(pid) {
		m.logger.Info("terminating previous process", "identifier", identifier, "pid", pid)
		m.terminate(ctx, identifier, pid)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workDir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	// New session: the child survives this process and its terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid

	if err := m.writePID(identifier, pid); err != nil {
		cmd.Process.Kill()
		return nil, err
	}

	// Reap the child and drop its PID file once it exits. A newer process
	// may have taken over the identifier by then, so only remove the file
	// while it still names this pid.
	go func() {
		cmd.Wait()
		m.mu.Lock()
		if current, ok := m.readPID(identifier); ok && current == pid {
			m.removePID(identifier)
			m.emitEvent(context.Background(), domain.EventProcessExited, identifier, pid)
		}
		m.mu.Unlock()
	}()

	m.logger.Info("process spawned", "identifier", identifier, "pid", pid, "command", command[0])
	m.emitEvent(ctx, domain.EventProcessSpawned, identifier, pid)

	return &domain.ProcessInfo{Identifier: identifier, PID: pid, Running: true}, nil
}

// Kill terminates the process registered under identifier: SIGTERM, a grace
// period, then SIGKILL. A stale PID file is cleaned up silently.
func (m *Manager) Kill(ctx context.Context, identifier string) error {
	if err := validIdentifier(identifier); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pid, ok := m.readPID(identifier)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProcessNotFound, identifier)
	}
	if !processAlive(pid) {
		m.removePID(identifier)
		return fmt.Errorf("%w: %s (stale pid %d)", domain.ErrProcessNotFound, identifier, pid)
	}

	m.terminate(ctx, identifier, pid)
	return nil
}

// terminate must be called with mu held.
func (m *Manager) terminate(ctx context.Context, identifier string, pid int) {
	syscall.Kill(pid, syscall.SIGTERM)

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if processAlive(pid) {
		m.logger.Warn("process ignored SIGTERM, killing", "identifier", identifier, "pid", pid)
		syscall.Kill(pid, syscall.SIGKILL)
	}

	m.removePID(identifier)
	m.logger.Info("process killed", "identifier", identifier, "pid", pid)
	m.emitEvent(ctx, domain.EventProcessKilled, identifier, pid)
}

// Status reports the process registered under identifier. A stale PID file
// is removed and reported as not running.
func (m *Manager) Status(identifier string) (*domain.ProcessInfo, error) {
	if err := validIdentifier(identifier); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pid, ok := m.readPID(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, identifier)
	}
	if !processAlive(pid) {
		m.removePID(identifier)
		return &domain.ProcessInfo{Identifier: identifier, PID: pid, Running: false}, nil
	}
	return &domain.ProcessInfo{Identifier: identifier, PID: pid, Running: true}, nil
}

// List reports every registered process, alive or stale.
func (m *Manager) List() ([]domain.ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var infos []domain.ProcessInfo
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".pid") {
			continue
		}
		identifier := strings.TrimSuffix(name, ".pid")
		pid, ok := m.readPID(identifier)
		if !ok {
			continue
		}
		infos = append(infos, domain.ProcessInfo{
			Identifier: identifier,
			PID:        pid,
			Running:    processAlive(pid),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identifier < infos[j].Identifier })
	return infos, nil
}

// Sweep removes PID files whose processes are gone. Returns the number of
// stale entries removed.
func (m *Manager) Sweep() int {
	infos, err := m.List()
	if err != nil {
		m.logger.Warn("sweep failed", "error", err)
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, info := range infos {
		if info.Running {
			continue
		}
		m.removePID(info.Identifier)
		removed++
		m.logger.Debug("removed stale pid file", "identifier", info.Identifier, "pid", info.PID)
		m.emitEvent(context.Background(), domain.EventProcessExited, info.Identifier, info.PID)
	}
	return removed
}

func (m *Manager) pidPath(identifier string) string {
	return filepath.Join(m.stateDir, identifier+".pid")
}

func (m *Manager) readPID(identifier string) (int, bool) {
	data, err := os.ReadFile(m.pidPath(identifier))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		m.logger.Warn("corrupt pid file", "identifier", identifier)
		return 0, false
	}
	return pid, true
}

func (m *Manager) writePID(identifier string, pid int) error {
	path := m.pidPath(identifier)
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (m *Manager) removePID(identifier string) {
	if err := os.Remove(m.pidPath(identifier)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("cannot remove pid file", "identifier", identifier, "error", err)
	}
}

func (m *Manager) emitEvent(ctx context.Context, t domain.EventType, identifier string, pid int) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.ProcessInfo{Identifier: identifier, PID: pid})
	m.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), Payload: payload})
}

// processAlive probes a PID with signal 0. EPERM means the process exists
// but belongs to someone else, which still counts as alive.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func validIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty identifier", domain.ErrInvalidInput)
	}
	if strings.ContainsAny(identifier, "/\\") || identifier == "." || identifier == ".." {
		return fmt.Errorf("%w: identifier %q must not contain path separators", domain.ErrInvalidInput, identifier)
	}
	return nil
}
