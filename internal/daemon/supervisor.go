package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/execx"
	"github.com/pinwarden/pinwarden/internal/logging"
)

// launchSettleTime is how long a spawned daemon must survive before the
// launch is considered successful.
const launchSettleTime = 750 * time.Millisecond

// CleanedPort records one process terminated during stale-resource cleanup.
type CleanedPort struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// Supervisor finds, launches and terminates follower daemon processes and
// clears the stale artifacts they leave behind.
type Supervisor struct {
	exec   execx.Executor
	ports  *PortProbe
	logger logging.Logger
}

// NewSupervisor creates a supervisor. The executor is injected so process
// lookups can be faked in tests.
func NewSupervisor(executor execx.Executor, ports *PortProbe, logger logging.Logger) *Supervisor {
	if executor == nil {
		executor = execx.System{}
	}
	if ports == nil {
		ports = NewPortProbe(executor)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{exec: executor, ports: ports, logger: logger}
}

// Find returns the PIDs of daemon processes matching binary and cluster tag.
func (s *Supervisor) Find(ctx context.Context, binary, clusterTag string) ([]int, error) {
	pattern := fmt.Sprintf("%s.*%s", binary, clusterTag)
	out, err := s.exec.Run(ctx, "pgrep", "-f", pattern)
	if err != nil {
		// pgrep exits 1 when nothing matches; anything else is a real failure.
		if execx.ExitCode(err) == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep: %w", err)
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// StartDetached launches the daemon in its own process group with stdout
// and stderr redirected to logPath, so it survives the launcher and leaves
// output for postmortem diagnosis. It returns the PID once the process has
// outlived the settle window.
func (s *Supervisor) StartDetached(ctx context.Context, argv []string, logPath string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("empty command")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, &ConfigurationError{
				Msg:  fmt.Sprintf("binary %s not found", argv[0]),
				Hint: fmt.Sprintf("install %s and make sure it is on PATH", argv[0]),
			}
		}
		return 0, fmt.Errorf("launching %s: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case <-exited:
		return 0, &ProcessLaunchError{Output: tailFile(logPath, 2048)}
	case <-time.After(launchSettleTime):
	case <-ctx.Done():
		s.Terminate(pid)
		return 0, ctx.Err()
	}

	s.logger.Info(ctx, "daemon launched",
		zap.Int("pid", pid),
		zap.String("log_path", logPath),
		zap.Strings("argv", argv))
	return pid, nil
}

// Alive reports whether the PID refers to a live process.
func (s *Supervisor) Alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// Terminate sends SIGTERM.
func (s *Supervisor) Terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (s *Supervisor) Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// CleanStale removes leftover lock and socket files and terminates whatever
// still holds the follower's ports, returning the (port, pid) pairs that
// were cleaned. Failures are logged and skipped so a retry is never blocked.
func (s *Supervisor) CleanStale(ctx context.Context, stalePaths []string, ports []int) []CleanedPort {
	for _, path := range stalePaths {
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn(ctx, "removing stale file failed",
					zap.String("path", path),
					zap.Error(err))
			}
			continue
		}
		s.logger.Info(ctx, "removed stale file", zap.String("path", path))
	}

	var cleaned []CleanedPort
	for _, port := range ports {
		pids, err := s.ports.Owners(ctx, port)
		if err != nil {
			s.logger.Warn(ctx, "listing port owners failed",
				zap.Int("port", port),
				zap.Error(err))
			continue
		}
		for _, pid := range pids {
			if err := s.Terminate(pid); err != nil {
				s.logger.Warn(ctx, "terminating port owner failed",
					zap.Int("port", port),
					zap.Int("pid", pid),
					zap.Error(err))
				continue
			}
			cleaned = append(cleaned, CleanedPort{Port: port, PID: pid})
			s.logger.Info(ctx, "terminated stale port owner",
				zap.Int("port", port),
				zap.Int("pid", pid))
		}
	}
	return cleaned
}

// tailFile returns up to maxBytes from the end of the file.
func tailFile(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := int64(0)
	if info.Size() > maxBytes {
		offset = info.Size() - maxBytes
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf))
}
