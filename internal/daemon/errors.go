package daemon

import (
	"fmt"
	"time"
)

// ConfigurationError reports a missing binary or config section. Fatal for
// the current operation; Hint tells the operator how to fix it.
type ConfigurationError struct {
	Msg  string
	Hint string
}

func (e *ConfigurationError) Error() string {
	if e.Hint == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s (%s)", e.Msg, e.Hint)
}

// PortConflictError reports a required port still held by another process
// after cleanup.
type PortConflictError struct {
	Port int
	PIDs []int
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("port %d occupied by pids %v after cleanup", e.Port, e.PIDs)
}

// ProcessLaunchError reports a daemon that exited immediately after spawn.
// Output carries the captured log tail.
type ProcessLaunchError struct {
	Output string
}

func (e *ProcessLaunchError) Error() string {
	if e.Output == "" {
		return "daemon exited immediately after launch"
	}
	return fmt.Sprintf("daemon exited immediately after launch: %s", e.Output)
}

// HealthTimeoutError reports a launched process that never became
// API-responsive within the deadline. Non-fatal: the daemon may still be
// starting.
type HealthTimeoutError struct {
	Elapsed time.Duration
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("daemon api not responsive after %s", e.Elapsed)
}
