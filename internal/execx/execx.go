// Package execx wraps external command invocation behind an interface so
// process-table and port queries can be faked in tests.
package execx

import (
	"context"
	"errors"
	"os/exec"
)

// Executor runs an external command and returns its combined output.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// System executes commands on the host.
type System struct{}

// Run invokes the command and returns combined stdout/stderr.
func (System) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ExitCode returns the exit status when err came from a command that ran
// and exited non-zero, and -1 when the command could not be run at all.
// Callers use it to tell "matched nothing" exit codes apart from a missing
// or broken binary.
func ExitCode(err error) int {
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
