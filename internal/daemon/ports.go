package daemon

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pinwarden/pinwarden/internal/execx"
	"github.com/pinwarden/pinwarden/internal/models"
)

// PortProbe checks TCP port availability and enumerates owning processes.
type PortProbe struct {
	exec execx.Executor
}

// NewPortProbe creates a probe using the given executor for process lookups.
func NewPortProbe(executor execx.Executor) *PortProbe {
	if executor == nil {
		executor = execx.System{}
	}
	return &PortProbe{exec: executor}
}

// Available reports whether the port can currently be bound.
func (p *PortProbe) Available(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Owners returns the PIDs currently bound to the port. An empty list with
// no error means the port is free.
func (p *PortProbe) Owners(ctx context.Context, port int) ([]int, error) {
	out, err := p.exec.Run(ctx, "lsof", "-ti", fmt.Sprintf("tcp:%d", port))
	if err != nil {
		// lsof exits 1 when no process holds the port.
		if execx.ExitCode(err) == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
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

// Occupancy combines availability and ownership into one report.
func (p *PortProbe) Occupancy(ctx context.Context, port int) models.PortOccupancy {
	occ := models.PortOccupancy{Port: port}
	if p.Available(port) {
		return occ
	}
	occ.InUse = true
	occ.PIDs, _ = p.Owners(ctx, port)
	return occ
}
