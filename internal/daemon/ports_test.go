package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grabPort binds an ephemeral port and returns it with the live listener.
func grabPort(t *testing.T) (int, net.Listener) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l.Addr().(*net.TCPAddr).Port, l
}

func TestPortProbeAvailable(t *testing.T) {
	port, l := grabPort(t)
	p := NewPortProbe(&fakeExec{})

	assert.False(t, p.Available(port))
	l.Close()
	assert.True(t, p.Available(port))
}

func TestPortProbeOwners_ParsesLsofOutput(t *testing.T) {
	executor := &fakeExec{out: []byte("321\n654\n")}
	p := NewPortProbe(executor)

	pids, err := p.Owners(context.Background(), 9097)
	require.NoError(t, err)
	assert.Equal(t, []int{321, 654}, pids)

	require.Len(t, executor.calls, 1)
	assert.Equal(t, []string{"lsof", "-ti", "tcp:9097"}, executor.calls[0])
}

func TestPortProbeOwners_FreePortIsNotAnError(t *testing.T) {
	executor := &fakeExec{err: exitError{code: 1}}
	p := NewPortProbe(executor)

	pids, err := p.Owners(context.Background(), 9097)
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestPortProbeOwners_ExecutorFailureSurfaces(t *testing.T) {
	executor := &fakeExec{err: fmt.Errorf("executable file not found in $PATH")}
	p := NewPortProbe(executor)

	_, err := p.Owners(context.Background(), 9097)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lsof")
}

func TestPortProbeOccupancy(t *testing.T) {
	port, l := grabPort(t)
	executor := &fakeExec{out: []byte(fmt.Sprintf("%d\n", os.Getpid()))}
	p := NewPortProbe(executor)

	occ := p.Occupancy(context.Background(), port)
	assert.Equal(t, port, occ.Port)
	assert.True(t, occ.InUse)
	assert.Equal(t, []int{os.Getpid()}, occ.PIDs)

	l.Close()
	free := p.Occupancy(context.Background(), port)
	assert.False(t, free.InUse)
	assert.Empty(t, free.PIDs)
}
