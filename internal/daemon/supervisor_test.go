package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinwarden/pinwarden/internal/logging"
)

type fakeExec struct {
	mu    sync.Mutex
	out   []byte
	err   error
	calls [][]string
}

func (f *fakeExec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.out, f.err
}

// exitError mimics a command that ran and exited non-zero.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

func newTestSupervisor(executor *fakeExec) *Supervisor {
	return NewSupervisor(executor, NewPortProbe(executor), logging.NewNop())
}

func TestSupervisorFind_ParsesPgrepOutput(t *testing.T) {
	executor := &fakeExec{out: []byte("123\n456\n\n")}
	s := newTestSupervisor(executor)

	pids, err := s.Find(context.Background(), "ipfs-cluster-follow", "testnet")
	require.NoError(t, err)
	assert.Equal(t, []int{123, 456}, pids)

	require.Len(t, executor.calls, 1)
	assert.Equal(t, []string{"pgrep", "-f", "ipfs-cluster-follow.*testnet"}, executor.calls[0])
}

func TestSupervisorFind_NoMatchesIsNotAnError(t *testing.T) {
	executor := &fakeExec{err: exitError{code: 1}}
	s := newTestSupervisor(executor)

	pids, err := s.Find(context.Background(), "ipfs-cluster-follow", "testnet")
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestSupervisorFind_ExecutorFailureSurfaces(t *testing.T) {
	executor := &fakeExec{err: fmt.Errorf("executable file not found in $PATH")}
	s := newTestSupervisor(executor)

	_, err := s.Find(context.Background(), "ipfs-cluster-follow", "testnet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pgrep")
}

func TestSupervisorFind_SkipsGarbageLines(t *testing.T) {
	executor := &fakeExec{out: []byte("123\nnot-a-pid\n456\n")}
	s := newTestSupervisor(executor)

	pids, err := s.Find(context.Background(), "ipfs-cluster-follow", "testnet")
	require.NoError(t, err)
	assert.Equal(t, []int{123, 456}, pids)
}

func TestCleanStale_RemovesLeftoverFiles(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "cluster.lock")
	sock := filepath.Join(dir, "api.sock")
	require.NoError(t, os.WriteFile(lock, nil, 0o644))
	require.NoError(t, os.WriteFile(sock, nil, 0o644))
	missing := filepath.Join(dir, "never-existed")

	executor := &fakeExec{err: exitError{code: 1}} // no port owners
	s := newTestSupervisor(executor)

	cleaned := s.CleanStale(context.Background(), []string{lock, sock, missing}, []int{9097})
	assert.Empty(t, cleaned)
	assert.NoFileExists(t, lock)
	assert.NoFileExists(t, sock)
}

func TestCleanStale_SkipsOwnersItCannotTerminate(t *testing.T) {
	// A pid far above any plausible pid_max: Terminate fails with ESRCH and
	// the owner must be skipped, not reported as cleaned.
	executor := &fakeExec{out: []byte(fmt.Sprintf("%d\n", 1<<30))}
	s := newTestSupervisor(executor)

	cleaned := s.CleanStale(context.Background(), nil, []int{9097})
	assert.Empty(t, cleaned)
}

func TestStartDetached_EmptyCommand(t *testing.T) {
	s := newTestSupervisor(&fakeExec{})
	_, err := s.StartDetached(context.Background(), nil, filepath.Join(t.TempDir(), "d.log"))
	assert.Error(t, err)
}

func TestStartDetached_MissingBinary(t *testing.T) {
	s := newTestSupervisor(&fakeExec{})

	_, err := s.StartDetached(context.Background(),
		[]string{"pinwarden-no-such-binary"}, filepath.Join(t.TempDir(), "d.log"))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "PATH")
}

func TestStartDetached_ImmediateExitReportsLogTail(t *testing.T) {
	s := newTestSupervisor(&fakeExec{})
	logPath := filepath.Join(t.TempDir(), "d.log")

	_, err := s.StartDetached(context.Background(),
		[]string{"/bin/sh", "-c", "echo boom >&2; exit 1"}, logPath)
	var launchErr *ProcessLaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Contains(t, launchErr.Output, "boom")
}

func TestStartDetached_SurvivingProcessReturnsPID(t *testing.T) {
	s := newTestSupervisor(&fakeExec{})
	logPath := filepath.Join(t.TempDir(), "d.log")

	pid, err := s.StartDetached(context.Background(),
		[]string{"/bin/sh", "-c", "sleep 5"}, logPath)
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	defer s.Kill(pid)

	assert.True(t, s.Alive(pid))
	require.NoError(t, s.Terminate(pid))
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\nline three\n"), 0o644))

	assert.Equal(t, "line one\nline two\nline three", tailFile(path, 1<<20))
	assert.Equal(t, "three", tailFile(path, 6))
	assert.Empty(t, tailFile(filepath.Join(t.TempDir(), "absent.log"), 64))
}
