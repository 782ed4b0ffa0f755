package daemon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinwarden/pinwarden/internal/config"
	"github.com/pinwarden/pinwarden/internal/eventbus"
	"github.com/pinwarden/pinwarden/internal/logging"
	"github.com/pinwarden/pinwarden/internal/models"
)

type fakeFiles struct {
	ensureErr   error
	ensureCalls int
	warnings    []string
	validateErr error
	identity    models.DaemonIdentity
	dir         string
}

func (f *fakeFiles) EnsureConfig(ctx context.Context, bootstrapPeer string) error {
	f.ensureCalls++
	return f.ensureErr
}
func (f *fakeFiles) Validate() ([]string, error)            { return f.warnings, f.validateErr }
func (f *fakeFiles) Identity() (models.DaemonIdentity, error) { return f.identity, nil }
func (f *fakeFiles) StalePaths() []string                   { return []string{"/tmp/cluster.lock"} }
func (f *fakeFiles) Dir() string                            { return f.dir }

type fakeProc struct {
	mu          sync.Mutex
	pids        []int
	findErr     error
	startPID    int
	startErr    error
	startCalls  int
	terminated  []int
	killed      []int
	aliveAfter  map[int]int // remaining Alive polls answering true
	cleanCalls  int
}

func (f *fakeProc) Find(ctx context.Context, binary, clusterTag string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return append([]int(nil), f.pids...), nil
}

func (f *fakeProc) StartDetached(ctx context.Context, argv []string, logPath string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.pids = []int{f.startPID}
	return f.startPID, nil
}

func (f *fakeProc) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aliveAfter == nil {
		return false
	}
	if f.aliveAfter[pid] > 0 {
		f.aliveAfter[pid]--
		return true
	}
	return false
}

func (f *fakeProc) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	return nil
}

func (f *fakeProc) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

func (f *fakeProc) CleanStale(ctx context.Context, stalePaths []string, ports []int) []CleanedPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanCalls++
	return nil
}

type fakeProbe struct {
	healthy         bool
	healthyAfter    int // unhealthy probes before turning healthy
	leaderReachable bool
	identity        models.DaemonIdentity
	identityErr     error
	pinCount        int
	mu              sync.Mutex
}

func (f *fakeProbe) Identity(ctx context.Context, baseURL string) (models.DaemonIdentity, error) {
	return f.identity, f.identityErr
}
func (f *fakeProbe) PinCount(ctx context.Context, baseURL string) (int, error) {
	return f.pinCount, nil
}
func (f *fakeProbe) Healthy(ctx context.Context, baseURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthyAfter > 0 {
		f.healthyAfter--
		return false
	}
	return f.healthy
}
func (f *fakeProbe) LeaderReachable(ctx context.Context, bootstrapPeer string, leaderAPIPort int) bool {
	return f.leaderReachable
}

type fakePorts struct{}

func (fakePorts) Available(port int) bool { return true }
func (fakePorts) Occupancy(ctx context.Context, port int) models.PortOccupancy {
	return models.PortOccupancy{Port: port}
}

type blockedPorts struct{ pids []int }

func (blockedPorts) Available(port int) bool { return false }
func (b blockedPorts) Occupancy(ctx context.Context, port int) models.PortOccupancy {
	return models.PortOccupancy{Port: port, InUse: true, PIDs: b.pids}
}

type recordingBus struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (b *recordingBus) PublishEvent(ctx context.Context, event *eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) types() []eventbus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]eventbus.EventType, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

func testDaemonConfig() config.DaemonConfig {
	return config.DaemonConfig{
		Binary:        "ipfs-cluster-follow",
		ClusterName:   "testnet",
		BaseDir:       "/tmp/pinwarden-test",
		APIPort:       9097,
		ProxyPort:     9098,
		LeaderAPIPort: 9094,
		BootstrapPeer: "/ip4/10.0.0.1/tcp/9096/p2p/QmLeader",
		StartTimeout:  500 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
		StopGrace:     200 * time.Millisecond,
	}
}

func newTestDaemonManager(files *fakeFiles, proc *fakeProc, probe *fakeProbe, bus eventbus.Publisher) *FollowDaemonManager {
	if bus == nil {
		bus = eventbus.Noop{}
	}
	return &FollowDaemonManager{
		cfg:    testDaemonConfig(),
		files:  files,
		proc:   proc,
		probe:  probe,
		ports:  fakePorts{},
		bus:    bus,
		logger: logging.NewNop(),
		state:  models.DaemonStopped,
	}
}

func TestStart_AlreadyRunningHealthyShortCircuits(t *testing.T) {
	files := &fakeFiles{}
	proc := &fakeProc{pids: []int{4242}}
	probe := &fakeProbe{healthy: true, leaderReachable: true}
	m := newTestDaemonManager(files, proc, probe, nil)

	result := m.Start(context.Background(), "", false)

	assert.True(t, result.Success)
	assert.Equal(t, StatusAlreadyRunningHealthy, result.Status)
	assert.Equal(t, 4242, result.PID)
	assert.True(t, result.APIResponsive)
	assert.True(t, result.LeaderConnected)
	assert.Zero(t, proc.startCalls, "healthy daemon must not be relaunched")
	assert.Zero(t, files.ensureCalls)
	assert.Equal(t, models.DaemonRunningHealthy, m.State())
}

func TestStart_FreshLaunchHealthyConnected(t *testing.T) {
	files := &fakeFiles{}
	proc := &fakeProc{startPID: 777}
	probe := &fakeProbe{healthy: true, leaderReachable: true}
	bus := &recordingBus{}
	m := newTestDaemonManager(files, proc, probe, bus)

	result := m.Start(context.Background(), "", false)

	assert.True(t, result.Success)
	assert.Equal(t, StatusStartedHealthyConnected, result.Status)
	assert.Equal(t, 777, result.PID)
	assert.Equal(t, 1, files.ensureCalls)
	assert.Equal(t, 1, proc.startCalls)
	assert.GreaterOrEqual(t, proc.cleanCalls, 1, "stale resources must be cleaned before launch")
	assert.Equal(t, models.DaemonRunningHealthy, m.State())
	assert.Contains(t, bus.types(), eventbus.EventDaemonStarted)
}

func TestStart_HealthyButLeaderUnreachable(t *testing.T) {
	proc := &fakeProc{startPID: 777}
	probe := &fakeProbe{healthy: true, leaderReachable: false}
	m := newTestDaemonManager(&fakeFiles{}, proc, probe, nil)

	result := m.Start(context.Background(), "", false)

	assert.True(t, result.Success)
	assert.Equal(t, StatusStartedHealthyDisconnected, result.Status)
	assert.False(t, result.LeaderConnected)
}

func TestStart_ConvergesAfterUnhealthyPolls(t *testing.T) {
	proc := &fakeProc{startPID: 777}
	probe := &fakeProbe{healthy: true, healthyAfter: 3}
	m := newTestDaemonManager(&fakeFiles{}, proc, probe, nil)

	result := m.Start(context.Background(), "", false)

	assert.True(t, result.Success)
	assert.Equal(t, models.DaemonRunningHealthy, m.State())
}

func TestStart_HealthTimeoutLeavesRunningUnhealthy(t *testing.T) {
	proc := &fakeProc{startPID: 777, aliveAfter: map[int]int{777: 100}}
	probe := &fakeProbe{healthy: false}
	bus := &recordingBus{}
	m := newTestDaemonManager(&fakeFiles{}, proc, probe, bus)

	result := m.Start(context.Background(), "", false)

	assert.False(t, result.Success)
	assert.Equal(t, StatusStartedUnhealthy, result.Status)
	assert.Equal(t, models.DaemonRunningUnhealthy, m.State())
	assert.Contains(t, bus.types(), eventbus.EventDaemonUnhealthy)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "not responsive")
}

func TestStart_ConfigBootstrapFailure(t *testing.T) {
	files := &fakeFiles{ensureErr: &ConfigurationError{Msg: "bootstrap peer is required", Hint: "set daemon.bootstrap_peer"}}
	proc := &fakeProc{}
	m := newTestDaemonManager(files, proc, &fakeProbe{}, nil)

	result := m.Start(context.Background(), "", false)

	assert.False(t, result.Success)
	assert.Equal(t, StatusStartFailed, result.Status)
	assert.Zero(t, proc.startCalls)
	assert.Equal(t, models.DaemonStopped, m.State())
}

func TestStart_LaunchFailure(t *testing.T) {
	proc := &fakeProc{startErr: fmt.Errorf("binary not found")}
	m := newTestDaemonManager(&fakeFiles{}, proc, &fakeProbe{}, nil)

	result := m.Start(context.Background(), "", false)

	assert.False(t, result.Success)
	assert.Equal(t, StatusStartFailed, result.Status)
	assert.Equal(t, models.DaemonStopped, m.State())
}

func TestStart_ForceRestartRelaunchesHealthyDaemon(t *testing.T) {
	proc := &fakeProc{pids: []int{4242}, startPID: 777}
	probe := &fakeProbe{healthy: true}
	m := newTestDaemonManager(&fakeFiles{}, proc, probe, nil)

	result := m.Start(context.Background(), "", true)

	assert.True(t, result.Success)
	assert.Equal(t, 1, proc.startCalls)
	assert.Contains(t, proc.terminated, 4242)
	assert.Equal(t, 777, result.PID)
}

func TestStart_OccupiedPortFailsWithPortConflict(t *testing.T) {
	proc := &fakeProc{startPID: 777}
	m := newTestDaemonManager(&fakeFiles{}, proc, &fakeProbe{}, nil)
	m.ports = blockedPorts{pids: []int{555}}

	result := m.Start(context.Background(), "", false)

	assert.False(t, result.Success)
	assert.Equal(t, StatusStartFailed, result.Status)
	assert.Zero(t, proc.startCalls, "launch must not be attempted while the port is held")
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "port 9097 occupied by pids [555]")
	assert.Equal(t, models.DaemonStopped, m.State())
}

func TestWaitPortsFree_ReturnsPortConflictError(t *testing.T) {
	m := newTestDaemonManager(&fakeFiles{}, &fakeProc{}, &fakeProbe{}, nil)
	m.ports = blockedPorts{pids: []int{555}}

	err := m.waitPortsFree(context.Background(), []int{9097})
	var conflict *PortConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 9097, conflict.Port)
	assert.Equal(t, []int{555}, conflict.PIDs)
}

func TestStart_ProcessLookupFailure(t *testing.T) {
	proc := &fakeProc{findErr: fmt.Errorf("pgrep: executable file not found in $PATH")}
	m := newTestDaemonManager(&fakeFiles{}, proc, &fakeProbe{}, nil)

	result := m.Start(context.Background(), "", false)

	assert.False(t, result.Success)
	assert.Equal(t, StatusStartFailed, result.Status)
	assert.Zero(t, proc.startCalls)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "process lookup")
}

func TestStop_TerminatesAndCleans(t *testing.T) {
	proc := &fakeProc{pids: []int{100, 200}}
	bus := &recordingBus{}
	m := newTestDaemonManager(&fakeFiles{}, proc, &fakeProbe{}, bus)

	result := m.Stop(context.Background())

	assert.True(t, result.Success)
	assert.Equal(t, StatusStopped, result.Status)
	assert.ElementsMatch(t, []int{100, 200}, result.Terminated)
	assert.ElementsMatch(t, []int{100, 200}, proc.terminated)
	assert.Empty(t, proc.killed, "processes that exit within the grace period are not killed")
	assert.GreaterOrEqual(t, proc.cleanCalls, 1)
	assert.Equal(t, models.DaemonStopped, m.State())
	assert.Contains(t, bus.types(), eventbus.EventDaemonStopped)
}

func TestStop_EscalatesToKillAfterGrace(t *testing.T) {
	proc := &fakeProc{pids: []int{100}, aliveAfter: map[int]int{100: 100}}
	m := newTestDaemonManager(&fakeFiles{}, proc, &fakeProbe{}, nil)

	result := m.Stop(context.Background())

	assert.True(t, result.Success)
	assert.Contains(t, proc.killed, 100)
}

func TestStop_ProcessLookupFailureIsNotAlreadyStopped(t *testing.T) {
	proc := &fakeProc{findErr: fmt.Errorf("pgrep: executable file not found in $PATH")}
	m := newTestDaemonManager(&fakeFiles{}, proc, &fakeProbe{}, nil)

	result := m.Stop(context.Background())

	assert.False(t, result.Success)
	assert.Equal(t, StatusStopFailed, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "process lookup")
}

func TestStop_ContextCancelledStillCleansStale(t *testing.T) {
	proc := &fakeProc{pids: []int{100}, aliveAfter: map[int]int{100: 1000}}
	m := newTestDaemonManager(&fakeFiles{}, proc, &fakeProbe{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := m.Stop(ctx)

	assert.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "context canceled")
	assert.GreaterOrEqual(t, proc.cleanCalls, 1, "interrupted stop must still clean stale artifacts")
}

func TestStop_NoProcessesIsIdempotent(t *testing.T) {
	proc := &fakeProc{}
	bus := &recordingBus{}
	m := newTestDaemonManager(&fakeFiles{}, proc, &fakeProbe{}, bus)

	result := m.Stop(context.Background())

	assert.True(t, result.Success)
	assert.Equal(t, StatusAlreadyStopped, result.Status)
	assert.Empty(t, result.Terminated)
	assert.Empty(t, proc.terminated)
	assert.Empty(t, bus.types(), "no-op stop must not publish events")
	assert.Equal(t, models.DaemonStopped, m.State())
}

func TestRestart_RunsBothHalvesUnderOneLock(t *testing.T) {
	proc := &fakeProc{pids: []int{100}, startPID: 777}
	probe := &fakeProbe{healthy: true, leaderReachable: true}
	m := newTestDaemonManager(&fakeFiles{}, proc, probe, nil)

	result := m.Restart(context.Background(), "")

	assert.True(t, result.Success)
	assert.True(t, result.Stop.Success)
	assert.True(t, result.Start.Success)
	assert.Contains(t, proc.terminated, 100)
	assert.Equal(t, 777, result.Start.PID)
}

func TestStatus_StoppedDaemon(t *testing.T) {
	files := &fakeFiles{warnings: []string{"api port mismatch"}}
	m := newTestDaemonManager(files, &fakeProc{}, &fakeProbe{}, nil)

	status := m.Status(context.Background())

	assert.False(t, status.Running)
	assert.True(t, status.ConfigValid)
	assert.Contains(t, status.Errors, "api port mismatch")
	assert.Len(t, status.Ports, 2)
	assert.NotEmpty(t, status.LogFiles)
}

func TestStatus_RunningDaemonWithIdentity(t *testing.T) {
	proc := &fakeProc{pids: []int{4242}}
	probe := &fakeProbe{
		healthy:         true,
		leaderReachable: true,
		identity:        models.DaemonIdentity{PeerID: "QmPeer"},
		pinCount:        17,
	}
	m := newTestDaemonManager(&fakeFiles{}, proc, probe, nil)

	status := m.Status(context.Background())

	assert.True(t, status.Running)
	assert.Equal(t, 4242, status.PID)
	assert.True(t, status.APIResponsive)
	require.NotNil(t, status.Identity)
	assert.Equal(t, "QmPeer", status.Identity.PeerID)
	assert.Equal(t, 17, status.PinCount)
	assert.True(t, status.LeaderConnected)
}

func TestStatus_RunningButAPIUnresponsive(t *testing.T) {
	proc := &fakeProc{pids: []int{4242}}
	probe := &fakeProbe{identityErr: fmt.Errorf("connection refused")}
	m := newTestDaemonManager(&fakeFiles{}, proc, probe, nil)

	status := m.Status(context.Background())

	assert.True(t, status.Running)
	assert.False(t, status.APIResponsive)
	require.NotEmpty(t, status.Errors)
	assert.Contains(t, status.Errors[0], "api probe")
}
