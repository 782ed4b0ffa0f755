// Package daemon supervises the lifecycle of a follower cluster daemon:
// on-disk config bootstrap, port and lock/socket cleanup, detached launch,
// health convergence polling and leader connectivity checks.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/config"
	"github.com/pinwarden/pinwarden/internal/eventbus"
	"github.com/pinwarden/pinwarden/internal/execx"
	"github.com/pinwarden/pinwarden/internal/logging"
	"github.com/pinwarden/pinwarden/internal/models"
)

// Start and stop outcome labels.
const (
	StatusAlreadyRunningHealthy      = "already_running_healthy"
	StatusStartedHealthyConnected    = "started_healthy_connected"
	StatusStartedHealthyDisconnected = "started_healthy_disconnected"
	StatusStartedUnhealthy           = "started_unhealthy"
	StatusStartFailed                = "start_failed"
	StatusStopped                    = "stopped"
	StatusStopFailed                 = "stop_failed"
	StatusAlreadyStopped             = "already_stopped"
)

const eventSource = "follow-daemon-manager"

// configFiles is the on-disk config surface the manager needs.
type configFiles interface {
	EnsureConfig(ctx context.Context, bootstrapPeer string) error
	Validate() ([]string, error)
	Identity() (models.DaemonIdentity, error)
	StalePaths() []string
	Dir() string
}

// processControl is the process-table surface the manager needs.
type processControl interface {
	Find(ctx context.Context, binary, clusterTag string) ([]int, error)
	StartDetached(ctx context.Context, argv []string, logPath string) (int, error)
	Alive(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
	CleanStale(ctx context.Context, stalePaths []string, ports []int) []CleanedPort
}

// healthProbe is the HTTP probing surface the manager needs.
type healthProbe interface {
	Identity(ctx context.Context, baseURL string) (models.DaemonIdentity, error)
	PinCount(ctx context.Context, baseURL string) (int, error)
	Healthy(ctx context.Context, baseURL string) bool
	LeaderReachable(ctx context.Context, bootstrapPeer string, leaderAPIPort int) bool
}

// portStatus is the port inspection surface the manager needs.
type portStatus interface {
	Available(port int) bool
	Occupancy(ctx context.Context, port int) models.PortOccupancy
}

// StartResult is the composite outcome of one Start call.
type StartResult struct {
	Success         bool     `json:"success"`
	Status          string   `json:"status"`
	PID             int      `json:"pid,omitempty"`
	APIResponsive   bool     `json:"api_responsive"`
	LeaderConnected bool     `json:"leader_connected"`
	Errors          []string `json:"errors,omitempty"`
}

// StopResult is the composite outcome of one Stop call.
type StopResult struct {
	Success    bool     `json:"success"`
	Status     string   `json:"status"`
	Terminated []int    `json:"terminated,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// RestartResult carries both halves of a restart.
type RestartResult struct {
	Success bool        `json:"success"`
	Stop    StopResult  `json:"stop"`
	Start   StartResult `json:"start"`
}

// FollowDaemonManager orchestrates the follower daemon state machine:
// stopped -> starting -> {running_healthy, running_unhealthy} -> stopping
// -> stopped. All lifecycle operations for the managed cluster name are
// serialized through one mutex so concurrent calls cannot race on port
// cleanup or process launch.
type FollowDaemonManager struct {
	cfg    config.DaemonConfig
	files  configFiles
	proc   processControl
	probe  healthProbe
	ports  portStatus
	bus    eventbus.Publisher
	logger logging.Logger

	mu    sync.Mutex
	state models.DaemonState
}

// ManagerOptions carries the optional collaborators.
type ManagerOptions struct {
	Executor execx.Executor
	Bus      eventbus.Publisher
	Logger   logging.Logger
}

// NewFollowDaemonManager wires a manager for the follower described by cfg.
func NewFollowDaemonManager(cfg config.DaemonConfig, opts ManagerOptions) *FollowDaemonManager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Noop{}
	}
	executor := opts.Executor
	if executor == nil {
		executor = execx.System{}
	}

	ports := NewPortProbe(executor)
	return &FollowDaemonManager{
		cfg:    cfg,
		files:  NewConfigManager(cfg, executor, logger),
		proc:   NewSupervisor(executor, ports, logger),
		probe:  NewProber(cfg.ProbeTimeout),
		ports:  ports,
		bus:    bus,
		logger: logger,
		state:  models.DaemonStopped,
	}
}

// State returns the current lifecycle state.
func (m *FollowDaemonManager) State() models.DaemonState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *FollowDaemonManager) localURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", m.cfg.APIPort)
}

func (m *FollowDaemonManager) logPath() string {
	dir := m.cfg.LogDir
	if dir == "" {
		dir = filepath.Join(m.files.Dir(), "logs")
	}
	return filepath.Join(dir, m.cfg.ClusterName+".log")
}

// Start ensures the follower daemon is running against the bootstrap peer.
// A daemon that is already running and healthy short-circuits the call; a
// running but unhealthy one is stopped and relaunched.
func (m *FollowDaemonManager) Start(ctx context.Context, bootstrapPeer string, forceRestart bool) StartResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, bootstrapPeer, forceRestart)
}

func (m *FollowDaemonManager) startLocked(ctx context.Context, bootstrapPeer string, forceRestart bool) StartResult {
	if bootstrapPeer == "" {
		bootstrapPeer = m.cfg.BootstrapPeer
	}

	var result StartResult

	pids, err := m.proc.Find(ctx, m.cfg.Binary, m.cfg.ClusterName)
	if err != nil {
		result.Status = StatusStartFailed
		result.Errors = append(result.Errors, fmt.Sprintf("process lookup: %v", err))
		return result
	}
	if len(pids) > 0 {
		if !forceRestart && m.probe.Healthy(ctx, m.localURL()) {
			m.state = models.DaemonRunningHealthy
			return StartResult{
				Success:         true,
				Status:          StatusAlreadyRunningHealthy,
				PID:             pids[0],
				APIResponsive:   true,
				LeaderConnected: m.probe.LeaderReachable(ctx, bootstrapPeer, m.cfg.LeaderAPIPort),
			}
		}
		stop := m.stopLocked(ctx)
		result.Errors = append(result.Errors, stop.Errors...)
	}

	m.state = models.DaemonStarting

	if err := m.files.EnsureConfig(ctx, bootstrapPeer); err != nil {
		m.state = models.DaemonStopped
		result.Status = StatusStartFailed
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	followerPorts := []int{m.cfg.APIPort, m.cfg.ProxyPort}
	if cleaned := m.proc.CleanStale(ctx, m.files.StalePaths(), followerPorts); len(cleaned) > 0 {
		m.logger.Info(ctx, "cleaned stale port owners",
			zap.String("cluster", m.cfg.ClusterName),
			zap.Int("count", len(cleaned)))
	}
	if err := m.waitPortsFree(ctx, followerPorts); err != nil {
		m.state = models.DaemonStopped
		result.Status = StatusStartFailed
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	pid, err := m.proc.StartDetached(ctx, []string{m.cfg.Binary, m.cfg.ClusterName, "run"}, m.logPath())
	if err != nil {
		m.state = models.DaemonStopped
		result.Status = StatusStartFailed
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.PID = pid

	healthy, pollErr := m.pollHealthy(ctx)
	if pollErr != nil {
		result.Errors = append(result.Errors, pollErr.Error())
	}
	if !healthy {
		m.state = models.DaemonRunningUnhealthy
		result.Status = StatusStartedUnhealthy
		if !m.proc.Alive(pid) {
			result.Errors = append(result.Errors, (&ProcessLaunchError{Output: tailFile(m.logPath(), 2048)}).Error())
		}
		m.publishEvent(ctx, eventbus.EventDaemonUnhealthy, map[string]interface{}{
			"cluster": m.cfg.ClusterName,
			"pid":     pid,
		})
		return result
	}

	m.state = models.DaemonRunningHealthy
	result.Success = true
	result.APIResponsive = true
	result.LeaderConnected = m.probe.LeaderReachable(ctx, bootstrapPeer, m.cfg.LeaderAPIPort)
	if result.LeaderConnected {
		result.Status = StatusStartedHealthyConnected
	} else {
		result.Status = StatusStartedHealthyDisconnected
	}

	m.publishEvent(ctx, eventbus.EventDaemonStarted, map[string]interface{}{
		"cluster":          m.cfg.ClusterName,
		"pid":              pid,
		"leader_connected": result.LeaderConnected,
	})
	m.logger.Info(ctx, "follower daemon started",
		zap.String("cluster", m.cfg.ClusterName),
		zap.Int("pid", pid),
		zap.String("status", result.Status))
	return result
}

// waitPortsFree gives terminated port owners a moment to release their
// sockets before declaring a conflict.
func (m *FollowDaemonManager) waitPortsFree(ctx context.Context, ports []int) error {
	deadline := time.Now().Add(2 * time.Second)
	for _, port := range ports {
		for !m.ports.Available(port) {
			if time.Now().After(deadline) {
				occ := m.ports.Occupancy(ctx, port)
				return &PortConflictError{Port: port, PIDs: occ.PIDs}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	return nil
}

// pollHealthy probes the local status API at the configured interval until
// it responds or the start deadline passes.
func (m *FollowDaemonManager) pollHealthy(ctx context.Context) (bool, error) {
	if m.probe.Healthy(ctx, m.localURL()) {
		return true, nil
	}
	start := time.Now()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.cfg.StartTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, &HealthTimeoutError{Elapsed: time.Since(start)}
		case <-ticker.C:
			if m.probe.Healthy(ctx, m.localURL()) {
				return true, nil
			}
		}
	}
}

// Stop terminates all matching daemon processes, escalating to SIGKILL
// after the grace period, then cleans stale resources. Idempotent: with no
// matching processes it succeeds immediately.
func (m *FollowDaemonManager) Stop(ctx context.Context) StopResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *FollowDaemonManager) stopLocked(ctx context.Context) StopResult {
	pids, err := m.proc.Find(ctx, m.cfg.Binary, m.cfg.ClusterName)
	if err != nil {
		return StopResult{
			Status: StatusStopFailed,
			Errors: []string{fmt.Sprintf("process lookup: %v", err)},
		}
	}
	if len(pids) == 0 {
		m.state = models.DaemonStopped
		return StopResult{Success: true, Status: StatusAlreadyStopped}
	}

	m.state = models.DaemonStopping
	result := StopResult{Status: StatusStopped}

	for _, pid := range pids {
		if err := m.proc.Terminate(pid); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("terminating pid %d: %v", pid, err))
		}
	}

	deadline := time.Now().Add(m.cfg.StopGrace)
	remaining := pids
	for len(remaining) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err().Error())
			m.proc.CleanStale(ctx, m.files.StalePaths(), []int{m.cfg.APIPort, m.cfg.ProxyPort})
			return result
		case <-time.After(200 * time.Millisecond):
		}
		var alive []int
		for _, pid := range remaining {
			if m.proc.Alive(pid) {
				alive = append(alive, pid)
			}
		}
		remaining = alive
	}
	for _, pid := range remaining {
		m.logger.Warn(ctx, "force killing daemon after grace period",
			zap.String("cluster", m.cfg.ClusterName),
			zap.Int("pid", pid))
		if err := m.proc.Kill(pid); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("killing pid %d: %v", pid, err))
		}
	}

	m.proc.CleanStale(ctx, m.files.StalePaths(), []int{m.cfg.APIPort, m.cfg.ProxyPort})
	m.state = models.DaemonStopped
	result.Success = true
	result.Terminated = pids

	m.publishEvent(ctx, eventbus.EventDaemonStopped, map[string]interface{}{
		"cluster":    m.cfg.ClusterName,
		"terminated": len(pids),
	})
	return result
}

// Restart stops the daemon and starts it again, propagating both
// sub-results.
func (m *FollowDaemonManager) Restart(ctx context.Context, bootstrapPeer string) RestartResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	stop := m.stopLocked(ctx)
	start := m.startLocked(ctx, bootstrapPeer, false)
	return RestartResult{
		Success: stop.Success && start.Success,
		Stop:    stop,
		Start:   start,
	}
}

// Status recomputes the daemon's runtime status: process state, API
// identity and pin count when running, leader connectivity, per-port
// occupancy and config validity.
func (m *FollowDaemonManager) Status(ctx context.Context) models.DaemonRuntimeStatus {
	status := models.DaemonRuntimeStatus{
		BootstrapPeer: m.cfg.BootstrapPeer,
		LogFiles:      []string{m.logPath()},
	}

	warnings, err := m.files.Validate()
	status.ConfigValid = err == nil
	status.Errors = append(status.Errors, warnings...)
	if err != nil {
		status.Errors = append(status.Errors, err.Error())
	}

	for _, port := range []int{m.cfg.APIPort, m.cfg.ProxyPort} {
		status.Ports = append(status.Ports, m.ports.Occupancy(ctx, port))
	}

	pids, err := m.proc.Find(ctx, m.cfg.Binary, m.cfg.ClusterName)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("process lookup: %v", err))
		return status
	}
	if len(pids) == 0 {
		return status
	}
	status.Running = true
	status.PID = pids[0]

	identity, err := m.probe.Identity(ctx, m.localURL())
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("api probe: %v", err))
		return status
	}
	status.APIResponsive = true
	status.Identity = &identity

	if count, err := m.probe.PinCount(ctx, m.localURL()); err == nil {
		status.PinCount = count
	} else {
		status.Errors = append(status.Errors, fmt.Sprintf("pin count: %v", err))
	}
	status.LeaderConnected = m.probe.LeaderReachable(ctx, m.cfg.BootstrapPeer, m.cfg.LeaderAPIPort)
	return status
}

func (m *FollowDaemonManager) publishEvent(ctx context.Context, eventType eventbus.EventType, data map[string]interface{}) {
	event := eventbus.NewEvent(eventType, eventSource, m.cfg.ClusterName, data)
	if err := m.bus.PublishEvent(ctx, event); err != nil {
		m.logger.Warn(ctx, "publishing event failed",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
