package models

import (
	"time"
)

// BackendClass categorizes a storage backend by the kind of system behind it.
type BackendClass string

const (
	BackendClassDistributed BackendClass = "distributed"
	BackendClassBlockchain  BackendClass = "blockchain"
	BackendClassCloud       BackendClass = "cloud"
	BackendClassLocal       BackendClass = "local"
)

// BackendDescriptor describes one storage backend known to the catalog.
// Descriptors are loaded once at startup and never mutated.
type BackendDescriptor struct {
	Name      string       `json:"name" mapstructure:"name"`
	Class     BackendClass `json:"class" mapstructure:"class"`
	MaxSizeGB float64      `json:"max_size_gb" mapstructure:"max_size_gb"`
	Priority  int          `json:"priority" mapstructure:"priority"` // lower = preferred
	// HealthEndpoint is probed by the health monitor. Backends without one
	// are assumed healthy.
	HealthEndpoint string `json:"health_endpoint,omitempty" mapstructure:"health_endpoint"`
}

// BackendHealth is the health classification reported by the snapshot provider.
type BackendHealth string

const (
	BackendHealthy   BackendHealth = "healthy"
	BackendDegraded  BackendHealth = "degraded"
	BackendUnhealthy BackendHealth = "unhealthy"
)

// PinRecord is the placement record for a single content identifier.
type PinRecord struct {
	CID          string                 `json:"cid"`
	Backends     []string               `json:"backends"`
	Metadata     map[string]interface{} `json:"metadata"`
	LastCheck    time.Time              `json:"last_check"`
	ExternalLink string                 `json:"external_link,omitempty"`
}

// HasBackend reports whether the record already lists the given backend.
func (r *PinRecord) HasBackend(name string) bool {
	for _, b := range r.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// SizeBytes returns the pin size recorded in metadata, 0 when unknown.
func (r *PinRecord) SizeBytes() int64 {
	v, ok := r.Metadata["size_bytes"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// ReplicationHealth classifies how well replicated a pin is against the
// configured min/target/max replica counts.
type ReplicationHealth string

const (
	ReplicationCritical ReplicationHealth = "critical"
	ReplicationWarning  ReplicationHealth = "warning"
	ReplicationHealthy  ReplicationHealth = "healthy"
	ReplicationExcess   ReplicationHealth = "excess"
)

// ReplicationStrategy selects how target backends are ranked.
type ReplicationStrategy string

const (
	StrategyBalanced  ReplicationStrategy = "balanced"
	StrategyPriority  ReplicationStrategy = "priority"
	StrategySizeBased ReplicationStrategy = "size_based"
)

// ReplicationSettings is the runtime-replaceable replication policy. It is
// read on every reconciliation, so swapping it wholesale takes effect
// immediately.
type ReplicationSettings struct {
	MinReplicas       int                 `json:"min_replicas" mapstructure:"min_replicas"`
	MaxReplicas       int                 `json:"max_replicas" mapstructure:"max_replicas"`
	TargetReplicas    int                 `json:"target_replicas" mapstructure:"target_replicas"`
	MaxSizeGB         float64             `json:"max_size_gb" mapstructure:"max_size_gb"`
	PreferredBackends []string            `json:"preferred_backends" mapstructure:"preferred_backends"`
	Strategy          ReplicationStrategy `json:"strategy" mapstructure:"strategy"`
}

// Valid checks the min <= target <= max ordering invariant.
func (s ReplicationSettings) Valid() bool {
	return s.MinReplicas <= s.TargetReplicas && s.TargetReplicas <= s.MaxReplicas
}

// BackendTraffic holds the per-backend transfer counters.
type BackendTraffic struct {
	TrafficBytes int64 `json:"traffic_bytes"`
	FileCount    int64 `json:"file_count"`
	Operations   int64 `json:"operations"`
	Errors       int64 `json:"errors"`
}

// TrafficSnapshot is a read-only copy of all counters.
type TrafficSnapshot struct {
	Backends     map[string]BackendTraffic `json:"backends"`
	SessionStart time.Time                 `json:"session_start"`
}

// DaemonIdentity is the persisted identity of a follower instance. Generated
// once at config-creation time; treated as immutable afterwards.
type DaemonIdentity struct {
	PeerID          string   `json:"id"`
	PrivateKey      string   `json:"private_key"`
	ListenAddresses []string `json:"addresses,omitempty"`
}

// DaemonRuntimeStatus is derived on every status query, never persisted.
type DaemonRuntimeStatus struct {
	Running         bool            `json:"running"`
	PID             int             `json:"pid,omitempty"`
	APIResponsive   bool            `json:"api_responsive"`
	BootstrapPeer   string          `json:"bootstrap_peer,omitempty"`
	LeaderConnected bool            `json:"leader_connected"`
	PinCount        int             `json:"pin_count"`
	Ports           []PortOccupancy `json:"ports,omitempty"`
	ConfigValid     bool            `json:"config_valid"`
	Identity        *DaemonIdentity `json:"identity,omitempty"`
	LogFiles        []string        `json:"log_files,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
}

// PortOccupancy reports one port the follower needs and who holds it.
type PortOccupancy struct {
	Port  int   `json:"port"`
	InUse bool  `json:"in_use"`
	PIDs  []int `json:"pids,omitempty"`
}

// DaemonState is the lifecycle state of the follower daemon.
type DaemonState string

const (
	DaemonStopped          DaemonState = "stopped"
	DaemonStarting         DaemonState = "starting"
	DaemonRunningHealthy   DaemonState = "running_healthy"
	DaemonRunningUnhealthy DaemonState = "running_unhealthy"
	DaemonStopping         DaemonState = "stopping"
)
