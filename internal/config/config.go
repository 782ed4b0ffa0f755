package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pinwarden/pinwarden/internal/models"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig               `mapstructure:"server"`
	Daemon      DaemonConfig               `mapstructure:"daemon"`
	Replication models.ReplicationSettings `mapstructure:"replication"`
	Backends    []models.BackendDescriptor `mapstructure:"backends"`
	Replicators ReplicatorsConfig          `mapstructure:"replicators"`
	Policy      PolicyConfig               `mapstructure:"policy"`
	Database    DatabaseConfig             `mapstructure:"database"`
	EventBus    EventBusConfig             `mapstructure:"eventbus"`
	Telemetry   TelemetryConfig            `mapstructure:"telemetry"`
	Logging     LoggingConfig              `mapstructure:"logging"`
}

// ReplicatorsConfig holds the per-class backend replicator settings
type ReplicatorsConfig struct {
	ClusterAPIURL   string `mapstructure:"cluster_api_url"`
	CARBinary       string `mapstructure:"car_binary"`
	CAROutputDir    string `mapstructure:"car_output_dir"`
	SpoolDir        string `mapstructure:"spool_dir"`
	GenericEndpoint string `mapstructure:"generic_endpoint"`
}

// PolicyConfig points at an optional rego module restricting backend
// placement
type PolicyConfig struct {
	ModulePath string `mapstructure:"module_path"`
}

// Enabled reports whether a placement policy should be loaded at startup.
func (p PolicyConfig) Enabled() bool { return p.ModulePath != "" }

// ServerConfig holds the REST gateway configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RatePerMin   int           `mapstructure:"rate_per_min"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// DaemonConfig holds follower-daemon supervision settings
type DaemonConfig struct {
	Binary        string        `mapstructure:"binary"`
	ClusterName   string        `mapstructure:"cluster_name"`
	BaseDir       string        `mapstructure:"base_dir"`
	LogDir        string        `mapstructure:"log_dir"`
	APIPort       int           `mapstructure:"api_port"`
	ProxyPort     int           `mapstructure:"proxy_port"`
	LeaderAPIPort int           `mapstructure:"leader_api_port"`
	BootstrapPeer string        `mapstructure:"bootstrap_peer"`
	StartTimeout  time.Duration `mapstructure:"start_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// DatabaseConfig holds the optional YDB pin-archive configuration
type DatabaseConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Database    string `mapstructure:"database"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// Enabled reports whether the archive should be wired at startup.
func (d DatabaseConfig) Enabled() bool { return d.Endpoint != "" }

// EventBusConfig holds NATS configuration
type EventBusConfig struct {
	URL        string `mapstructure:"url"`
	StreamName string `mapstructure:"stream_name"`
	ClientName string `mapstructure:"client_name"`
}

// Enabled reports whether the event bus should be wired at startup.
func (e EventBusConfig) Enabled() bool { return e.URL != "" }

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	ErrorPath  string `mapstructure:"error_path"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/pinwarden")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("PINWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field invariants that viper cannot express.
func (c *Config) Validate() error {
	if !c.Replication.Valid() {
		return fmt.Errorf("invalid replication settings: require min (%d) <= target (%d) <= max (%d)",
			c.Replication.MinReplicas, c.Replication.TargetReplicas, c.Replication.MaxReplicas)
	}
	if c.Daemon.APIPort == c.Daemon.LeaderAPIPort {
		return fmt.Errorf("follower api port %d collides with leader api port", c.Daemon.APIPort)
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with empty name in catalog")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend %q in catalog", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.rate_per_min", 100)
	v.SetDefault("server.rate_burst", 10)

	// Follower daemon defaults. The follower port pair is deliberately
	// offset from the leader's 9094/9095 so both can share a host.
	v.SetDefault("daemon.binary", "ipfs-cluster-follow")
	v.SetDefault("daemon.cluster_name", "pinwarden-follower")
	v.SetDefault("daemon.base_dir", "")
	v.SetDefault("daemon.log_dir", "")
	v.SetDefault("daemon.api_port", 9097)
	v.SetDefault("daemon.proxy_port", 9098)
	v.SetDefault("daemon.leader_api_port", 9094)
	v.SetDefault("daemon.start_timeout", "30s")
	v.SetDefault("daemon.poll_interval", "2s")
	v.SetDefault("daemon.stop_grace", "3s")
	v.SetDefault("daemon.probe_timeout", "5s")

	// Replicator defaults. The cluster API URL falls back to the managed
	// follower's local API when empty.
	v.SetDefault("replicators.cluster_api_url", "")
	v.SetDefault("replicators.car_binary", "ipfs")
	v.SetDefault("replicators.car_output_dir", "/var/lib/pinwarden/car")
	v.SetDefault("replicators.spool_dir", "/var/lib/pinwarden/spool")
	v.SetDefault("replicators.generic_endpoint", "")

	// Policy defaults (no placement policy unless a module is given)
	v.SetDefault("policy.module_path", "")

	// Replication defaults
	v.SetDefault("replication.min_replicas", 1)
	v.SetDefault("replication.target_replicas", 2)
	v.SetDefault("replication.max_replicas", 5)
	v.SetDefault("replication.max_size_gb", 100.0)
	v.SetDefault("replication.strategy", "priority")

	// Database defaults (archive disabled unless endpoint set)
	v.SetDefault("database.endpoint", "")
	v.SetDefault("database.database", "/local")
	v.SetDefault("database.table_prefix", "pinwarden")

	// Event bus defaults (disabled unless url set)
	v.SetDefault("eventbus.url", "")
	v.SetDefault("eventbus.stream_name", "PINWARDEN_EVENTS")
	v.SetDefault("eventbus.client_name", "pinwarden")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9091)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "pinwarden")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.error_path", "stderr")
}
