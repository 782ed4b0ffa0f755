package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/config"
	"github.com/pinwarden/pinwarden/internal/execx"
	"github.com/pinwarden/pinwarden/internal/logging"
	"github.com/pinwarden/pinwarden/internal/models"
)

const (
	serviceFile  = "service.json"
	identityFile = "identity.json"
	lockFile     = "cluster.lock"
	socketFile   = "api.sock"
)

// requiredSections are the top-level service.json sections a usable follower
// config must carry.
var requiredSections = []string{"cluster", "api", "ipfs_connector"}

// ConfigManager resolves and maintains the on-disk configuration of one
// named follower instance.
type ConfigManager struct {
	cfg    config.DaemonConfig
	exec   execx.Executor
	logger logging.Logger
}

// NewConfigManager creates a manager for the follower described by cfg.
// When BaseDir is empty the binary's default home under $HOME is used.
func NewConfigManager(cfg config.DaemonConfig, executor execx.Executor, logger logging.Logger) *ConfigManager {
	if executor == nil {
		executor = execx.System{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.BaseDir = filepath.Join(home, "."+cfg.Binary)
		}
	}
	return &ConfigManager{cfg: cfg, exec: executor, logger: logger}
}

// Dir is the config directory of this follower instance.
func (c *ConfigManager) Dir() string {
	return filepath.Join(c.cfg.BaseDir, c.cfg.ClusterName)
}

// ServicePath returns the service.json path.
func (c *ConfigManager) ServicePath() string { return filepath.Join(c.Dir(), serviceFile) }

// IdentityPath returns the identity.json path.
func (c *ConfigManager) IdentityPath() string { return filepath.Join(c.Dir(), identityFile) }

// StalePaths returns the lock and socket files left behind by an unclean
// shutdown.
func (c *ConfigManager) StalePaths() []string {
	return []string{
		filepath.Join(c.Dir(), lockFile),
		filepath.Join(c.Dir(), socketFile),
	}
}

// EnsureConfig makes sure service.json exists, running the follower init
// command against the bootstrap peer when it does not, then rewrites the
// listen ports to this follower's pair so it never collides with a leader
// instance on the same host.
func (c *ConfigManager) EnsureConfig(ctx context.Context, bootstrapPeer string) error {
	if _, err := os.Stat(c.ServicePath()); err == nil {
		return nil
	}
	if bootstrapPeer == "" {
		return &ConfigurationError{
			Msg:  fmt.Sprintf("no config for follower %s and no bootstrap peer given", c.cfg.ClusterName),
			Hint: "set daemon.bootstrap_peer",
		}
	}

	if err := os.MkdirAll(c.cfg.BaseDir, 0o755); err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("creating config base dir: %v", err)}
	}

	c.logger.Info(ctx, "initializing follower config",
		zap.String("cluster", c.cfg.ClusterName),
		zap.String("bootstrap_peer", bootstrapPeer))

	out, err := c.exec.Run(ctx, c.cfg.Binary, c.cfg.ClusterName, "init", bootstrapPeer)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &ConfigurationError{
				Msg:  fmt.Sprintf("follower binary %s not found", c.cfg.Binary),
				Hint: fmt.Sprintf("install %s and make sure it is on PATH", c.cfg.Binary),
			}
		}
		return &ConfigurationError{
			Msg: fmt.Sprintf("init failed for %s: %v: %s", c.cfg.ClusterName, err, strings.TrimSpace(string(out))),
		}
	}

	return c.applyFollowerPorts()
}

// applyFollowerPorts rewrites the API and proxy listen multiaddresses in
// service.json to the follower port pair.
func (c *ConfigManager) applyFollowerPorts() error {
	raw, err := os.ReadFile(c.ServicePath())
	if err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("reading %s: %v", c.ServicePath(), err)}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("parsing %s: %v", c.ServicePath(), err)}
	}

	api, ok := doc["api"].(map[string]interface{})
	if !ok {
		return &ConfigurationError{Msg: "service.json has no api section"}
	}
	if restapi, ok := api["restapi"].(map[string]interface{}); ok {
		restapi["http_listen_multiaddress"] = fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", c.cfg.APIPort)
	}
	if proxy, ok := api["ipfsproxy"].(map[string]interface{}); ok {
		proxy["listen_multiaddress"] = fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", c.cfg.ProxyPort)
	}

	updated, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("encoding %s: %v", c.ServicePath(), err)}
	}
	if err := os.WriteFile(c.ServicePath(), updated, 0o644); err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("writing %s: %v", c.ServicePath(), err)}
	}
	return nil
}

// Validate checks that the required top-level sections are present. A
// mismatched API port is a warning, not an error.
func (c *ConfigManager) Validate() ([]string, error) {
	raw, err := os.ReadFile(c.ServicePath())
	if err != nil {
		return nil, &ConfigurationError{
			Msg:  fmt.Sprintf("follower config missing at %s", c.ServicePath()),
			Hint: "run start with a bootstrap peer to initialize it",
		}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("parsing %s: %v", c.ServicePath(), err)}
	}

	for _, section := range requiredSections {
		if _, ok := doc[section]; !ok {
			return nil, &ConfigurationError{
				Msg:  fmt.Sprintf("service.json missing required section %q", section),
				Hint: "re-run init to regenerate the config",
			}
		}
	}

	var warnings []string
	expected := fmt.Sprintf("/tcp/%d", c.cfg.APIPort)
	if api, ok := doc["api"].(map[string]interface{}); ok {
		if restapi, ok := api["restapi"].(map[string]interface{}); ok {
			if addr, ok := restapi["http_listen_multiaddress"].(string); ok && !strings.Contains(addr, expected) {
				warnings = append(warnings, fmt.Sprintf(
					"configured api listen address %q does not use expected follower port %d", addr, c.cfg.APIPort))
			}
		}
	}
	return warnings, nil
}

// Identity reads the persisted peer identity. The identity is generated at
// init time and never rewritten by pinwarden.
func (c *ConfigManager) Identity() (models.DaemonIdentity, error) {
	raw, err := os.ReadFile(c.IdentityPath())
	if err != nil {
		return models.DaemonIdentity{}, fmt.Errorf("reading identity: %w", err)
	}
	var identity models.DaemonIdentity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return models.DaemonIdentity{}, fmt.Errorf("parsing identity: %w", err)
	}
	return identity, nil
}
