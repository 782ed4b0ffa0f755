// Package bootstrap wires configuration into the running application:
// logging, telemetry, the optional event bus and pin archive, the health
// monitor, the replication manager, the follower daemon manager and the
// REST gateway.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/api"
	"github.com/pinwarden/pinwarden/internal/catalog"
	"github.com/pinwarden/pinwarden/internal/config"
	"github.com/pinwarden/pinwarden/internal/daemon"
	"github.com/pinwarden/pinwarden/internal/eventbus"
	"github.com/pinwarden/pinwarden/internal/execx"
	"github.com/pinwarden/pinwarden/internal/health"
	"github.com/pinwarden/pinwarden/internal/logging"
	"github.com/pinwarden/pinwarden/internal/models"
	"github.com/pinwarden/pinwarden/internal/policy"
	"github.com/pinwarden/pinwarden/internal/registry"
	"github.com/pinwarden/pinwarden/internal/replication"
	"github.com/pinwarden/pinwarden/internal/server"
	"github.com/pinwarden/pinwarden/internal/storage"
	"github.com/pinwarden/pinwarden/internal/telemetry"
	"github.com/pinwarden/pinwarden/internal/traffic"
)

// App is the fully wired application.
type App struct {
	Config      *config.Config
	Logger      logging.Logger
	Catalog     *catalog.Catalog
	Registry    *registry.Registry
	Traffic     *traffic.Counter
	Monitor     *health.Monitor
	Replication *replication.Manager
	Follower    *daemon.FollowDaemonManager
	Server      *server.Server

	bus     *eventbus.NATSBus
	archive *storage.YDBArchive
}

// New builds the application from configuration. Optional subsystems are
// wired only when configured: the NATS bus when eventbus.url is set, the
// YDB archive when database.endpoint is set and the rego policy when
// policy.module_path is set.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	if err := telemetry.InitGlobal(telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		PrometheusPort: cfg.Telemetry.PrometheusPort,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	cat, err := catalog.New(cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("building backend catalog: %w", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Catalog:  cat,
		Registry: registry.New(),
		Traffic:  traffic.NewCounter(),
		Monitor:  health.NewMonitor(cat, 0, logger),
	}

	var bus eventbus.Publisher = eventbus.Noop{}
	if cfg.EventBus.Enabled() {
		natsBus, err := eventbus.NewNATSBus(eventbus.Config{
			URL:  cfg.EventBus.URL,
			Name: cfg.EventBus.ClientName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}
		app.bus = natsBus
		bus = natsBus
	}

	var archive registry.Archive
	if cfg.Database.Enabled() {
		ydb, err := storage.Open(ctx, storage.Config{
			Endpoint:    cfg.Database.Endpoint,
			Database:    cfg.Database.Database,
			TablePrefix: cfg.Database.TablePrefix,
		}, logger.Zap())
		if err != nil {
			return nil, fmt.Errorf("opening pin archive: %w", err)
		}
		if err := ydb.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensuring archive schema: %w", err)
		}
		app.archive = ydb
		archive = ydb

		// Warm-start the registry from the archive.
		records, err := ydb.LoadPins(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading archived pins: %w", err)
		}
		for _, rec := range records {
			app.Registry.Upsert(rec)
		}
		logger.Info(ctx, "registry warm-started from archive",
			zap.Int("pins", len(records)))
	}

	var engine policy.Engine
	if cfg.Policy.Enabled() {
		module, err := os.ReadFile(cfg.Policy.ModulePath)
		if err != nil {
			return nil, fmt.Errorf("reading policy module: %w", err)
		}
		rego, err := policy.NewRegoEngine(ctx, string(module))
		if err != nil {
			return nil, fmt.Errorf("compiling policy module: %w", err)
		}
		engine = rego
	}

	app.Follower = daemon.NewFollowDaemonManager(cfg.Daemon, daemon.ManagerOptions{
		Executor: execx.System{},
		Bus:      bus,
		Logger:   logger,
	})

	app.Replication, err = replication.NewManager(
		cat,
		app.Registry,
		app.Traffic,
		app.Monitor,
		buildReplicators(cfg),
		cfg.Replication,
		replication.Options{
			Policy:  engine,
			Archive: archive,
			Bus:     bus,
			Logger:  logger,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("building replication manager: %w", err)
	}

	gateway := api.NewGateway(cfg.Server, app.Replication, app.Follower, logger)
	app.Server = server.New(cfg.Server, gateway.Router(), logger)
	return app, nil
}

// buildReplicators maps each backend class to its replication routine.
func buildReplicators(cfg *config.Config) map[models.BackendClass]replication.Replicator {
	clusterURL := cfg.Replicators.ClusterAPIURL
	if clusterURL == "" {
		clusterURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Daemon.APIPort)
	}

	replicators := map[models.BackendClass]replication.Replicator{
		models.BackendClassDistributed: &replication.ClusterPinReplicator{BaseURL: clusterURL},
		models.BackendClassBlockchain: &replication.CARArchiveReplicator{
			Binary:    cfg.Replicators.CARBinary,
			OutputDir: cfg.Replicators.CAROutputDir,
			Exec:      execx.System{},
		},
		models.BackendClassCloud: &replication.ColumnarSpoolReplicator{Dir: cfg.Replicators.SpoolDir},
	}
	if cfg.Replicators.GenericEndpoint != "" {
		replicators[models.BackendClassLocal] = &replication.GenericHTTPReplicator{
			Endpoint: cfg.Replicators.GenericEndpoint,
		}
	}
	return replicators
}

// Start launches telemetry, the health monitor and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	if t := telemetry.Global(); t != nil {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("starting telemetry: %w", err)
		}
	}
	a.Monitor.Start(ctx)
	return a.Server.Start(ctx)
}

// Stop shuts everything down in reverse order.
func (a *App) Stop(ctx context.Context) error {
	if err := a.Server.Stop(ctx); err != nil {
		a.Logger.Error(ctx, "server stop failed", zap.Error(err))
	}
	a.Monitor.Stop()

	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.Logger.Error(ctx, "event bus close failed", zap.Error(err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(ctx); err != nil {
			a.Logger.Error(ctx, "archive close failed", zap.Error(err))
		}
	}
	if t := telemetry.Global(); t != nil {
		if err := t.Stop(ctx); err != nil {
			a.Logger.Error(ctx, "telemetry stop failed", zap.Error(err))
		}
	}
	a.Logger.Sync()
	return nil
}
