package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pinwarden/pinwarden/internal/bootstrap"
	"github.com/pinwarden/pinwarden/internal/config"
	"github.com/pinwarden/pinwarden/internal/replication"
)

var version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "pinwarden",
		Short:         "Pin replication and follower daemon orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file")

	root.AddCommand(
		newServeCmd(&configFile),
		newFollowerCmd(&configFile),
		newPinCmd(&configFile),
		newBackupCmd(&configFile),
	)
	return root
}

// buildApp loads configuration and wires the application for one command.
func buildApp(ctx context.Context, configFile string) (*bootstrap.App, error) {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return bootstrap.New(ctx, cfg)
}

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the replication gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := buildApp(ctx, *configFile)
			if err != nil {
				return err
			}
			logger := app.Logger
			logger.Info(ctx, "pinwarden starting",
				zap.String("version", version),
				zap.String("config_file", *configFile))

			if err := app.Start(ctx); err != nil {
				return fmt.Errorf("starting components: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			logger.Info(ctx, "pinwarden is running")
			<-sigChan
			logger.Info(ctx, "shutdown signal received, stopping gracefully")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			if err := app.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info(ctx, "pinwarden stopped")
			return nil
		},
	}
}

func newFollowerCmd(configFile *string) *cobra.Command {
	follower := &cobra.Command{
		Use:   "follower",
		Short: "Manage the follower cluster daemon",
	}

	var bootstrapPeer string
	var forceRestart bool
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the follower daemon and wait for it to become healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			result := app.Follower.Start(cmd.Context(), bootstrapPeer, forceRestart)
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("follower start failed: %s", result.Status)
			}
			return nil
		},
	}
	start.Flags().StringVar(&bootstrapPeer, "bootstrap-peer", "", "leader peer multiaddress (defaults to daemon.bootstrap_peer)")
	start.Flags().BoolVar(&forceRestart, "force-restart", false, "restart even when already running healthy")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the follower daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			result := app.Follower.Stop(cmd.Context())
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("follower stop failed: %s", result.Status)
			}
			return nil
		},
	}

	var restartPeer string
	restart := &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the follower daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			result := app.Follower.Restart(cmd.Context(), restartPeer)
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("follower restart failed")
			}
			return nil
		},
	}
	restart.Flags().StringVar(&restartPeer, "bootstrap-peer", "", "leader peer multiaddress (defaults to daemon.bootstrap_peer)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Report follower daemon diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			return printJSON(app.Follower.Status(cmd.Context()))
		},
	}

	follower.AddCommand(start, stop, restart, status)
	return follower
}

func newPinCmd(configFile *string) *cobra.Command {
	pin := &cobra.Command{
		Use:   "pin",
		Short: "Inspect and replicate pins",
	}

	status := &cobra.Command{
		Use:   "status <cid>",
		Short: "Show replication status for a pin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			status, err := app.Replication.Status(args[0])
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}

	var targets []string
	var force bool
	var externalLink string
	replicate := &cobra.Command{
		Use:   "replicate <cid>",
		Short: "Replicate a pin to selected or explicit backends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			result, err := app.Replication.ReplicatePin(cmd.Context(), replication.ReplicateRequest{
				CID:          args[0],
				Targets:      targets,
				Force:        force,
				ExternalLink: externalLink,
			})
			if err != nil {
				return err
			}
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("replication failed for %s", args[0])
			}
			return nil
		},
	}
	replicate.Flags().StringSliceVar(&targets, "target", nil, "explicit target backends (repeatable)")
	replicate.Flags().BoolVar(&force, "force", false, "replicate even to backends that already hold the pin")
	replicate.Flags().StringVar(&externalLink, "external-link", "", "external locator to record with the pin")

	pin.AddCommand(status, replicate)
	return pin
}

func newBackupCmd(configFile *string) *cobra.Command {
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Export and import per-backend pin backups",
	}

	var exportBackend, exportPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write all pins of one backend to a JSON backup file",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			b, err := app.Replication.ExportBackup(cmd.Context(), exportBackend, exportPath)
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}
	export.Flags().StringVar(&exportBackend, "backend", "", "backend to export")
	export.Flags().StringVar(&exportPath, "path", "", "destination file")
	markRequired(export.Flags(), "backend", "path")

	var importPath, importTarget string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Restore pins from a backup file, optionally re-replicating",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			summary, err := app.Replication.ImportBackup(cmd.Context(), importPath, importTarget)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	importCmd.Flags().StringVar(&importPath, "path", "", "backup file to restore")
	importCmd.Flags().StringVar(&importTarget, "target-backend", "", "backend to re-replicate restored pins to")
	markRequired(importCmd.Flags(), "path")

	backup.AddCommand(export, importCmd)
	return backup
}

func markRequired(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := cobra.MarkFlagRequired(flags, name); err != nil {
			panic(err)
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
