package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cohenjo/readmodel/pkg/config"
	"github.com/cohenjo/readmodel/pkg/position"
	"github.com/cohenjo/readmodel/pkg/replicator"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "readmodel",
	Short:         "Keep a document read model in sync with a table's change stream",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: search ./, ./conf, /etc/readmodel)")

	checkpointResetCmd.Flags().Bool("yes", false, "confirm deleting the stored position")
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointResetCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configValidateCmd)

	rootCmd.AddCommand(runCmd, checkpointCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *config.Loader, *logrus.Logger, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, loader, config.SetupLogging(cfg.Logging), nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start streaming changes into the read model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		svc, err := replicator.NewService(ctx, replicator.ServiceOptions{
			Config:  cfg,
			Logger:  logger,
			Version: version,
		})
		if err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			_ = svc.Stop(context.Background())
			return err
		}
		loader.Watch(onConfigChange(cfg, logger, cancel))

		sh := replicator.NewShutdownHandler(replicator.ShutdownHandlerOptions{
			Service:         svc,
			Logger:          logger,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		})
		sh.AddHook(replicator.CreateStatsLogHook(svc, logger))
		return sh.Wait(ctx)
	},
}

// onConfigChange applies a new log level in place. Any other edit cancels
// the run so it shuts down cleanly and the supervisor restarts it with the
// new settings.
func onConfigChange(cur *config.Config, logger *logrus.Logger, restart context.CancelFunc) func(*config.Config) {
	var mu sync.Mutex
	return func(next *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		if config.NeedsRestart(cur, next) {
			logger.Warn("Configuration changed, shutting down to restart with the new settings")
			restart()
			return
		}
		if next.Logging.Level != cur.Logging.Level {
			config.SetLogLevel(next.Logging.Level, logger)
			logger.WithField("level", next.Logging.Level).Info("Log level changed")
		}
		cur = next
	}
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset the stored source position",
}

func openTracker(ctx context.Context) (position.Tracker, string, error) {
	cfg, _, logger, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	tracker, err := position.NewTracker(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return nil, "", err
	}
	return tracker, cfg.Checkpoint.StreamID, nil
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored position",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, streamID, err := openTracker(cmd.Context())
		if err != nil {
			return err
		}
		defer tracker.Close()

		rec, err := tracker.Load(cmd.Context(), streamID)
		if errors.Is(err, position.ErrPositionNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "no checkpoint stored for %s\n", streamID)
			return nil
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the stored position so the source starts from its current head",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to reset without --yes")
		}
		tracker, streamID, err := openTracker(cmd.Context())
		if err != nil {
			return err
		}
		defer tracker.Close()

		if err := tracker.Delete(cmd.Context(), streamID); err != nil && !errors.Is(err, position.ErrPositionNotFound) {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checkpoint for %s removed\n", streamID)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "readmodel.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteTemplateFile(path, config.DefaultConfig(), force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		cfg, err := loader.Load(cfgFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %s -> %s (%s)\n", cfg.Source.Type, cfg.Sink.Type, cfg.Source.Table)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "readmodel %s\n", version)
	},
}
