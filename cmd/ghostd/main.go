// Command ghostd is Ghost's daemon entrypoint: it loads configuration,
// wires every component through fx, and runs until terminated. ghostd
// is a single headless process rather than a multi-subcommand CLI, so
// the only flags are the three environment-variable overrides.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"ghost/internal/bus"
	"ghost/internal/commandproc"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/daemon"
	"ghost/internal/outbox"
	"ghost/internal/store"
	"ghost/internal/supervisor"
	"ghost/internal/tracker"
	"ghost/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var installDir, dataDir, busURL string

	cmd := &cobra.Command{
		Use:           config.AppName + "d",
		Short:         "Ghost process orchestration daemon",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			applyOverrides(cfg, installDir, dataDir, busURL)

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&installDir, "install-dir", "", "override GHOST_INSTALL_DIR")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override GHOST_DATA_DIR")
	cmd.Flags().StringVar(&busURL, "bus-url", "", "override GHOST_BUS_URL")

	return cmd
}

// applyOverrides lets explicit flags win over the environment-sourced
// config, without ever overwriting a field with an empty flag value.
func applyOverrides(cfg *config.Config, installDir, dataDir, busURL string) {
	if installDir != "" {
		cfg.InstallDir = installDir
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	if busURL != "" {
		cfg.BusURL = busURL
	}
}

// run builds the fx graph and runs it with app.Run, which starts the
// application and blocks until the process receives SIGINT or SIGTERM.
func run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	app := fx.New(
		fx.WithLogger(createFxLogger(cfg)),
		fx.Supply(cfg),
		logger.Module,
		store.Module,
		outbox.Module,
		worker.Module,
		bus.Module,
		tracker.Module,
		supervisor.Module,
		commandproc.Module,
		daemon.Module,
	)

	app.Run()

	if err := app.Err(); err != nil {
		return err
	}

	return nil
}

func createFxLogger(cfg *config.Config) func() fxevent.Logger {
	return func() fxevent.Logger {
		if cfg.LogLevel == logger.DebugLevel {
			return &fxevent.ConsoleLogger{W: os.Stdout}
		}

		return fxevent.NopLogger
	}
}
