package commands

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	configpkg "github.com/driftwarden/driftwarden/pkg/config"
	"github.com/driftwarden/driftwarden/pkg/sweeper"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background engine",
		Long: `Run the engine's background loops until interrupted.

This starts the sweeper (incident expiry, scheduled drift scans across
every environment, stuck-work cleanup) and, when enabled, the metrics
endpoint. Editing the config file while running re-applies the sweep
cadence without a restart.`,
		Example: `  # Run with the default configuration
  warden serve

  # Run against a config file
  warden serve --config warden.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.metrics.StartMetricsServer(); err != nil {
				return err
			}

			scanner := a.scanner
			var mu sync.Mutex
			sw := sweeper.New(a.cfg.SweeperConfig(), a.store, scanner, a.events, a.metrics, a.logger)
			sw.Start(ctx)

			if configPath != "" {
				watcher, err := configpkg.NewWatcher(configPath, a.logger)
				if err != nil {
					return err
				}
				go watcher.Watch(ctx, func(cfg *configpkg.Config) {
					// Only the sweep cadence is hot-reloaded; storage and
					// telemetry changes need a restart.
					mu.Lock()
					defer mu.Unlock()
					sw.Stop()
					sw = sweeper.New(cfg.SweeperConfig(), a.store, scanner, a.events, a.metrics, a.logger)
					sw.Start(ctx)
					a.logger.Info().Msg("sweep cadence reloaded from config")
				})
			}

			fmt.Println("Engine running; press Ctrl+C to stop")
			<-ctx.Done()

			mu.Lock()
			sw.Stop()
			mu.Unlock()
			return nil
		},
	}

	return cmd
}
