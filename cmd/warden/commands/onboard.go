package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOnboardCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onboard <environment-id>",
		Short: "Capture an environment's baseline snapshot",
		Long: `Onboard an environment by capturing its first baseline snapshot.

The baseline records every workflow currently in the runtime and becomes
the reference state for drift detection. Onboarding an environment that
already has a baseline is a no-op.`,
		Example: `  # Onboard a registered environment
  warden onboard 2f1c9a3e-...

  # Re-run safely; an onboarded environment is left untouched
  warden onboard 2f1c9a3e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			result, err := a.onboarder.Onboard(ctx, args[0], actor)
			if err != nil {
				return err
			}

			return printResult(result, func() {
				if result.AlreadyOnboarded {
					fmt.Printf("Environment already onboarded at snapshot %s\n", result.SnapshotID)
					return
				}
				fmt.Printf("Onboarded %d workflows into snapshot %s (commit %s)\n",
					result.WorkflowsCount, result.SnapshotID, result.CommitRef)
				for _, id := range result.SkippedWorkflows {
					fmt.Printf("  skipped workflow %s (fetch failed)\n", id)
				}
			})
		},
	}

	return cmd
}
