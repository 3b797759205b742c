package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect snapshots and baseline pointers",
	}

	cmd.AddCommand(newSnapshotPointerCommand())
	cmd.AddCommand(newSnapshotManifestCommand())
	cmd.AddCommand(newSnapshotVerifyCommand())

	return cmd
}

func newSnapshotPointerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pointer <environment-id>",
		Short: "Show the environment's baseline pointer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			pointer, err := a.snapshots.GetPointer(ctx, args[0])
			if err != nil {
				return err
			}

			return printResult(pointer, func() {
				fmt.Printf("Environment %s points at snapshot %s (commit %s)\n",
					pointer.EnvironmentID, pointer.SnapshotID, pointer.CommitRef)
				fmt.Printf("  updated by %s at %s\n",
					pointer.UpdatedBy, pointer.UpdatedAt.Format(time.RFC3339))
			})
		},
	}

	return cmd
}

func newSnapshotManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest <environment-id> <snapshot-id>",
		Short: "Show a snapshot manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			manifest, err := a.snapshots.GetManifest(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			return printResult(manifest, func() {
				fmt.Printf("Snapshot %s (%s): %d workflows, overall hash %s\n",
					manifest.SnapshotID, manifest.Kind, manifest.WorkflowsCount, manifest.OverallHash)
				fmt.Printf("  created by %s at %s\n",
					manifest.CreatedBy, manifest.CreatedAt.Format(time.RFC3339))
				if manifest.Reason != "" {
					fmt.Printf("  reason: %s\n", manifest.Reason)
				}
				for _, entry := range manifest.Workflows {
					fmt.Printf("  %s  %s  %s\n", entry.WorkflowID, entry.Name, entry.ContentHash)
				}
			})
		},
	}

	return cmd
}

func newSnapshotVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <environment-id>",
		Short: "Verify the runtime against the baseline snapshot",
		Long: `Recompute content hashes for the environment's runtime workflows and
compare them entry by entry against the baseline manifest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			env, err := a.store.GetEnvironment(ctx, args[0])
			if err != nil {
				return err
			}
			pointer, err := a.snapshots.GetPointer(ctx, env.ID)
			if err != nil {
				return err
			}
			adapter, err := a.resolver.AdapterFor(ctx, env)
			if err != nil {
				return err
			}
			defs, err := adapter.GetWorkflows(ctx)
			if err != nil {
				return err
			}

			matches, mismatches, err := a.snapshots.VerifyRuntimeMatches(ctx, env.ID, pointer.SnapshotID, defs)
			if err != nil {
				return err
			}

			result := struct {
				SnapshotID string      `json:"snapshot_id"`
				Matches    bool        `json:"matches"`
				Mismatches interface{} `json:"mismatches,omitempty"`
			}{pointer.SnapshotID, matches, mismatches}

			return printResult(result, func() {
				if matches {
					fmt.Printf("Runtime matches snapshot %s\n", pointer.SnapshotID)
					return
				}
				fmt.Printf("Runtime does not match snapshot %s:\n", pointer.SnapshotID)
				for _, m := range mismatches {
					fmt.Printf("  %+v\n", m)
				}
			})
		},
	}

	return cmd
}
