package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	tenantID   string
	actor      string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Driftwarden - Workflow Configuration Drift Engine",
		Long: `Driftwarden snapshots workflow-automation runtimes into a content-addressed
repository, detects configuration drift against those baselines, and
reconciles or promotes workflows across environments.

Features:
  - Content-addressed snapshots over a git-style backend
  - Structural drift detection with severity classification
  - TTL and approval-gated drift policies
  - Locked cross-environment promotions with credential rewriting
  - Background sweepers for scans, incident expiry, and stuck work`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "default", "tenant id")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "warden-cli", "actor recorded in audit entries")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newEnvCommand())
	rootCmd.AddCommand(newOnboardCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newPromoteCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newServeCommand(version))

	return rootCmd
}

// printResult renders a command result as JSON when --json is set,
// otherwise through the supplied human formatter.
func printResult(v interface{}, human func()) error {
	if jsonOutput {
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}
	human()
	return nil
}
