package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/policy"
	"github.com/driftwarden/driftwarden/pkg/stores"
	"github.com/driftwarden/driftwarden/pkg/sweeper"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Drift detection and management",
		Long: `Detect and manage configuration drift.

Drift occurs when a runtime's workflows diverge from the environment's
baseline snapshot. Incidents track drift until it is reconciled; tenant
policy controls incident TTLs and which actions require approval.`,
	}

	cmd.AddCommand(newDriftDetectCommand())
	cmd.AddCommand(newDriftListCommand())
	cmd.AddCommand(newDriftAcknowledgeCommand())
	cmd.AddCommand(newDriftExtendCommand())
	cmd.AddCommand(newDriftReconcileCommand())
	cmd.AddCommand(newDriftApproveCommand())
	cmd.AddCommand(newDriftArtifactsCommand())
	cmd.AddCommand(newDriftScansCommand())

	return cmd
}

func newDriftDetectCommand() *cobra.Command {
	var createIncidents bool

	cmd := &cobra.Command{
		Use:   "detect <environment-id>",
		Short: "Detect configuration drift",
		Long: `Compare an environment's runtime workflows against its baseline snapshot.

With --create-incidents, drift on workflows without an open incident opens
one when the tenant policy enables auto-creation.`,
		Example: `  # Report drift without opening incidents
  warden drift detect 2f1c9a3e-...

  # Detect and open incidents per tenant policy
  warden drift detect 2f1c9a3e-... --create-incidents`,
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

			report, err := a.scanner.ScanEnvironment(ctx, env, createIncidents)
			if err != nil {
				return err
			}

			return printResult(report, func() {
				fmt.Printf("Environment %s against snapshot %s: %d in sync, %d drifted\n",
					env.Name, report.SnapshotID, report.InSync, len(report.Drifted))
				for _, d := range report.Drifted {
					state := "modified"
					if d.Missing {
						state = "missing from runtime"
					}
					line := fmt.Sprintf("  %s (%s): %s, severity %s", d.WorkflowName, d.WorkflowID, state, d.Severity)
					if d.SyncStatus != "" {
						line += fmt.Sprintf(", sync %s", d.SyncStatus)
					}
					if d.IncidentID != "" {
						line += ", incident " + d.IncidentID
					}
					fmt.Println(line)
				}
				if len(report.StaleWorkflows) > 0 {
					fmt.Printf("  snapshot is stale; not covering: %v\n", report.StaleWorkflows)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&createIncidents, "create-incidents", false, "open incidents for detected drift")

	return cmd
}

func newDriftListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <environment-id>",
		Short: "List open drift incidents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			incidents, err := a.store.ListOpenIncidentsByEnvironment(ctx, tenantID, args[0])
			if err != nil {
				return err
			}

			return printResult(incidents, func() {
				if len(incidents) == 0 {
					fmt.Println("No open incidents")
					return
				}
				for _, inc := range incidents {
					expiry := "never"
					if inc.ExpiresAt != nil {
						expiry = inc.ExpiresAt.Format(time.RFC3339)
					}
					if inc.Expired {
						expiry += " (expired)"
					}
					fmt.Printf("%s  %s  %s/%s  detected=%s expires=%s\n",
						inc.ID, inc.WorkflowName, inc.Status, inc.Severity,
						inc.DetectedAt.Format(time.RFC3339), expiry)
				}
			})
		},
	}

	return cmd
}

func newDriftAcknowledgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <incident-id>",
		Short: "Acknowledge a drift incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			incident, err := a.store.GetDriftIncident(ctx, args[0])
			if err != nil {
				return err
			}
			state, err := a.policies.CanPerform(ctx, incident, stores.ActionAcknowledge)
			if err != nil {
				return err
			}
			if !state.Allows() {
				return engine.NewPolicyBlockedError("acknowledge requires approval", nil).
					WithCode(engine.ErrCodeApprovalRequired).
					WithResource(incident.ID).
					WithDetail("approval_state", string(state))
			}
			if err := a.store.UpdateDriftIncidentStatus(ctx, incident.ID, stores.IncidentStatusAcknowledged, actor); err != nil {
				return err
			}

			fmt.Printf("Acknowledged incident %s\n", incident.ID)
			return nil
		},
	}

	return cmd
}

func newDriftExtendCommand() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "extend <incident-id>",
		Short: "Extend a drift incident's TTL",
		Long: `Push an open incident's expiry forward, clearing the expired flag.

The extension is anchored on the current expiry when it is still in the
future, otherwise on now. Tenant policy may require an approved
extend_ttl approval first.`,
		Example: `  # Give an incident another day
  warden drift extend 41ab... --hours 24`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			incident, err := a.policies.ExtendTTL(ctx, args[0], time.Duration(hours)*time.Hour, actor)
			if err != nil {
				return err
			}

			return printResult(incident, func() {
				if incident.ExpiresAt != nil {
					fmt.Printf("Incident %s now expires at %s\n",
						incident.ID, incident.ExpiresAt.Format(time.RFC3339))
				}
			})
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 0, "hours to extend the TTL by")
	_ = cmd.MarkFlagRequired("hours")

	return cmd
}

func newDriftReconcileCommand() *cobra.Command {
	var resolution string

	cmd := &cobra.Command{
		Use:   "reconcile <incident-id>",
		Short: "Reconcile a drift incident",
		Long: `Reconcile a drift incident with one of three resolutions:

  promote  accept the runtime state as the new baseline
  revert   restore the baseline state into the runtime
  replace  record that the desired state was updated out-of-band`,
		Example: `  # Accept the drifted state
  warden drift reconcile 41ab... --resolution promote

  # Roll the runtime back to the baseline
  warden drift reconcile 41ab... --resolution revert`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			artifact, err := a.reconciler.Execute(ctx, args[0], stores.ResolutionType(resolution), actor)
			if err != nil {
				return err
			}

			return printResult(artifact, func() {
				fmt.Printf("Reconciliation %s: %s (%s)\n", artifact.ID, artifact.Status, artifact.ResolutionType)
				if artifact.ErrorMessage != nil {
					fmt.Printf("  error: %s\n", *artifact.ErrorMessage)
				}
			})
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution type (promote, revert, replace)")
	_ = cmd.MarkFlagRequired("resolution")

	return cmd
}

func newDriftApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Request and decide drift action approvals",
	}

	cmd.AddCommand(newApprovalRequestCommand())
	cmd.AddCommand(newApprovalDecideCommand())

	return cmd
}

func newApprovalRequestCommand() *cobra.Command {
	var (
		action string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "request <incident-id>",
		Short: "Request approval for a gated action",
		Example: `  # Ask for approval to reconcile
  warden drift approval request 41ab... --action reconcile --reason "accepting hotfix"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			incident, err := a.store.GetDriftIncident(ctx, args[0])
			if err != nil {
				return err
			}
			pol, err := a.policies.EffectivePolicy(ctx, incident.TenantID)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			approval := &stores.DriftApproval{
				ID:          uuid.New().String(),
				TenantID:    incident.TenantID,
				IncidentID:  incident.ID,
				ActionType:  stores.ActionType(action),
				Status:      stores.ApprovalStatusPending,
				RequestedBy: actor,
				RequestedAt: now,
				ExpiresAt:   policy.ApprovalExpiry(pol, now),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if reason != "" {
				approval.Reason = &reason
			}
			if err := a.store.CreateDriftApproval(ctx, approval); err != nil {
				return err
			}

			return printResult(approval, func() {
				fmt.Printf("Approval %s requested for %s on incident %s\n",
					approval.ID, approval.ActionType, incident.ID)
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "gated action (acknowledge, extend_ttl, reconcile, deployment_override)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the action is needed")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func newApprovalDecideCommand() *cobra.Command {
	var approve bool

	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Approve or reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			status := stores.ApprovalStatusRejected
			if approve {
				status = stores.ApprovalStatusApproved
			}
			if err := a.store.DecideDriftApproval(ctx, args[0], status, actor); err != nil {
				return err
			}

			fmt.Printf("Approval %s: %s\n", args[0], status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&approve, "approve", false, "approve instead of reject")

	return cmd
}

func newDriftArtifactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts <incident-id>",
		Short: "List reconciliation attempts for an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			artifacts, err := a.store.ListArtifactsByIncident(ctx, args[0])
			if err != nil {
				return err
			}

			return printResult(artifacts, func() {
				if len(artifacts) == 0 {
					fmt.Println("No reconciliation attempts")
					return
				}
				for _, art := range artifacts {
					line := fmt.Sprintf("%s  %s  %s  requested by %s",
						art.ID, art.ResolutionType, art.Status, art.RequestedBy)
					if art.FinishedAt != nil {
						line += "  finished " + art.FinishedAt.Format(time.RFC3339)
					}
					fmt.Println(line)
					if art.ErrorMessage != nil {
						fmt.Printf("    error: %s\n", *art.ErrorMessage)
					}
				}
			})
		},
	}

	return cmd
}

func newDriftScansCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "scans",
		Short: "Show recent scheduled scan cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			entries, err := a.store.ListRefreshLog(ctx, sweeper.RefreshViewName, limit)
			if err != nil {
				return err
			}

			return printResult(entries, func() {
				if len(entries) == 0 {
					fmt.Println("No scan cycles recorded")
					return
				}
				for _, entry := range entries {
					line := fmt.Sprintf("%s  %s  started %s",
						entry.ID, entry.Status, entry.StartedAt.Format(time.RFC3339))
					if entry.FinishedAt != nil {
						line += "  finished " + entry.FinishedAt.Format(time.RFC3339)
					}
					fmt.Println(line)
					if entry.Error != nil {
						fmt.Printf("    error: %s\n", *entry.Error)
					}
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum cycles to show")

	return cmd
}
