package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the tenant's drift policy",
		Long: `Show or update the tenant's drift policy.

The policy sets per-severity incident TTLs, whether scans auto-create
incidents, whether drift blocks deployments, and which actions require
approval.`,
	}

	cmd.AddCommand(newPolicyShowCommand())
	cmd.AddCommand(newPolicySetCommand())

	return cmd
}

func newPolicyShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective drift policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			pol, err := a.policies.EffectivePolicy(ctx, tenantID)
			if err != nil {
				return err
			}

			return printResult(pol, func() {
				fmt.Printf("Drift policy for tenant %s:\n", tenantID)
				fmt.Printf("  TTL hours: critical=%d high=%d medium=%d low=%d default=%d (0 = never)\n",
					pol.CriticalTTLHours, pol.HighTTLHours, pol.MediumTTLHours, pol.LowTTLHours, pol.DefaultTTLHours)
				fmt.Printf("  auto-create incidents: %v\n", pol.AutoCreateIncidents)
				fmt.Printf("  block deployments on drift: %v, on expired: %v\n",
					pol.BlockDeploymentsOnDrift, pol.BlockDeploymentsOnExpired)
				fmt.Printf("  approval required: acknowledge=%v extend-ttl=%v reconcile=%v (expiry %dh)\n",
					pol.RequireApprovalAcknowledge, pol.RequireApprovalExtendTTL,
					pol.RequireApprovalReconcile, pol.ApprovalExpiryHours)
			})
		},
	}

	return cmd
}

func newPolicySetCommand() *cobra.Command {
	var (
		criticalTTL, highTTL, mediumTTL, lowTTL, defaultTTL int
		autoCreate, blockDrift, blockExpired                bool
		requireAck, requireExtend, requireReconcile         bool
		approvalExpiry                                      int
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the drift policy",
		Long: `Update the tenant's drift policy. Only flags that are set change; the
rest keep their current values.`,
		Example: `  # Auto-create incidents, expire medium drift after a day
  warden policy set --auto-create --medium-ttl 24

  # Block deployments while expired drift is open
  warden policy set --block-on-expired`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			pol, err := a.policies.EffectivePolicy(ctx, tenantID)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("critical-ttl") {
				pol.CriticalTTLHours = criticalTTL
			}
			if flags.Changed("high-ttl") {
				pol.HighTTLHours = highTTL
			}
			if flags.Changed("medium-ttl") {
				pol.MediumTTLHours = mediumTTL
			}
			if flags.Changed("low-ttl") {
				pol.LowTTLHours = lowTTL
			}
			if flags.Changed("default-ttl") {
				pol.DefaultTTLHours = defaultTTL
			}
			if flags.Changed("auto-create") {
				pol.AutoCreateIncidents = autoCreate
			}
			if flags.Changed("block-on-drift") {
				pol.BlockDeploymentsOnDrift = blockDrift
			}
			if flags.Changed("block-on-expired") {
				pol.BlockDeploymentsOnExpired = blockExpired
			}
			if flags.Changed("require-approval-ack") {
				pol.RequireApprovalAcknowledge = requireAck
			}
			if flags.Changed("require-approval-extend") {
				pol.RequireApprovalExtendTTL = requireExtend
			}
			if flags.Changed("require-approval-reconcile") {
				pol.RequireApprovalReconcile = requireReconcile
			}
			if flags.Changed("approval-expiry") {
				pol.ApprovalExpiryHours = approvalExpiry
			}
			now := time.Now().UTC()
			if pol.ID == "" {
				pol.ID = uuid.New().String()
				pol.CreatedAt = now
			}
			pol.UpdatedAt = now

			if err := a.store.UpsertDriftPolicy(ctx, pol); err != nil {
				return err
			}

			return printResult(pol, func() {
				fmt.Printf("Updated drift policy for tenant %s\n", tenantID)
			})
		},
	}

	cmd.Flags().IntVar(&criticalTTL, "critical-ttl", 0, "critical incident TTL in hours (0 = never)")
	cmd.Flags().IntVar(&highTTL, "high-ttl", 0, "high incident TTL in hours")
	cmd.Flags().IntVar(&mediumTTL, "medium-ttl", 0, "medium incident TTL in hours")
	cmd.Flags().IntVar(&lowTTL, "low-ttl", 0, "low incident TTL in hours")
	cmd.Flags().IntVar(&defaultTTL, "default-ttl", 0, "fallback incident TTL in hours")
	cmd.Flags().BoolVar(&autoCreate, "auto-create", false, "auto-create incidents on scan")
	cmd.Flags().BoolVar(&blockDrift, "block-on-drift", false, "block deployments while drift is open")
	cmd.Flags().BoolVar(&blockExpired, "block-on-expired", false, "block deployments while expired drift is open")
	cmd.Flags().BoolVar(&requireAck, "require-approval-ack", false, "require approval to acknowledge")
	cmd.Flags().BoolVar(&requireExtend, "require-approval-extend", false, "require approval to extend TTL")
	cmd.Flags().BoolVar(&requireReconcile, "require-approval-reconcile", false, "require approval to reconcile")
	cmd.Flags().IntVar(&approvalExpiry, "approval-expiry", 0, "approval validity in hours (0 = never expires)")

	return cmd
}
