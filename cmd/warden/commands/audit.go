package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the tenant's audit trail",
		Long: `List audit entries for the tenant, newest first.

Every state-changing operation (onboarding, promotions, reconciliations,
incident transitions) appends an entry.`,
		Example: `  # The 20 most recent entries
  warden audit

  # Page through older history
  warden audit --limit 50 --offset 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			entries, err := a.store.ListAudit(ctx, tenantID, limit, offset)
			if err != nil {
				return err
			}

			return printResult(entries, func() {
				if len(entries) == 0 {
					fmt.Println("No audit entries")
					return
				}
				for _, entry := range entries {
					fmt.Printf("%s  %s  %s  %s/%s  by %s\n",
						entry.CreatedAt.Format(time.RFC3339), entry.Action,
						entry.ResourceType, entry.ResourceID, entry.TenantID, entry.Actor)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}
