package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/promotion"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

func newPromoteCommand() *cobra.Command {
	var (
		name            string
		sourceEnvID     string
		targetEnvID     string
		workflowIDs     []string
		credentialPairs []string
		reason          string
	)

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote workflows between environments",
		Long: `Promote workflows from a source environment into a target environment.

The promotion snapshots the selected workflows, rewrites credential
references for the target, deploys, verifies the runtime against the
snapshot, and advances the target's baseline pointer. Guardrails and the
tenant's drift policy run first; only one promotion at a time may target
an environment.`,
		Example: `  # Promote everything from staging to production
  warden promote --name release-42 --from <staging-id> --to <prod-id> --reason "weekly release"

  # Promote selected workflows with a credential mapping
  warden promote --name hotfix --from <staging-id> --to <prod-id> \
    --workflow wf-orders --workflow wf-billing \
    --map slackApi:staging-slack=cred-91:prod-slack`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			mappings, err := parseCredentialMappings(credentialPairs)
			if err != nil {
				return err
			}

			result, err := a.promotions.Run(ctx, promotion.Request{
				TenantID:            tenantID,
				Name:                name,
				SourceEnvironmentID: sourceEnvID,
				TargetEnvironmentID: targetEnvID,
				WorkflowIDs:         workflowIDs,
				CredentialMappings:  mappings,
				CreatedBy:           actor,
				Reason:              reason,
			})
			if err != nil {
				return err
			}

			return printResult(result, func() {
				fmt.Printf("Promotion %s completed: %d workflows, snapshot %s (commit %s)\n",
					result.PromotionID, result.WorkflowsCount, result.SnapshotID, result.CommitRef)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "promotion name")
	cmd.Flags().StringVar(&sourceEnvID, "from", "", "source environment id")
	cmd.Flags().StringVar(&targetEnvID, "to", "", "target environment id")
	cmd.Flags().StringSliceVarP(&workflowIDs, "workflow", "w", nil, "workflow ids to promote (default: all)")
	cmd.Flags().StringSliceVar(&credentialPairs, "map", nil, "credential mapping type:name=id:name")
	cmd.Flags().StringVar(&reason, "reason", "", "why this promotion is happening")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

// parseCredentialMappings decodes --map flags. Each pair reads
// "type:sourceName=targetID:targetName"; the left side is the logical key
// in the source workflows, the right side the target credential.
func parseCredentialMappings(pairs []string) (map[string]workflow.Credential, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	mappings := make(map[string]workflow.Credential, len(pairs))
	for _, pair := range pairs {
		key, target, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, engine.NewValidationError(
				fmt.Sprintf("invalid credential mapping %q, expected key=id:name", pair), nil)
		}
		id, targetName, ok := strings.Cut(target, ":")
		if !ok {
			return nil, engine.NewValidationError(
				fmt.Sprintf("invalid credential target %q, expected id:name", target), nil)
		}
		mappings[key] = workflow.Credential{ID: id, Name: targetName}
	}
	return mappings, nil
}
