package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driftwarden/driftwarden/pkg/stores"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage environments",
		Long: `Manage workflow runtime environments.

An environment binds a runtime adapter (its type and URL) to a tenant.
Production environments get extra guardrails during promotions.`,
	}

	cmd.AddCommand(newEnvCreateCommand())
	cmd.AddCommand(newEnvListCommand())

	return cmd
}

func newEnvCreateCommand() *cobra.Command {
	var (
		name        string
		adapterName string
		adapterURL  string
		production  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new environment",
		Example: `  # Register a staging runtime
  warden env create --name staging --adapter http --url https://staging.example.com

  # Register a production runtime
  warden env create --name production --adapter http --url https://prod.example.com --production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			now := time.Now().UTC()
			env := &stores.Environment{
				ID:          uuid.New().String(),
				TenantID:    tenantID,
				Name:        name,
				Production:  production,
				AdapterName: adapterName,
				AdapterURL:  adapterURL,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := a.store.CreateEnvironment(ctx, env); err != nil {
				return err
			}

			return printResult(env, func() {
				fmt.Printf("Created environment %s (%s)\n", env.Name, env.ID)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "environment name")
	cmd.Flags().StringVar(&adapterName, "adapter", "http", "runtime adapter type (http, memory)")
	cmd.Flags().StringVar(&adapterURL, "url", "", "runtime base URL")
	cmd.Flags().BoolVar(&production, "production", false, "mark as a production environment")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newEnvListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List environments for the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			envs, err := a.store.ListEnvironments(ctx, tenantID)
			if err != nil {
				return err
			}

			return printResult(envs, func() {
				if len(envs) == 0 {
					fmt.Println("No environments registered")
					return
				}
				for _, env := range envs {
					marker := ""
					if env.Production {
						marker = " [production]"
					}
					fmt.Printf("%s  %s%s  adapter=%s url=%s\n",
						env.ID, env.Name, marker, env.AdapterName, env.AdapterURL)
				}
			})
		},
	}

	return cmd
}
