package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/healthsync/internal/db/migrate"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|down>",
		Short: "Apply or roll back the Postgres schema",
		Long: `Apply or roll back the embedded Postgres migrations against POSTGRES_URL.

Example:
  healthctl migrate up`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := migrate.ParseDirection(args[0])
			if err != nil {
				return err
			}
			if err := rootOpts.env.Migrate(direction); err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"status": "ok", "direction": string(direction)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", direction)
			return nil
		},
	}
}
