// Package cli implements healthctl, the operator command line for healthsync.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"example.com/healthsync/internal/app"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/db/migrate"
	"example.com/healthsync/internal/service"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Env supplies the backends commands run against.
type Env struct {
	// Service opens the sync service; the returned func releases it.
	Service func(ctx context.Context) (*service.Service, func(), error)
	Migrate func(direction migrate.Direction) error
}

// DefaultEnv wires commands to the store selected by the environment configuration.
func DefaultEnv() Env {
	return Env{
		Service: func(ctx context.Context) (*service.Service, func(), error) {
			cfg, err := config.Load()
			if err != nil {
				return nil, nil, err
			}
			rt, err := app.Build(ctx, cfg, zerolog.Nop())
			if err != nil {
				return nil, nil, err
			}
			return rt.Service, rt.Close, nil
		},
		Migrate: func(direction migrate.Direction) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrations apply to postgres only; STORE_DRIVER=%s manages its own schema", cfg.StoreDriver)
			}
			return migrate.Run(cfg.PostgresURL, direction)
		},
	}
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string
	UserID string

	env Env
}

// NewRootCommand creates the healthctl root command.
func NewRootCommand(env Env) *cobra.Command {
	opts := &RootOptions{env: env}

	cmd := &cobra.Command{
		Use:           "healthctl",
		Short:         "Operate the healthsync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", "", "user id the command acts for")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewTypesCommand(opts))
	cmd.AddCommand(NewSeriesCommand(opts))
	cmd.AddCommand(NewSummaryCommand(opts))
	cmd.AddCommand(NewIntegrationsCommand(opts))

	return cmd
}

// withService opens the service for one command invocation after checking --user.
func (o *RootOptions) withService(ctx context.Context, fn func(*service.Service) error) error {
	if o.UserID == "" {
		return errors.New("--user is required")
	}
	svc, release, err := o.env.Service(ctx)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}
	return fn(svc)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
