package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/service"
)

// NewIntegrationsCommand creates the integrations command group.
func NewIntegrationsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrations",
		Short: "Manage provider connections",
	}
	cmd.AddCommand(newIntegrationsListCommand(rootOpts))
	cmd.AddCommand(newIntegrationsConnectCommand(rootOpts))
	cmd.AddCommand(newIntegrationsDisconnectCommand(rootOpts))
	return cmd
}

func newIntegrationsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List a user's integrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withService(cmd.Context(), func(svc *service.Service) error {
				integrations, err := svc.ListIntegrations(cmd.Context(), rootOpts.UserID)
				if err != nil {
					return err
				}
				resp := api.ListIntegrationsResponse{Items: make([]api.IntegrationView, 0, len(integrations))}
				for _, integ := range integrations {
					resp.Items = append(resp.Items, api.NewIntegrationView(integ))
				}
				if rootOpts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				rows := make([][]string, 0, len(resp.Items))
				for _, item := range resp.Items {
					lastSync := "-"
					if item.LastSync != nil {
						lastSync = item.LastSync.Format(time.RFC3339)
					}
					rows = append(rows, []string{item.ID, item.Provider, fmt.Sprint(item.IsActive), fmt.Sprint(item.NeedsReauth), lastSync})
				}
				return table(cmd.OutOrStdout(), []string{"ID", "PROVIDER", "ACTIVE", "REAUTH", "LAST SYNC"}, rows)
			})
		},
	}
}

type connectOptions struct {
	provider     string
	accessToken  string
	refreshToken string
	expiresIn    time.Duration
}

func newIntegrationsConnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &connectOptions{}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Register provider tokens for a user",
		Long: `Register provider tokens obtained from an OAuth authorization for a user. The user is
created when missing; an existing connection to the same provider is reactivated.

Example:
  healthctl integrations connect --user u-1 --provider oura --access-token AT --refresh-token RT --expires-in 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParseProvider(opts.provider)
			if err != nil {
				return err
			}
			in := service.ConnectInput{
				UserID:       rootOpts.UserID,
				Provider:     p,
				AccessToken:  opts.accessToken,
				RefreshToken: opts.refreshToken,
			}
			if opts.expiresIn > 0 {
				in.TokenExpiry = time.Now().UTC().Add(opts.expiresIn)
			}
			return rootOpts.withService(cmd.Context(), func(svc *service.Service) error {
				integ, err := svc.Connect(cmd.Context(), in)
				if err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), api.NewIntegrationView(integ))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "connected %s integration %s\n", integ.Provider, integ.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&opts.accessToken, "access-token", "", "OAuth access token")
	cmd.Flags().StringVar(&opts.refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().DurationVar(&opts.expiresIn, "expires-in", 0, "access token lifetime")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("access-token")

	return cmd
}

func newIntegrationsDisconnectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <integration-id>",
		Short: "Deactivate an integration; stored records are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withService(cmd.Context(), func(svc *service.Service) error {
				if err := svc.Disconnect(cmd.Context(), rootOpts.UserID, args[0]); err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]string{"status": "ok", "id": args[0]})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", args[0])
				return nil
			})
		},
	}
}
