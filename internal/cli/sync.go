package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/service"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Mode      string
	Days      int
	Start     string
	End       string
	Providers []string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle for a user",
		Long: `Run one sync cycle for a user across their active integrations.

Examples:
  healthctl sync --user u-1 --days 7
  healthctl sync --user u-1 --mode recent --provider oura
  healthctl sync --user u-1 --start 2024-01-01 --end 2024-01-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}
			return opts.withService(cmd.Context(), func(svc *service.Service) error {
				result, err := svc.SyncUser(cmd.Context(), req)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), api.NewSyncResponse(result))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "window %s (%d days)\n", result.Window, result.Window.Days())
				return table(cmd.OutOrStdout(),
					[]string{"PROVIDER", "STATUS", "INGESTED", "UPDATED", "DROPPED", "DETAIL"},
					outcomeRows(result.Outcomes))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", string(service.SyncModeFull), "sync mode (full|recent)")
	cmd.Flags().IntVar(&opts.Days, "days", 0, "days to sync in full mode (default 30)")
	cmd.Flags().StringVar(&opts.Start, "start", "", "first day to sync (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.End, "end", "", "last day to sync (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&opts.Providers, "provider", nil, "restrict the cycle to these providers")

	return cmd
}

func (o *SyncOptions) request() (service.SyncRequest, error) {
	req := service.SyncRequest{UserID: o.UserID, Mode: service.SyncMode(o.Mode), Days: o.Days}
	if o.Days < 0 {
		return req, fmt.Errorf("--days must be >= 0")
	}
	var err error
	if o.Start != "" {
		if req.Start, err = domain.ParseDate(o.Start); err != nil {
			return req, fmt.Errorf("--start: %w", err)
		}
	}
	if o.End != "" {
		if req.End, err = domain.ParseDate(o.End); err != nil {
			return req, fmt.Errorf("--end: %w", err)
		}
	}
	for _, raw := range o.Providers {
		p, err := domain.ParseProvider(raw)
		if err != nil {
			return req, err
		}
		req.Providers = append(req.Providers, p)
	}
	return req, nil
}
