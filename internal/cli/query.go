package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/service"
)

// NewTypesCommand creates the types command.
func NewTypesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the data types stored for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withService(cmd.Context(), func(svc *service.Service) error {
				types, err := svc.ListTypes(cmd.Context(), rootOpts.UserID)
				if err != nil {
					return err
				}
				resp := api.TypesResponse{Types: make([]string, 0, len(types))}
				for _, dt := range types {
					resp.Types = append(resp.Types, string(dt))
				}
				if rootOpts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				for _, t := range resp.Types {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	}
}

// SeriesOptions holds flags for the series command.
type SeriesOptions struct {
	*RootOptions
	DataType string
	Provider string
	Start    string
	End      string
}

// NewSeriesCommand creates the series command.
func NewSeriesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeriesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "series",
		Short: "Show a bucketed series with statistics",
		Long: `Show a bucketed series with statistics. Windows of up to 30 days are bucketed by
day, longer windows by ISO week.

Example:
  healthctl series --user u-1 --type steps --start 2024-01-01 --end 2024-01-14`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}
			return opts.withService(cmd.Context(), func(svc *service.Service) error {
				view, err := svc.Series(cmd.Context(), req)
				if err != nil {
					return err
				}
				resp := api.NewSeriesResponse(view)
				if opts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "window %s..%s  granularity %s\n", resp.Window.Start, resp.Window.End, resp.Granularity)
				fmt.Fprintf(out, "count %d  avg %s  min %s  max %s\n",
					resp.Stats.Count, formatValue(resp.Stats.Avg), formatValue(resp.Stats.Min), formatValue(resp.Stats.Max))
				rows := make([][]string, 0, len(resp.Buckets))
				for _, b := range resp.Buckets {
					rows = append(rows, []string{b.Start, fmt.Sprint(b.Count), formatValue(b.Avg), formatValue(b.Min), formatValue(b.Max)})
				}
				return table(out, []string{"BUCKET", "COUNT", "AVG", "MIN", "MAX"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&opts.DataType, "type", "", "data type to chart (all types when empty)")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "only records from this provider")
	cmd.Flags().StringVar(&opts.Start, "start", "", "first day (YYYY-MM-DD, default 30 days before end)")
	cmd.Flags().StringVar(&opts.End, "end", "", "last day (YYYY-MM-DD, default today)")

	return cmd
}

func (o *SeriesOptions) request() (service.SeriesRequest, error) {
	req := service.SeriesRequest{UserID: o.UserID, DataType: domain.DataType(o.DataType)}
	var err error
	if o.Provider != "" {
		if req.Provider, err = domain.ParseProvider(o.Provider); err != nil {
			return req, err
		}
	}
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
	return req, nil
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the latest value of every data type over recent days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be a positive integer")
			}
			return rootOpts.withService(cmd.Context(), func(svc *service.Service) error {
				entries, err := svc.Summary(cmd.Context(), rootOpts.UserID, days)
				if err != nil {
					return err
				}
				resp := api.NewSummaryResponse(days, entries)
				if rootOpts.Format == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				names := make([]string, 0, len(resp.Types))
				for name := range resp.Types {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					v := resp.Types[name]
					rows = append(rows, []string{
						name,
						formatValue(v.Current.Value),
						v.Unit,
						v.Current.Timestamp.Format(domain.DateLayout),
						string(v.Current.Provider),
						fmt.Sprint(len(v.Values)),
					})
				}
				return table(cmd.OutOrStdout(), []string{"TYPE", "CURRENT", "UNIT", "DATE", "PROVIDER", "POINTS"}, rows)
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", service.DefaultSummaryDays, "days to summarize")
	return cmd
}
