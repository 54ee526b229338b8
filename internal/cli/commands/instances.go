package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/pkg/types"
)

// NewInstancesCommand creates the instances subcommand.
func NewInstancesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Inspect remote browser instances",
	}

	addAPIFlags(cmd)
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List instances",
		Example: `  devicegate instances list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			instances, err := call[[]types.Instance](ctx, apiFromFlags(cmd), http.MethodGet, "/api/instances", nil)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				cmd.Println("No instances found.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Session Key", "ID", "Context", "Status", "Idle", "Age"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, in := range instances {
				table.Append([]string{
					in.SessionKey,
					in.ID,
					dash(in.ContextID),
					in.Status,
					(time.Duration(in.IdleMs) * time.Millisecond).Round(time.Second).String(),
					since(in.CreatedAt),
				})
			}
			table.Render()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "delete <session-key>",
		Aliases: []string{"rm"},
		Short:   "Destroy the instance of a session",
		Example: `  devicegate instances delete 123_456`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			if err := callNoContent(ctx, apiFromFlags(cmd), http.MethodDelete, "/api/instances/"+url.PathEscape(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance for %s destroyed\n", args[0])
			return nil
		},
	})

	return cmd
}

// NewSweepsCommand creates the sweeps subcommand.
func NewSweepsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweeps",
		Short: "Inspect and trigger background sweeps",
	}

	addAPIFlags(cmd)
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List sweep jobs",
		Example: `  devicegate sweeps list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			jobs, err := call[[]types.Job](ctx, apiFromFlags(cmd), http.MethodGet, "/api/sweeps", nil)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				cmd.Println("No sweeps scheduled.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Name", "Every", "Runs", "Last", "Next", "Error"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, j := range jobs {
				table.Append([]string{
					j.Name,
					j.Every,
					fmt.Sprint(j.Runs),
					dash(j.LastStatus),
					msTime(j.NextRunAtMs),
					dash(j.LastError),
				})
			}
			table.Render()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "run <name>",
		Short:   "Run a sweep now",
		Example: `  devicegate sweeps run connections`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			job, err := call[types.Job](ctx, apiFromFlags(cmd), http.MethodPost, "/api/sweeps/"+url.PathEscape(args[0])+"/run", nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sweep %s: %s (%dms)\n", job.Name, job.LastStatus, job.LastDurationMs)
			if job.LastError != "" {
				fmt.Fprintf(out, "Error: %s\n", job.LastError)
			}
			return nil
		},
	})

	return cmd
}

func msTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.Kitchen)
}
