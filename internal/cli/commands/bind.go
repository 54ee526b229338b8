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

// NewBindCommand creates the bind subcommand.
func NewBindCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Provision and revoke session binds",
		Long: `A session bind authorizes one device (IMEI + IMSI) to log in and carries
the endpoints pushed to it once its browser instance is ready.`,
	}

	addAPIFlags(cmd)
	cmd.AddCommand(newBindCreateCommand())
	cmd.AddCommand(newBindListCommand())
	cmd.AddCommand(newBindGetCommand())
	cmd.AddCommand(newBindDeleteCommand())

	return cmd
}

func newBindCreateCommand() *cobra.Command {
	var req types.CreateBindRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create or replace a session bind",
		Example: `  devicegate bind create --imei 123 --imsi 456 --media rtsp://media.local/123
  devicegate bind create --imei 123 --imsi 456 --token s3cret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			b, err := call[types.Bind](ctx, apiFromFlags(cmd), http.MethodPost, "/api/binds", &req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Bind created for %s\n", b.SessionKey)
			fmt.Fprintf(out, "Token: %s\n", b.Token)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.IMEI, "imei", "", "Device IMEI")
	cmd.Flags().StringVar(&req.IMSI, "imsi", "", "Device IMSI")
	cmd.Flags().StringVar(&req.Token, "token", "", "Login token (generated when empty)")
	cmd.Flags().StringVar(&req.Endpoints.Media, "media", "", "Media endpoint")
	cmd.Flags().StringVar(&req.Endpoints.MediaTLS, "media-tls", "", "Media endpoint over TLS")
	cmd.Flags().StringVar(&req.Endpoints.Control, "control", "", "Control endpoint (default: the instance endpoint)")
	cmd.Flags().StringVar(&req.Endpoints.ControlTLS, "control-tls", "", "Control endpoint over TLS")
	cmd.Flags().StringVar(&req.Endpoints.InnerMedia, "inner-media", "", "Internal media endpoint")
	_ = cmd.MarkFlagRequired("imei")
	_ = cmd.MarkFlagRequired("imsi")

	return cmd
}

func newBindListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List session binds",
		Example: `  devicegate bind list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			binds, err := call[[]types.Bind](ctx, apiFromFlags(cmd), http.MethodGet, "/api/binds", nil)
			if err != nil {
				return err
			}
			if len(binds) == 0 {
				cmd.Println("No binds found.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Session Key", "Media", "Control", "Updated"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, b := range binds {
				table.Append([]string{
					b.SessionKey,
					dash(b.Endpoints.Media),
					dash(b.Endpoints.Control),
					since(b.UpdatedAt),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newBindGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get <session-key>",
		Short:   "Show one session bind",
		Example: `  devicegate bind get 123_456`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			b, err := call[types.Bind](ctx, apiFromFlags(cmd), http.MethodGet, "/api/binds/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session key:    %s\n", b.SessionKey)
			fmt.Fprintf(out, "Media:          %s\n", dash(b.Endpoints.Media))
			fmt.Fprintf(out, "Media (TLS):    %s\n", dash(b.Endpoints.MediaTLS))
			fmt.Fprintf(out, "Control:        %s\n", dash(b.Endpoints.Control))
			fmt.Fprintf(out, "Control (TLS):  %s\n", dash(b.Endpoints.ControlTLS))
			fmt.Fprintf(out, "Inner media:    %s\n", dash(b.Endpoints.InnerMedia))
			fmt.Fprintf(out, "Created:        %s\n", b.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Updated:        %s\n", b.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newBindDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <session-key>",
		Aliases: []string{"rm"},
		Short:   "Revoke a session bind",
		Example: `  devicegate bind delete 123_456`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			if err := callNoContent(ctx, apiFromFlags(cmd), http.MethodDelete, "/api/binds/"+url.PathEscape(args[0])); err != nil {
				return err
			}
			cmd.Printf("Bind %s revoked\n", args[0])
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	return d.Round(time.Second).String() + " ago"
}
