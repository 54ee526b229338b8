package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/pkg/types"
)

// NewSessionsCommand creates the sessions subcommand.
func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect live device connections",
		Long:  `List the device connections held by a running gateway and close them.`,
	}

	addAPIFlags(cmd)
	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsKickCommand())

	return cmd
}

func newSessionsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List sessions",
		Example: `  devicegate sessions list --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			sessions, err := call[[]types.Session](ctx, apiFromFlags(cmd), http.MethodGet, "/api/sessions", nil)
			if err != nil {
				return err
			}

			if limit > 0 && len(sessions) > limit {
				sessions = sessions[:limit]
			}
			if len(sessions) == 0 {
				cmd.Println("No sessions found.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Session Key", "ID", "Remote", "State", "Instance", "Idle", "In", "Out"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, s := range sessions {
				id := s.ID
				if len(id) > 8 {
					id = id[:8]
				}
				table.Append([]string{
					dash(s.SessionKey),
					id,
					s.Remote,
					s.State,
					dash(s.Instance),
					(time.Duration(s.IdleMs) * time.Millisecond).Round(time.Second).String(),
					strconv.FormatInt(s.FramesIn, 10),
					strconv.FormatInt(s.FramesOut, 10),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Limit number of sessions shown")

	return cmd
}

func newSessionsKickCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "kick <session-key>",
		Short:   "Close a device connection",
		Long:    `Close the connection logged in under the session key. The session falls back as if the device had dropped.`,
		Example: `  devicegate sessions kick 123_456`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			if err := callNoContent(ctx, apiFromFlags(cmd), http.MethodDelete, "/api/sessions/"+url.PathEscape(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s closed\n", args[0])
			return nil
		},
	}
}
