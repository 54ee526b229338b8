package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/internal/config"
)

// NewLogsCommand creates the logs subcommand.
func NewLogsCommand() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Follow gateway logs (tail -f)",
		Long:  `Follow the log file written by a gateway started with --detached.`,
		Example: `  devicegate logs
  devicegate logs -n 200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile := filepath.Join(config.StateDir(), "logs", "gateway.log")
			if _, err := os.Stat(logFile); os.IsNotExist(err) {
				return fmt.Errorf("log file not found at %s. Is the gateway running in detached mode?", logFile)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Displaying logs from: %s\n", logFile)
			fmt.Fprintln(out, "Press Ctrl+C to exit.")
			fmt.Fprintln(out, "---")

			tailPath, err := exec.LookPath("tail")
			if err != nil {
				return fmt.Errorf("'tail' command not found in PATH")
			}

			c := exec.Command(tailPath, "-n", fmt.Sprint(lines), "-f", logFile)
			c.Stdout = out
			c.Stderr = cmd.ErrOrStderr()
			return c.Run()
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show first")

	return cmd
}
