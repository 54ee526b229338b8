// Package cli provides the command-line interface for devicegate.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/internal/cli/commands"
	"github.com/liteclaw/devicegate/internal/config"
	"github.com/liteclaw/devicegate/internal/version"
)

// NewRootCommand builds the devicegate command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "devicegate",
		Short: "devicegate - device to remote browser session gateway",
		Long: `devicegate accepts long-lived device connections, authenticates them against
session binds and attaches each device to a remote browser instance.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path != "" {
				return os.Setenv("DEVICEGATE_CONFIG_PATH", path)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			if !isConfigured() {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "No config file at %s, running with defaults.\n", config.ConfigPath())
				fmt.Fprintln(out, "   Run: devicegate config init")
				fmt.Fprintln(out, "")
			}
			_ = cmd.Help()
		},
	}

	root.AddCommand(commands.NewGatewayCommand())
	root.AddCommand(commands.NewStatusCommand())
	root.AddCommand(commands.NewBindCommand())
	root.AddCommand(commands.NewSessionsCommand())
	root.AddCommand(commands.NewInstancesCommand())
	root.AddCommand(commands.NewSweepsCommand())
	root.AddCommand(commands.NewProbeCommand())
	root.AddCommand(commands.NewConfigCommand())
	root.AddCommand(commands.NewLogsCommand())
	root.AddCommand(commands.NewVersionCommand())

	root.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.devicegate/devicegate.yaml)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	return root
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func isConfigured() bool {
	_, err := os.Stat(config.ConfigPath())
	return err == nil
}
