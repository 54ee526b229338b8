package commands

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/internal/version"
)

// NewVersionCommand creates the version subcommand.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print the version number",
		Example: `  devicegate version`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("devicegate %s\n", version.Version)
			cmd.Printf("  Commit: %s\n", version.Commit)
			cmd.Printf("  Built:  %s\n", version.BuildDate)
			cmd.Printf("  Go:     %s\n", runtime.Version())
		},
	}
}
