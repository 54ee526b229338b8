package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/pkg/types"
)

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show devicegate status",
		Long:  `Display the state of a running gateway: connections, sessions, instances, traffic and sweeps.`,
		Example: `  devicegate status
  devicegate status --api 127.0.0.1:7780 --json`,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := cmdContext(cmd)
			defer cancel()

			status, err := call[types.Status](ctx, apiFromFlags(cmd), "GET", "/api/status", nil)
			runStatus(cmd.OutOrStdout(), &status, err, jsonOutput)
		},
	}

	addAPIFlags(cmd)
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

func runStatus(out io.Writer, status *types.Status, err error, jsonOutput bool) {
	if jsonOutput {
		if err != nil {
			data, _ := json.Marshal(map[string]interface{}{"running": false, "error": err.Error()})
			fmt.Fprintln(out, string(data))
			return
		}
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Fprintln(out, string(data))
		return
	}

	fmt.Fprintln(out, "devicegate status")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)

	if err != nil {
		fmt.Fprintln(out, "Gateway:     ✗ Not running")
		fmt.Fprintf(out, "             (%v)\n", err)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Start the gateway with: devicegate gateway start")
		return
	}

	fmt.Fprintln(out, "Gateway:     ✓ Running")
	fmt.Fprintf(out, "Version:     %s\n", status.Version)
	fmt.Fprintf(out, "Uptime:      %s\n", status.Uptime)
	fmt.Fprintf(out, "Connections: %d (%d logged in)\n", status.Connections, status.Sessions)
	if status.Capacity > 0 {
		fmt.Fprintf(out, "Instances:   %d / %d\n", status.Instances, status.Capacity)
	} else {
		fmt.Fprintf(out, "Instances:   %d\n", status.Instances)
	}
	fmt.Fprintf(out, "Binds:       %d\n", status.Binds)
	fmt.Fprintf(out, "Traffic:     %s in, %s out (%d / %d frames)\n",
		formatBytes(uint64(status.Traffic.BytesIn)),
		formatBytes(uint64(status.Traffic.BytesOut)),
		status.Traffic.FramesIn, status.Traffic.FramesOut)

	if len(status.Jobs) > 0 {
		fmt.Fprintln(out)
		for _, j := range status.Jobs {
			state := j.LastStatus
			if state == "" {
				state = "pending"
			}
			fmt.Fprintf(out, "Sweep %-12s every %-6s %s\n", j.Name, j.Every, state)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Memory:      %s alloc, %s sys\n",
		formatBytes(status.Memory.Alloc),
		formatBytes(status.Memory.Sys))
	fmt.Fprintf(out, "Runtime:     %s (%s/%s)\n", status.GoVersion, status.OS, status.Arch)
	fmt.Fprintln(out)
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
