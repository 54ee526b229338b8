package commands

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/internal/config"
	"github.com/liteclaw/devicegate/pkg/types"
)

// NewGatewayCommand creates the gateway subcommand.
func NewGatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run and manage the device gateway",
		Long:  `Start, stop, and inspect the devicegate gateway server.`,
		Example: `  devicegate gateway start -d
  devicegate gateway status`,
	}

	cmd.PersistentFlags().String("listen", "", "Device TCP listen address (default: gateway.listen)")
	cmd.PersistentFlags().String("api-listen", "", "Control API listen address (default: gateway.api.listen)")
	cmd.PersistentFlags().BoolP("detached", "d", false, "Run in background")

	cmd.AddCommand(newGatewayStartCommand())
	cmd.AddCommand(newGatewayStopCommand())
	cmd.AddCommand(newGatewayStatusCommand())
	cmd.AddCommand(newGatewayRestartCommand())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runGatewayStart(cmd, args)
	}

	return cmd
}

func newGatewayStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway server",
		Example: `  # Foreground with config defaults
  devicegate gateway start

  # Background on custom addresses
  devicegate gateway start --detached --listen :9000 --api-listen 127.0.0.1:9080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGatewayStart(cmd, args)
		},
	}
}

func newGatewayStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the gateway server",
		Example: `  devicegate gateway stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGatewayStop(cmd)
		},
	}
}

func newGatewayStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show gateway server status",
		Example: `  devicegate gateway status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGatewayStatus(cmd)
		},
	}
	addAPIFlags(cmd)
	return cmd
}

func newGatewayRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "restart",
		Short:   "Restart the gateway server",
		Example: `  devicegate gateway restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGatewayRestart(cmd)
		},
	}
}

func runGatewayStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Gateway.Listen = v
	}
	if v, _ := cmd.Flags().GetString("api-listen"); v != "" {
		cfg.Gateway.API.Listen = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if detached, _ := cmd.Flags().GetBool("detached"); detached {
		return startDetached(cmd, cfg)
	}

	if err := os.MkdirAll(config.StateDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	fileLock := flock.New(gatewayLockPath())
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		fmt.Fprintln(out, "❌ Error: devicegate is already running.")
		fmt.Fprintf(out, "   Lock file found at: %s\n", gatewayLockPath())
		fmt.Fprintln(out, "   Only one gateway may own the device listeners on this host.")
		return fmt.Errorf("gateway already running")
	}
	defer func() { _ = fileLock.Unlock() }()

	if err := writeGatewayPID(); err != nil {
		return err
	}
	defer func() { _ = removeGatewayPID() }()

	fmt.Fprintf(out, "Starting devicegate (devices on %s, API on %s)\n", cfg.Gateway.Listen, cfg.Gateway.API.Listen)

	if os.Getenv("DEVICEGATE_SKIP_GATEWAY_START") == "true" {
		fmt.Fprintln(out, "Skipping actual server start for testing.")
		return nil
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(cfg.Logging, os.Stderr, verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	return rt.run(ctx)
}

func startDetached(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	if err := ensureGatewayNotRunning(); err != nil {
		return err
	}

	logDir := filepath.Join(config.StateDir(), "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	logPath := filepath.Join(logDir, "gateway.log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	executable, err := os.Executable()
	if err != nil {
		executable = "devicegate"
	}

	// The child gets explicit addresses and never --detached.
	childArgs := []string{"gateway", "start", "--listen", cfg.Gateway.Listen, "--api-listen", cfg.Gateway.API.Listen}

	c := exec.Command(executable, childArgs...)
	c.Stdout = logFile
	c.Stderr = logFile
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	fmt.Fprintf(out, "devicegate started in background (PID: %d)\n", c.Process.Pid)
	fmt.Fprintf(out, "Logs: %s\n", logPath)
	fmt.Fprintln(out, "Use 'devicegate logs' to follow them.")
	return nil
}

func runGatewayStop(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	pid, err := readGatewayPID()
	if err != nil {
		return fmt.Errorf("gateway not running (pid file missing)")
	}

	if !checkProcessRunning(pid) {
		_ = removeGatewayPID()
		return fmt.Errorf("gateway process not running (stale pid file)")
	}

	if err := terminateProcess(pid); err != nil {
		return fmt.Errorf("failed to stop gateway (pid %d): %w", pid, err)
	}

	fmt.Fprintf(out, "Sent stop signal to gateway (PID %d)\n", pid)
	waitForProcessExit(pid, 15*time.Second)
	return nil
}

func runGatewayStatus(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	ctx, cancel := cmdContext(cmd)
	defer cancel()

	status, err := call[types.Status](ctx, apiFromFlags(cmd), "GET", "/api/status", nil)
	if err != nil {
		fmt.Fprintln(out, "Gateway: not running")
		return nil
	}

	fmt.Fprintf(out, "Gateway: %s (uptime %s, %d sessions)\n", status.Status, status.Uptime, status.Sessions)
	return nil
}

func runGatewayRestart(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Restarting gateway server...")
	if err := runGatewayStop(cmd); err != nil {
		fmt.Fprintf(out, "Warning: stop failed (%v), continuing to start...\n", err)
	}

	return runGatewayStart(cmd, nil)
}

func gatewayLockPath() string {
	return filepath.Join(config.StateDir(), "devicegate.lock")
}

func gatewayPIDPath() string {
	return filepath.Join(config.StateDir(), "devicegate.pid")
}

func writeGatewayPID() error {
	if err := os.MkdirAll(config.StateDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	return os.WriteFile(gatewayPIDPath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readGatewayPID() (int, error) {
	data, err := os.ReadFile(gatewayPIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file")
	}
	return pid, nil
}

func removeGatewayPID() error {
	return os.Remove(gatewayPIDPath())
}

func ensureGatewayNotRunning() error {
	if err := os.MkdirAll(config.StateDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	fileLock := flock.New(gatewayLockPath())
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		return fmt.Errorf("gateway already running")
	}
	_ = fileLock.Unlock()
	return nil
}
