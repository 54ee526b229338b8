package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/internal/config"
)

// NewConfigCommand creates the config subcommand.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config helpers (show/init/get/set)",
		Long:  `Inspect and edit the devicegate configuration file.`,
		Example: `  # Show the merged configuration
  devicegate config show

  # Set a value
  devicegate config set connection.ttl 2m`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show",
		Short:   "Print the effective configuration",
		Long:    `Print the configuration after merging the file, DEVICEGATE_* environment variables and defaults.`,
		Example: `  devicegate config show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Effective()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file if none exists",
		Example: `  devicegate config init`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, created, err := config.EnsureConfigFile()
			if err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", path)
			}
			return nil
		},
	}
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get [key]",
		Short:   "Get a configuration value",
		Example: `  devicegate config get gateway.listen`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadViper()
			if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
				return fmt.Errorf("failed to load config: %w", err)
			}

			val := v.Get(args[0])
			if val == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\n", val)
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Example: `  devicegate config set gateway.listen :9700
  devicegate config set bind.rotateToken true`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := config.EnsureConfigFile()
			if err != nil {
				return fmt.Errorf("failed to create config: %w", err)
			}
			v, err := config.LoadViper()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			key, raw := args[0], args[1]
			var val interface{} = raw
			if n, err := strconv.Atoi(raw); err == nil {
				val = n
			} else if b, err := strconv.ParseBool(raw); err == nil {
				val = b
			}
			v.Set(key, val)

			target := v.ConfigFileUsed()
			if target == "" {
				target = path
			}
			if err := v.WriteConfigAs(target); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s = %v\n", key, val)
			return nil
		},
	}
}
