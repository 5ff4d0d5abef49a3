package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configKeys are the settings relayctl persists, with their defaults.
var configKeys = map[string]any{
	"server":      "http://localhost:8080",
	"grpc-server": "localhost:50051",
	"session":     "",
	"timeout":     "2m",
	"json":        false,
	"pretty":      false,
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relayctl configuration",
	Long:  `Manage relayctl configuration settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		current := map[string]any{
			"server":      viper.GetString("server"),
			"grpc-server": viper.GetString("grpc-server"),
			"session":     viper.GetString("session"),
			"timeout":     viper.GetDuration("timeout").String(),
			"json":        viper.GetBool("json"),
			"pretty":      viper.GetBool("pretty"),
		}
		printOutput(cmd.OutOrStdout(), current, func(w io.Writer) {
			fmt.Fprintln(w, "Current configuration:")
			fmt.Fprintf(w, "  Server: %s\n", current["server"])
			fmt.Fprintf(w, "  gRPC server: %s\n", current["grpc-server"])
			fmt.Fprintf(w, "  Session: %s\n", current["session"])
			fmt.Fprintf(w, "  Timeout: %s\n", current["timeout"])
			fmt.Fprintf(w, "  JSON Output: %v\n", current["json"])
			fmt.Fprintf(w, "  Pretty JSON: %v\n", current["pretty"])

			if viper.GetBool("pretty") && !checkJQAvailable() {
				fmt.Fprintln(w, "  ⚠️  Warning: pretty=true but jq not found in PATH")
			}
			if viper.ConfigFileUsed() != "" {
				fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
			} else {
				fmt.Fprintln(w, "  Config file: none (using defaults)")
			}
		})
	},
}

// parseConfigValue converts a raw value for key into the type viper stores.
func parseConfigValue(key, value string) (any, error) {
	if _, ok := configKeys[key]; !ok {
		return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: server, grpc-server, session, timeout, json, pretty", key)
	}
	switch key {
	case "json", "pretty":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
		return b, nil
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for timeout: %s", value)
		}
		return d.String(), nil
	}
	return value, nil
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relayctl.yaml"), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  relayctl config set server http://relay:8080
  relayctl config set session s1
  relayctl config set timeout 60s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseConfigValue(args[0], args[1])
		if err != nil {
			return err
		}
		viper.Set(args[0], v)

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfiguration saved to: %s\n", args[0], v, path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		for k, v := range configKeys {
			viper.Set(k, v)
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
