package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings harborctl persists in its config file
var configKeys = []string{"server", "grpc-server", "timeout", "tls", "json", "pretty", "token", "app-token"}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage harborctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		view := currentConfig()
		if outputJSON {
			printOutput(out, view)
			return
		}
		fmt.Fprintln(out, "Current configuration:")
		for _, k := range configKeys {
			fmt.Fprintf(out, "  %s: %v\n", k, view[k])
		}
		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintln(out, "  warning: pretty=true but jq not found in PATH")
		}
		if f := viper.ConfigFileUsed(); f != "" {
			fmt.Fprintf(out, "  config file: %s\n", f)
		} else {
			fmt.Fprintln(out, "  config file: none (using defaults)")
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to $HOME/.harborctl.yaml.

Examples:
  harborctl config set server localhost:3000
  harborctl config set timeout 10s
  harborctl config set app-token tok_123`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		v, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}
		viper.Set(key, v)

		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath := filepath.Join(home, ".harborctl.yaml")
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
		return nil
	},
}

// currentConfig reports effective settings; secrets are masked
func currentConfig() map[string]any {
	return map[string]any{
		"server":      serverAddr,
		"grpc-server": grpcAddr,
		"timeout":     timeout.String(),
		"tls":         useTLS,
		"json":        outputJSON,
		"pretty":      prettyJSON,
		"token":       mask(jwtToken),
		"app-token":   mask(appToken),
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// parseConfigValue validates key and converts value to the type viper stores
func parseConfigValue(key, value string) (any, error) {
	switch key {
	case "tls", "json", "pretty":
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
	case "server", "grpc-server", "token", "app-token":
		return value, nil
	default:
		return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
}
