// Package main is the entry point for the polis-extensions binary.
// It hosts extension domains declared in a manifest and exposes an admin API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// CLIConfig holds the parsed CLI configuration
type CLIConfig struct {
	Config   string
	Manifest string
	Watch    bool
	LogLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-extensions
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-extensions",
		Short: "Extension orchestration runtime for Polis",
		Long: `Hosts extension domains, mounts their extensions and mediates the
actions chains exchanged between them.

Example:
  polis-extensions run --config runtime.yaml --manifest extensions.yaml --watch`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to runtime configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("manifest", "m", "", "Path to the domain/extension manifest (overrides config)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the runtime and its admin server",
		RunE:  runServe,
	}
	runCmd.Flags().BoolP("watch", "w", false, "Reconcile the runtime when the manifest changes")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that a manifest registers and mounts cleanly",
		RunE:  runValidate,
	}

	rootCmd.AddCommand(runCmd, validateCmd)
	return rootCmd
}

// parseCLIConfig reads the flags shared by all subcommands.
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	manifestPath, err := cmd.Flags().GetString("manifest")
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cli := &CLIConfig{Config: configPath, Manifest: manifestPath, LogLevel: logLevel}
	if f := cmd.Flags().Lookup("watch"); f != nil {
		if cli.Watch, err = cmd.Flags().GetBool("watch"); err != nil {
			return nil, fmt.Errorf("failed to get watch flag: %w", err)
		}
	}
	return cli, nil
}
