package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

func TestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run unit tests against the simulated card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Test(); err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run linting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
}

// IntegrationTestCmd runs the hardware tests. They talk to a real card through
// the adapter described by the given sdspi config file and are skipped
// without one.
func IntegrationTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration-test",
		Short: "Run tests against a card on real hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, _ := cmd.Flags().GetString("config")
			if config == "" {
				return fmt.Errorf("--config is required: a yaml file with the adapter flags")
			}
			abs, err := filepath.Abs(config)
			if err != nil {
				return fmt.Errorf("could not resolve config path: %w", err)
			}
			if err := os.Setenv(HardwareConfigEnv, abs); err != nil {
				return err
			}
			if err := test.Integ(); err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("config", "", "sdspi config file selecting the adapter (e.g. adapter: periph)")
	return cmd
}

// HardwareConfigEnv names the config file for the hardware tests.
const HardwareConfigEnv = "SDSPI_HARDWARE_CONFIG"
