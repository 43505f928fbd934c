package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/app"
	"github.com/relayq/relayq/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayq",
	Short: "RelayQ - email job scheduler",
	Long:  `RelayQ schedules email jobs and dispatches them through an SMTP relay at a controlled rate.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch daemon",
	Long:  `Start the RelayQ daemon with the dispatch engine and HTTP API.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relayq version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Relay:      %s:%d (%s)\n", cfg.Relay.Host, cfg.Relay.Port, cfg.Relay.Encryption)
	fmt.Printf("  Sender:     %s\n", cfg.Sender.From)
	fmt.Printf("  Rate limit: %d/min (burst %d)\n", cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	fmt.Printf("  API:        %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage:    %s\n", cfg.Storage.Path)

	return nil
}
