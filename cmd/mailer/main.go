package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"Mailer/internal/config"
	"Mailer/internal/logging"
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
	Use:   "mailer",
	Short: "Mailer - email notification worker",
	Long: `Mailer consumes queued notification commands, renders them with named
templates and delivers them over SMTP.`,
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file and environment",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailer version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (MAILER_* environment variables override it)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd, versionCmd)
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	return cfg, logger, nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Database:  %s\n", cfg.Database.Driver)
	fmt.Printf("  SMTP:      %s (%s, auth=%t)\n", cfg.Mail.Addr(), cfg.Mail.Security, cfg.Mail.AuthEnabled())
	fmt.Printf("  Templates: %s\n", cfg.Templates.Source)
	fmt.Printf("  Workers:   %d\n", cfg.Worker.Count)
	if cfg.Mail.RateLimitCount > 0 {
		fmt.Printf("  Rate:      %d per %s\n", cfg.Mail.RateLimitCount, cfg.Mail.RateWindow())
	}
	if cfg.Mail.CredentialsIgnored() {
		fmt.Printf("  Warning:   auth is disabled, configured SMTP credentials will not be used\n")
	}

	return nil
}
