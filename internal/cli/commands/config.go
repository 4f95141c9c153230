package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sharefs/internal/daemon"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configure daemon settings",
	Long: `Configure persistent daemon settings.

Settings are stored in settings.yaml under the config directory and take
effect on next daemon start.

Examples:
  # Enable trace logging
  sharefs config --logging trace

  # Disable logging
  sharefs config --logging off

  # Show current configuration
  sharefs config`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the config directory",
	Long:  `Creates the config directory with default settings and a shares file template.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configLogLevel string
var configListen string

func init() {
	configCmd.Flags().StringVar(&configLogLevel, "logging", "", "Log level: trace, debug, info, warn, off")
	configCmd.Flags().StringVar(&configListen, "listen", "", "Listen address for guest connections")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// No flags: show current config.
	if configLogLevel == "" && configListen == "" {
		logLevel := settings.LogLevel
		if logLevel == "" {
			logLevel = "off"
		}
		fmt.Println("Current daemon configuration:")
		fmt.Printf("  Config dir: %s\n", daemon.ConfigDir())
		fmt.Printf("  Listen address: %s\n", settings.ListenAddr)
		fmt.Printf("  Log level: %s\n", logLevel)
		fmt.Printf("  Shares file: %s\n", settings.SharesPath())
		fmt.Println()
		fmt.Println("To change settings:")
		fmt.Println("  sharefs config --logging <level>")
		fmt.Println("  sharefs config --listen <addr>")
		return nil
	}

	if configLogLevel != "" {
		if err := setLogLevel(settings, configLogLevel); err != nil {
			return err
		}
	}
	if configListen != "" {
		settings.ListenAddr = configListen
	}

	if err := daemon.SaveGlobalSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	if daemon.IsDaemonRunning() {
		fmt.Println("Restart the daemon for changes to take effect:")
		fmt.Println("  sharefs serve --restart")
	}
	return nil
}

func setLogLevel(settings *daemon.GlobalSettings, value string) error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "off": true,
	}
	normalized := value
	if normalized == "none" {
		normalized = "off"
	}
	if !validLevels[normalized] {
		return fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, off", value)
	}

	if normalized == "off" {
		settings.LogLevel = ""
	} else {
		settings.LogLevel = normalized
	}
	fmt.Printf("Log level set to: %s\n", normalized)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := daemon.InitConfigDir(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return err
	}

	fmt.Printf("Config directory: %s\n", daemon.ConfigDir())
	fmt.Printf("Settings: %s\n", daemon.GlobalSettingsPath())
	fmt.Printf("Shares: %s\n", settings.SharesPath())
	fmt.Println()
	fmt.Println("Edit the shares file to export directories, then run 'sharefs serve'")
	return nil
}
