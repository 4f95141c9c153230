package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"sharefs/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses SHAREFS_CONFIG_DIR env var if set, otherwise defaults to ~/.sharefs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("SHAREFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sharefs")
}

// daemonName returns the fixed daemon name "daemon".
// Test isolation is achieved via SHAREFS_CONFIG_DIR instead of multiple
// daemon names.
func daemonName() string {
	return "daemon"
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".pid")
}

// LogPath returns the log file path.
// Uses SHAREFS_DAEMON_LOG env var if set, otherwise defaults to
// config_dir/daemon_name.log.
func LogPath() string {
	if envPath := os.Getenv("SHAREFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), daemonName()+".log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".lock")
}

// GlobalSettingsPath returns the global settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create default global settings file if not exists (using template)
	settingsPath := GlobalSettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}

	// Create empty shares file if not exists so operators have a template
	// to edit.
	settings, err := LoadGlobalSettings()
	if err != nil {
		return err
	}
	sharesPath := settings.SharesPath()
	if _, err := os.Stat(sharesPath); os.IsNotExist(err) {
		if err := os.WriteFile(sharesPath, artifacts.SharesTemplate, 0600); err != nil {
			return fmt.Errorf("failed to create shares file: %w", err)
		}
	}

	return nil
}

// GlobalSettings represents global daemon settings
type GlobalSettings struct {
	ListenAddr    string `yaml:"listen_addr"`     // Guest transport address (default: 127.0.0.1:7445)
	LogLevel      string `yaml:"log_level"`       // Log level: trace, debug, info, warn, off (default: off)
	SharesFile    string `yaml:"shares_file"`     // Shares definition file (default: shares.yaml)
	AttrCacheTTL  int    `yaml:"attr_cache_ttl"`  // Attribute cache TTL in seconds, 0 = disabled
	AttrCacheSize int    `yaml:"attr_cache_size"` // Attribute cache entry bound
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *GlobalSettings) ApplyDefaults() {
	if s.ListenAddr == "" {
		s.ListenAddr = "127.0.0.1:7445"
	}
	if s.SharesFile == "" {
		s.SharesFile = "shares.yaml"
	}
}

// SharesPath resolves the shares file relative to the config directory.
func (s *GlobalSettings) SharesPath() string {
	if filepath.IsAbs(s.SharesFile) {
		return s.SharesFile
	}
	return filepath.Join(getConfigDir(), s.SharesFile)
}

// LoggingEnabled returns whether logging is enabled (any level other
// than "off", "none" or empty).
func (s *GlobalSettings) LoggingEnabled() bool {
	return s.LogLevel != "" && s.LogLevel != "off" && s.LogLevel != "none"
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() GlobalSettings {
	var settings GlobalSettings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	settings.ApplyDefaults()
	return settings
}

// LoadGlobalSettings loads the global settings from ~/.sharefs/settings.yaml.
// Always reads from file to get latest config. Falls back to embedded
// defaults if file doesn't exist.
func LoadGlobalSettings() (*GlobalSettings, error) {
	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings := loadDefaultGlobalSettings()
			return &settings, nil
		}
		return nil, err
	}

	var settings GlobalSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	settings.ApplyDefaults()

	return &settings, nil
}

// SaveGlobalSettings saves the global settings to ~/.sharefs/settings.yaml
func SaveGlobalSettings(settings *GlobalSettings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	// Add header comment (same as template header)
	header := []byte("# ShareFS daemon settings\n# See: sharefs config --help\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}
