package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, tapwire.yaml/.yml is
// searched in the standard locations. The search requires an explicit
// YAML extension so the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location; ReadInConfig will
		// return ConfigFileNotFoundError, handled gracefully below.
		viper.SetConfigName("tapwire")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TAPWIRE_PROXY_TARGET_COMMAND
	viper.SetEnvPrefix("TAPWIRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()

	// Booleans whose zero value is not the default.
	viper.SetDefault("replay.auto_handshake", true)
}

// findConfigFile searches standard locations for a tapwire config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".tapwire"),
		"/etc/tapwire",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "tapwire"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for env var support.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log.level")

	_ = viper.BindEnv("proxy.transport")
	_ = viper.BindEnv("proxy.target_command")
	_ = viper.BindEnv("proxy.target_url")
	_ = viper.BindEnv("proxy.intercept")
	_ = viper.BindEnv("proxy.intercept_rule")
	_ = viper.BindEnv("proxy.session_file")
	// Note: proxy.target_args is an array; use the config file or CLI.

	_ = viper.BindEnv("replay.timeout")
	_ = viper.BindEnv("replay.auto_handshake")

	_ = viper.BindEnv("metrics.enabled")
	_ = viper.BindEnv("metrics.addr")

	_ = viper.BindEnv("archive.enabled")
	_ = viper.BindEnv("archive.path")
}

// Load reads the configuration, applies env overrides and defaults,
// and returns the Config. Callers apply CLI flag overrides afterwards,
// then call Validate.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file — env vars and defaults only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}
