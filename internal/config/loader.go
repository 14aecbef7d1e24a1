package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment variables that
// override them. The deployment contract uses bare names, not a prefix.
var envBindings = map[string]string{
	"port":              "PORT",
	"admin_api_key":     "ADMIN_API_KEY",
	"base_url":          "BASE_URL",
	"cors_origins":      "CORS_ORIGINS",
	"trusted_proxy":     "TRUSTED_PROXY",
	"max_registrations": "MAX_REGISTRATIONS",
	"fetch_timeout_ms":  "FETCH_TIMEOUT_MS",
	"data_dir":          "DATA_DIR",
	"log_level":         "LOG_LEVEL",
}

// Load reads configuration: defaults, then an optional agent-door.yaml,
// then environment overrides. A missing config file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("port", defaults.Port)
	v.SetDefault("max_registrations", defaults.MaxRegistrations)
	v.SetDefault("fetch_timeout_ms", defaults.FetchTimeoutMS)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("log_level", defaults.LogLevel)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	}

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile searches standard locations for agent-door.yaml or .yml.
// The explicit extension avoids matching the binary itself.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	dirs := []string{".", filepath.Join(home, ".agent-door"), "/etc/agent-door"}
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agent-door"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
