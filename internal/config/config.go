// Package config provides configuration loading for the gateway. Values
// come from an optional agent-door.yaml file overridden by the bare
// environment variables the deployment surface documents (PORT,
// ADMIN_API_KEY, and so on).
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config is the gateway's runtime configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`

	// AdminAPIKey gates the admin surface. Plaintext or an Argon2id PHC
	// hash. When empty, admin endpoints accept loopback callers only.
	AdminAPIKey string `yaml:"admin_api_key" mapstructure:"admin_api_key"`

	// BaseURL, when set, is used verbatim in registration responses
	// instead of deriving URLs from the request.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`

	// CORSOrigins is a comma-separated allowlist; empty means "*".
	CORSOrigins string `yaml:"cors_origins" mapstructure:"cors_origins"`

	// TrustedProxy enables honoring X-Forwarded-* headers.
	TrustedProxy bool `yaml:"trusted_proxy" mapstructure:"trusted_proxy"`

	// MaxRegistrations caps the number of tenants.
	MaxRegistrations int `yaml:"max_registrations" mapstructure:"max_registrations" validate:"min=1"`

	// FetchTimeoutMS bounds the OpenAPI spec fetch.
	FetchTimeoutMS int `yaml:"fetch_timeout_ms" mapstructure:"fetch_timeout_ms" validate:"min=100"`

	// DataDir holds the registration database.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Port:             3000,
		MaxRegistrations: 500,
		FetchTimeoutMS:   10000,
		DataDir:          "./data",
		LogLevel:         "info",
	}
}

// CORSOriginList splits the comma-separated allowlist, trimming blanks.
// Nil means no allowlist was configured.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" || c.CORSOrigins == "*" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate checks the configuration using struct tags and returns
// actionable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

// formatValidationErrors rewrites validator errors into messages that
// reference the environment variable names operators actually set.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)",
			envName(fe.Field()), fe.Tag(), fe.Value()))
	}
	return errors.New("invalid configuration: " + strings.Join(msgs, "; "))
}

// envName maps a struct field name to its environment variable.
func envName(field string) string {
	switch field {
	case "Port":
		return "PORT"
	case "AdminAPIKey":
		return "ADMIN_API_KEY"
	case "BaseURL":
		return "BASE_URL"
	case "CORSOrigins":
		return "CORS_ORIGINS"
	case "TrustedProxy":
		return "TRUSTED_PROXY"
	case "MaxRegistrations":
		return "MAX_REGISTRATIONS"
	case "FetchTimeoutMS":
		return "FETCH_TIMEOUT_MS"
	case "DataDir":
		return "DATA_DIR"
	case "LogLevel":
		return "LOG_LEVEL"
	}
	return field
}
