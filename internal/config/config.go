package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env              string        `mapstructure:"ENV"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	FHIRBaseURL      string        `mapstructure:"FHIR_BASE_URL"`
	KeycloakURL      string        `mapstructure:"KEYCLOAK_URL"`
	AccessToken      string        `mapstructure:"ACCESS_TOKEN"`
	AccessTokenURL   string        `mapstructure:"ACCESS_TOKEN_URL"`
	ClientID         string        `mapstructure:"CLIENT_ID"`
	ClientSecret     string        `mapstructure:"CLIENT_SECRET"`
	Username         string        `mapstructure:"AUTH_USERNAME"`
	Password         string        `mapstructure:"AUTH_PASSWORD"`
	HTTPTimeout      time.Duration `mapstructure:"HTTP_TIMEOUT"`
	RetryMaxElapsed  time.Duration `mapstructure:"RETRY_MAX_ELAPSED"`
	TokenRefreshSkew time.Duration `mapstructure:"TOKEN_REFRESH_SKEW"`
	RolesMax         int           `mapstructure:"ROLES_MAX"`
	ExportDir        string        `mapstructure:"EXPORT_DIR"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "FHIR_BASE_URL", "KEYCLOAK_URL", "ACCESS_TOKEN", "ACCESS_TOKEN_URL",
	"CLIENT_ID", "CLIENT_SECRET", "AUTH_USERNAME", "AUTH_PASSWORD", "HTTP_TIMEOUT", "RETRY_MAX_ELAPSED",
	"TOKEN_REFRESH_SKEW", "ROLES_MAX", "EXPORT_DIR", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("RETRY_MAX_ELAPSED", "180s")
	v.SetDefault("TOKEN_REFRESH_SKEW", "30s")
	v.SetDefault("ROLES_MAX", 500)
	v.SetDefault("EXPORT_DIR", "csv/exports")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.FHIRBaseURL = strings.TrimRight(cfg.FHIRBaseURL, "/")
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HasStaticToken reports whether a pre-issued access token was supplied.
func (c *Config) HasStaticToken() bool {
	return strings.TrimSpace(c.AccessToken) != ""
}

// Validate checks that credentials can be obtained: either a static access
// token, or the complete set of password-grant settings.
func (c *Config) Validate() error {
	if !c.HasStaticToken() {
		var missing []string
		for name, val := range map[string]string{
			"ACCESS_TOKEN_URL": c.AccessTokenURL,
			"CLIENT_ID":        c.ClientID,
			"AUTH_USERNAME":    c.Username,
			"AUTH_PASSWORD":    c.Password,
		} {
			if strings.TrimSpace(val) == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("ACCESS_TOKEN is not set and password grant is incomplete, missing: %s",
				strings.Join(missing, ", "))
		}
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.RetryMaxElapsed < 0 {
		return fmt.Errorf("RETRY_MAX_ELAPSED must not be negative, got %s", c.RetryMaxElapsed)
	}
	if c.RolesMax <= 0 {
		return fmt.Errorf("ROLES_MAX must be positive, got %d", c.RolesMax)
	}
	return nil
}

// RequireFHIR returns an error when the FHIR backend URL is missing.
func (c *Config) RequireFHIR() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	return nil
}

// RequireKeycloak returns an error when the identity provider URL is missing.
func (c *Config) RequireKeycloak() error {
	if c.KeycloakURL == "" {
		return fmt.Errorf("KEYCLOAK_URL is required")
	}
	return nil
}
