// Package config loads application configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds everything the service needs at startup.
type Config struct {
	Host   string `yaml:"host"`
	Port   string `yaml:"port"`
	DBPath string `yaml:"db_path"`

	Google GoogleConfig `yaml:"google"`
	JWT    JWTConfig    `yaml:"jwt"`
}

// GoogleConfig carries the OAuth client used for the contacts provider.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// JWTConfig carries the secrets used to sign tenant session tokens.
type JWTConfig struct {
	Secret        string `yaml:"secret"`
	RefreshSecret string `yaml:"refresh_secret"`
}

// Load reads the YAML file at path (skipped when the file does not exist)
// and then applies environment overrides. Defaults match local development.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Host:   "127.0.0.1",
		Port:   "3000",
		DBPath: "kommosync.db",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// File is optional; env vars alone are enough.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.Host = envOr("HOST", cfg.Host)
	cfg.Port = envOr("PORT", cfg.Port)
	cfg.DBPath = envOr("KOMMOSYNC_DB", cfg.DBPath)
	cfg.Google.ClientID = envOr("GOOGLE_CLIENT_ID", cfg.Google.ClientID)
	cfg.Google.ClientSecret = envOr("GOOGLE_CLIENT_SECRET", cfg.Google.ClientSecret)
	cfg.Google.RedirectURL = envOr("GOOGLE_REDIRECT_URI", cfg.Google.RedirectURL)
	cfg.JWT.Secret = envOr("JWT_SECRET", cfg.JWT.Secret)
	cfg.JWT.RefreshSecret = envOr("JWT_REFRESH_SECRET", cfg.JWT.RefreshSecret)

	if cfg.Google.RedirectURL == "" {
		cfg.Google.RedirectURL = fmt.Sprintf("http://%s:%s/api/auth/google/callback", cfg.Host, cfg.Port)
	}
	if cfg.JWT.Secret == "" {
		cfg.JWT.Secret = "default_jwt_secret"
	}
	if cfg.JWT.RefreshSecret == "" {
		cfg.JWT.RefreshSecret = "default_refresh_secret"
	}

	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
