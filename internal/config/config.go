package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Azure holds the application registration used for client-credentials auth.
type Azure struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TenantID     string `mapstructure:"tenant_id"`
	Authority    string `mapstructure:"authority"`
}

// Configured reports whether all three credential fields are present.
func (a Azure) Configured() bool {
	return a.ClientID != "" && a.ClientSecret != "" && a.TenantID != ""
}

// Config is the process configuration for the server and the CLI.
type Config struct {
	DatabasePath     string        `mapstructure:"database_path"`
	HTTPAddr         string        `mapstructure:"http_addr"`
	Azure            Azure         `mapstructure:"azure"`
	GraphEndpoint    string        `mapstructure:"graph_endpoint"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FetchAttachments bool          `mapstructure:"fetch_attachments"`
	FetchInterval    time.Duration `mapstructure:"fetch_interval"`
	NATSURL          string        `mapstructure:"nats_url"`
	JWKSURL          string        `mapstructure:"jwks_url"`
	LogLevel         string        `mapstructure:"log_level"`
	Environment      string        `mapstructure:"environment"`
}

// envBindings maps config keys to the environment variables that feed them.
var envBindings = map[string]string{
	"database_path":       "DATABASE_PATH",
	"http_addr":           "HTTP_ADDR",
	"azure.client_id":     "AZURE_CLIENT_ID",
	"azure.client_secret": "AZURE_CLIENT_SECRET",
	"azure.tenant_id":     "AZURE_TENANT_ID",
	"azure.authority":     "AZURE_AUTHORITY",
	"graph_endpoint":      "GRAPH_API_ENDPOINT",
	"request_timeout":     "GRAPH_REQUEST_TIMEOUT",
	"fetch_attachments":   "FETCH_ATTACHMENTS",
	"fetch_interval":      "FETCH_INTERVAL",
	"nats_url":            "NATS_URL",
	"jwks_url":            "JWKS_URL",
	"log_level":           "LOG_LEVEL",
	"environment":         "ENVIRONMENT",
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetDefault("database_path", "data/mail.db")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("azure.authority", "https://login.microsoftonline.com")
	v.SetDefault("graph_endpoint", "https://graph.microsoft.com/v1.0")
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("fetch_attachments", false)
	v.SetDefault("fetch_interval", time.Duration(0))
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "development")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("GRAPH_REQUEST_TIMEOUT must be positive")
	}
	if cfg.FetchInterval < 0 {
		return nil, fmt.Errorf("FETCH_INTERVAL must not be negative")
	}

	return &cfg, nil
}
