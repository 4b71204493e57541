package core

import (
	"fmt"
	"slices"
	"strings"
)

const (
	DefaultAPIVersion        = "2025-07"
	DefaultHostScheme        = "https"
	DefaultWebhookBodyLimit  = 1 << 20
	defaultAppName           = "shopify-app"
	maxWebhookBodyLimitBytes = 32 << 20
)

type WebhookConfig struct {
	KeepUnregistered bool  `koanf:"keep_unregistered" mapstructure:"keep_unregistered" yaml:"keep_unregistered"`
	MaxBodyBytes     int64 `koanf:"max_body_bytes" mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type Config struct {
	AppName       string        `koanf:"app_name" mapstructure:"app_name" yaml:"app_name"`
	APIKey        string        `koanf:"api_key" mapstructure:"api_key" yaml:"api_key"`
	APISecretKey  string        `koanf:"api_secret_key" mapstructure:"api_secret_key" yaml:"api_secret_key"`
	HostName      string        `koanf:"host_name" mapstructure:"host_name" yaml:"host_name"`
	HostScheme    string        `koanf:"host_scheme" mapstructure:"host_scheme" yaml:"host_scheme"`
	APIVersion    string        `koanf:"api_version" mapstructure:"api_version" yaml:"api_version"`
	IsEmbeddedApp bool          `koanf:"is_embedded_app" mapstructure:"is_embedded_app" yaml:"is_embedded_app"`
	Scopes        []string      `koanf:"scopes" mapstructure:"scopes" yaml:"scopes"`
	Webhooks      WebhookConfig `koanf:"webhooks" mapstructure:"webhooks" yaml:"webhooks"`
}

func DefaultConfig() Config {
	return Config{
		AppName:    defaultAppName,
		HostScheme: DefaultHostScheme,
		APIVersion: DefaultAPIVersion,
		Webhooks: WebhookConfig{
			MaxBodyBytes: DefaultWebhookBodyLimit,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return fmt.Errorf("core: app_name is required")
	}
	if strings.TrimSpace(c.APISecretKey) == "" {
		return fmt.Errorf("core: api_secret_key is required")
	}
	host := strings.TrimSpace(c.HostName)
	if host == "" {
		return fmt.Errorf("core: host_name is required")
	}
	if strings.Contains(host, "://") || strings.Contains(host, "/") {
		return fmt.Errorf("core: host_name must be a bare host, got %q", host)
	}
	if !slices.Contains([]string{"http", "https"}, strings.ToLower(strings.TrimSpace(c.HostScheme))) {
		return fmt.Errorf("core: host_scheme must be http or https, got %q", c.HostScheme)
	}
	if strings.TrimSpace(c.APIVersion) == "" {
		return fmt.Errorf("core: api_version is required")
	}
	if c.Webhooks.MaxBodyBytes < 0 || c.Webhooks.MaxBodyBytes > maxWebhookBodyLimitBytes {
		return fmt.Errorf("core: webhooks.max_body_bytes must be between 0 and %d", maxWebhookBodyLimitBytes)
	}
	return nil
}

// AppURL returns the public base URL of the app, e.g. https://app.example.com.
func (c Config) AppURL() string {
	scheme := strings.ToLower(strings.TrimSpace(c.HostScheme))
	if scheme == "" {
		scheme = DefaultHostScheme
	}
	return scheme + "://" + strings.TrimSpace(c.HostName)
}

func (c Config) WebhookBodyLimit() int64 {
	if c.Webhooks.MaxBodyBytes > 0 {
		return c.Webhooks.MaxBodyBytes
	}
	return DefaultWebhookBodyLimit
}
