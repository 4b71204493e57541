package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-shopify/adapters/zaplog"
	"github.com/goliatone/go-shopify/core"
	sqlstore "github.com/goliatone/go-shopify/store/sql"
	"gopkg.in/yaml.v3"
)

const shopifySection = "shopify"

type serverConfig struct {
	Addr            string        `yaml:"addr"`
	WebhookPath     string        `yaml:"webhook_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type jobsConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// RegisterOnStart lists shops whose webhooks are reconciled at boot.
	RegisterOnStart []string `yaml:"register_on_start"`
}

type cacheConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// securityConfig enables access token encryption at rest when TokenKey is
// set. PreviousKeys maps retired key ids to their key material.
type securityConfig struct {
	TokenKey     string            `yaml:"token_key"`
	TokenKeyID   string            `yaml:"token_key_id"`
	PreviousKeys map[string]string `yaml:"previous_keys"`
}

const envTokenKey = "SHOPIFY_TOKEN_KEY"

// daemonConfig holds the sections next to "shopify" in the config file.
type daemonConfig struct {
	Server   serverConfig    `yaml:"server"`
	Database sqlstore.Config `yaml:"database"`
	Logging  zaplog.Config   `yaml:"logging"`
	Jobs     jobsConfig      `yaml:"jobs"`
	Cache    cacheConfig     `yaml:"cache"`
	Security securityConfig  `yaml:"security"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Server: serverConfig{
			Addr:            ":8080",
			WebhookPath:     "/webhooks",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: sqlstore.Config{
			Driver: sqlstore.DriverSQLite,
			DSN:    "file:shopify.db?cache=shared&_foreign_keys=on",
		},
		Logging: zaplog.DefaultConfig(),
		Jobs:    jobsConfig{Concurrency: 2, PollInterval: time.Second},
		Cache:   cacheConfig{SessionTTL: time.Minute},
	}
}

// sectionLoader narrows a raw config map to one top-level key.
type sectionLoader struct {
	loader core.RawConfigLoader
	key    string
}

func (l sectionLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	raw, err := l.loader.LoadRaw(ctx)
	if err != nil {
		return nil, err
	}
	section, ok := raw[l.key].(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return section, nil
}

// loadConfig reads the daemon sections from path and resolves the app
// config from the "shopify" section layered under SHOPIFY_* variables.
func loadConfig(ctx context.Context, path string, lookup func(string) (string, bool)) (daemonConfig, core.Config, error) {
	daemon := defaultDaemonConfig()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return daemonConfig{}, core.Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &daemon); err != nil {
			return daemonConfig{}, core.Config{}, fmt.Errorf("decode config %q: %w", path, err)
		}
	}
	if lookup != nil {
		if key, ok := lookup(envTokenKey); ok && strings.TrimSpace(key) != "" {
			daemon.Security.TokenKey = key
		}
	}
	if err := daemon.validate(); err != nil {
		return daemonConfig{}, core.Config{}, err
	}

	loader := core.MultiLoader{
		sectionLoader{loader: core.YAMLFileLoader{Path: path}, key: shopifySection},
		core.EnvLoader{Lookup: lookup},
	}
	app, err := core.LoadConfig(ctx, core.NewCfgxConfigProvider(loader), core.GoOptionsResolver{}, core.Config{})
	if err != nil {
		return daemonConfig{}, core.Config{}, fmt.Errorf("resolve shopify config: %w", err)
	}
	return daemon, app, nil
}

func (c daemonConfig) validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.WebhookPath, "/") {
		return fmt.Errorf("server.webhook_path must start with /, got %q", c.Server.WebhookPath)
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be positive")
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	if c.Cache.SessionTTL <= 0 {
		return fmt.Errorf("cache.session_ttl must be positive")
	}
	if len(c.Security.PreviousKeys) > 0 && strings.TrimSpace(c.Security.TokenKey) == "" {
		return fmt.Errorf("security.previous_keys requires security.token_key")
	}
	return nil
}
