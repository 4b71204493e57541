package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-shopify/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	defaultPingTimeout = 5 * time.Second
)

type persistenceConfig interface {
	GetDebug() bool
	GetDriver() string
	GetServer() string
	GetPingTimeout() time.Duration
	GetOtelIdentifier() string
}

// Config selects the session database. Driver is "sqlite3" or "postgres";
// DSN is passed to database/sql unchanged.
type Config struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`
	Debug       bool          `yaml:"debug"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

func (c Config) GetDebug() bool {
	return c.Debug
}

func (c Config) GetDriver() string {
	return normalizeDriver(c.Driver)
}

func (c Config) GetServer() string {
	return strings.TrimSpace(c.DSN)
}

func (c Config) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return defaultPingTimeout
	}
	return c.PingTimeout
}

func (c Config) GetOtelIdentifier() string {
	return "go-shopify"
}

// Open connects, registers the embedded migrations for the driver's dialect
// and applies them.
func Open(ctx context.Context, cfg Config) (*persistence.Client, error) {
	driver := cfg.GetDriver()
	dsn := cfg.GetServer()
	if dsn == "" {
		return nil, storeError("sqlstore: database dsn is required", goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}

	var migrationsName string
	switch driver {
	case DriverSQLite:
		migrationsName = migrations.DialectSQLite
	case DriverPostgres:
		migrationsName = migrations.DialectPostgres
	default:
		return nil, storeError("sqlstore: unsupported database driver", goerrors.CategoryBadInput,
			http.StatusBadRequest, map[string]any{"driver": cfg.Driver})
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, storeWrapError(err, "sqlstore: open database", map[string]any{"driver": driver})
	}

	var client *persistence.Client
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		client, err = persistence.New(cfg, sqlDB, sqlitedialect.New())
	} else {
		client, err = persistence.New(cfg, sqlDB, pgdialect.New())
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, storeWrapError(err, "sqlstore: new persistence client", map[string]any{"driver": driver})
	}

	_, err = migrations.Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithDialects(migrationsName))
	if err != nil {
		_ = client.Close()
		return nil, storeWrapError(err, "sqlstore: register migrations", map[string]any{"driver": driver})
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, storeWrapError(err, "sqlstore: migrate", map[string]any{"driver": driver})
	}
	return client, nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", DriverSQLite:
		return DriverSQLite
	case "pg", "postgresql", DriverPostgres:
		return DriverPostgres
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

func typeName(value any) string {
	return fmt.Sprintf("%T", value)
}
