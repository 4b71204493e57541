package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	shopify "github.com/goliatone/go-shopify"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootPath = "data/sql/migrations"
)

// Required lists the migrations every dialect ships, in apply order. Each
// needs an .up.sql and a .down.sql file.
var Required = []string{
	"00001_shopify_sessions",
	"00002_shopify_webhook_deliveries",
}

// Source is the migration directory of one dialect.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type RegisterFunc func(ctx context.Context, dialect string, fsys fs.FS) error

type Option func(*options)

type options struct {
	dialects []string
}

// WithDialects limits registration to the named dialects. Both are
// registered by default.
func WithDialects(dialects ...string) Option {
	return func(o *options) {
		next := make([]string, 0, len(dialects))
		for _, dialect := range dialects {
			dialect = strings.ToLower(strings.TrimSpace(dialect))
			if dialect != "" && !slices.Contains(next, dialect) {
				next = append(next, dialect)
			}
		}
		if len(next) > 0 {
			o.dialects = next
		}
	}
}

// Sources resolves the postgres and sqlite directories from the embedded
// filesystem and checks that each holds every Required pair.
func Sources() ([]Source, error) {
	return sourcesFrom(shopify.GetMigrationsFS())
}

func sourcesFrom(root fs.FS) ([]Source, error) {
	base, err := fs.Sub(root, rootPath)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", rootPath, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite directory: %w", err)
	}
	sources := []Source{
		{Dialect: DialectPostgres, Path: rootPath, FS: base},
		{Dialect: DialectSQLite, Path: rootPath + "/" + DialectSQLite, FS: sqliteFS},
	}
	for _, source := range sources {
		if err := source.validate(); err != nil {
			return nil, err
		}
	}
	return sources, nil
}

func (s Source) validate() error {
	for _, name := range Required {
		for _, suffix := range []string{".up.sql", ".down.sql"} {
			file := name + suffix
			content, err := fs.ReadFile(s.FS, file)
			if err != nil {
				return fmt.Errorf("migrations: %s is missing %s/%s: %w", s.Dialect, s.Path, file, err)
			}
			if strings.TrimSpace(string(content)) == "" {
				return fmt.Errorf("migrations: %s migration %s/%s is empty", s.Dialect, s.Path, file)
			}
		}
	}
	return nil
}

// Register validates the embedded migrations and hands each selected
// dialect's directory to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) ([]Source, error) {
	if registerFn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	cfg := options{dialects: []string{DialectPostgres, DialectSQLite}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	sources, err := Sources()
	if err != nil {
		return nil, err
	}
	selected := make([]Source, 0, len(cfg.dialects))
	for _, dialect := range cfg.dialects {
		idx := slices.IndexFunc(sources, func(source Source) bool { return source.Dialect == dialect })
		if idx < 0 {
			return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
		}
		selected = append(selected, sources[idx])
	}
	for _, source := range selected {
		if err := registerFn(ctx, source.Dialect, source.FS); err != nil {
			return nil, fmt.Errorf("migrations: register %s (%s): %w", source.Dialect, source.Path, err)
		}
	}
	return selected, nil
}
