package gojob

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goliatone/go-job/queue"
	jobsql "github.com/goliatone/go-job/queue/adapters/postgres"
)

const (
	TableMessages       = "shopify_job_messages"
	TableDeadLetters    = "shopify_job_dead_letters"
	TableDispatchStatus = "shopify_job_dispatch_status"
)

// SQLQueue keeps registration jobs in the app database through go-job's SQL
// storage. It serves both postgres and sqlite.
type SQLQueue struct {
	*jobsql.Adapter
	db *sql.DB
}

// NewSQLQueue creates the queue tables when missing and returns the queue.
func NewSQLQueue(ctx context.Context, db *sql.DB, dialect jobsql.Dialect, opts ...jobsql.Option) (*SQLQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("gojob: queue database is required")
	}
	base := []jobsql.Option{
		jobsql.WithDialect(dialect),
		jobsql.WithTableName(TableMessages),
		jobsql.WithDLQTableName(TableDeadLetters),
		jobsql.WithStatusTableName(TableDispatchStatus),
	}
	storage := jobsql.NewStorage(db, append(base, opts...)...)
	if err := storage.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("gojob: migrate queue tables: %w", err)
	}
	return &SQLQueue{Adapter: jobsql.NewAdapter(storage), db: db}, nil
}

// Pending counts messages waiting for delivery, leased ones included.
func (q *SQLQueue) Pending(ctx context.Context) (int, error) {
	return q.count(ctx, TableMessages)
}

func (q *SQLQueue) DeadLettered(ctx context.Context) (int, error) {
	return q.count(ctx, TableDeadLetters)
}

func (q *SQLQueue) count(ctx context.Context, table string) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("gojob: count %s: %w", table, err)
	}
	return count, nil
}

var (
	_ queue.ScheduledEnqueuer    = (*SQLQueue)(nil)
	_ queue.Dequeuer             = (*SQLQueue)(nil)
	_ queue.DispatchStatusReader = (*SQLQueue)(nil)
)
