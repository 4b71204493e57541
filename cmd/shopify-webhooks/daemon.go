package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	jobsql "github.com/goliatone/go-job/queue/adapters/postgres"
	"github.com/goliatone/go-job/queue/worker"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	shopify "github.com/goliatone/go-shopify"
	"github.com/goliatone/go-shopify/adapters/gojob"
	"github.com/goliatone/go-shopify/adapters/gologger"
	"github.com/goliatone/go-shopify/adapters/prommetrics"
	"github.com/goliatone/go-shopify/adapters/zaplog"
	"github.com/goliatone/go-shopify/auth"
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/query"
	"github.com/goliatone/go-shopify/ratelimit"
	"github.com/goliatone/go-shopify/security"
	sqlstore "github.com/goliatone/go-shopify/store/sql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type daemon struct {
	config   daemonConfig
	app      *shopify.App
	client   *persistence.Client
	queue    *gojob.SQLQueue
	jobs     *gojob.RegistrationJobs
	worker   *worker.Worker
	registry *prometheus.Registry
	logger   *zaplog.Logger
}

func newDaemon(ctx context.Context, cfg daemonConfig, appCfg core.Config, logger *zaplog.Logger) (*daemon, error) {
	if logger == nil {
		logger = zaplog.Wrap(nil)
	}
	provider := zaplog.NewProvider(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewRecorder(registry)

	client, err := sqlstore.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	storeOpts, err := sessionStoreOptions(cfg.Security)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, storeOpts...)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("build stores: %w", err)
	}

	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = cfg.Cache.SessionTTL
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session cache: %w", err)
	}
	sessions, err := sqlstore.NewCachedSessionStore(factory.SessionStore(), cacheService)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	app, err := shopify.NewApp(appCfg,
		shopify.WithLoggerProvider(provider),
		shopify.WithMetrics(metrics),
		shopify.WithSessionStore(sessions),
		shopify.WithDeliveryLedger(factory.WebhookDeliveryStore()),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := app.AddHandlers(map[string][]shopify.HandlerDefinition{
		shopify.TopicAppUninstalled: {app.AppUninstalledHandler(cfg.Server.WebhookPath)},
	}); err != nil {
		_ = client.Close()
		return nil, err
	}

	dialect := jobsql.DialectPostgres
	if cfg.Database.GetDriver() == sqlstore.DriverSQLite {
		dialect = jobsql.DialectSQLite
	}
	queue, err := gojob.NewSQLQueue(ctx, client.DB().DB, dialect)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("job queue: %w", err)
	}
	jobsObserver := core.NewObserver(gologger.Component(provider, nil, "jobs"), metrics)
	jobs := gojob.NewRegistrationJobs(queue, app.Commands().RegisterShopWebhooks,
		gojob.WithObserver(jobsObserver),
		gojob.WithThrottle(ratelimit.NewShopThrottle(nil)),
	)
	jobWorker, err := jobs.NewWorker(queue,
		worker.WithConcurrency(cfg.Jobs.Concurrency),
		worker.WithIdleDelay(cfg.Jobs.PollInterval),
		worker.WithLogger(gologger.JobLogger(provider, nil, "jobs.worker")),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return &daemon{
		config:   cfg,
		app:      app,
		client:   client,
		queue:    queue,
		jobs:     jobs,
		worker:   jobWorker,
		registry: registry,
		logger:   logger,
	}, nil
}

func sessionStoreOptions(cfg securityConfig) ([]sqlstore.SessionStoreOption, error) {
	if strings.TrimSpace(cfg.TokenKey) == "" {
		return nil, nil
	}
	opts := []security.Option{security.WithKeyID(cfg.TokenKeyID)}
	for id, key := range cfg.PreviousKeys {
		opts = append(opts, security.WithPreviousKey(id, []byte(key)))
	}
	tokens, err := security.NewTokenCipherFromString(cfg.TokenKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	return []sqlstore.SessionStoreOption{sqlstore.WithTokenCipher(tokens)}, nil
}

func (d *daemon) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodPost, d.config.Server.WebhookPath, d.app.WebhookHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", d.health)
	r.Post("/api/webhooks/register", d.registerCurrentShop)
	r.Get("/api/webhooks/deliveries/{webhookID}", d.getDelivery)
	r.Get("/api/sessions", d.listSessions)
	return r
}

func (d *daemon) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := d.client.DB().PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	pending, err := d.queue.Pending(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued_jobs": pending})
}

// shopFromRequest resolves the shop named in the caller's session token.
func (d *daemon) shopFromRequest(r *http.Request) (string, error) {
	token, err := auth.BearerToken(r)
	if err != nil {
		return "", err
	}
	claims, err := d.app.SessionTokens().DecodeSessionToken(token)
	if err != nil {
		return "", err
	}
	return claims.Shop()
}

// registerCurrentShop queues a webhook reconcile for the shop named in the
// caller's session token.
func (d *daemon) registerCurrentShop(w http.ResponseWriter, r *http.Request) {
	shop, err := d.shopFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := d.jobs.Enqueue(r.Context(), shop)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"shop":        shop,
		"status":      "queued",
		"dispatch_id": receipt.DispatchID,
	})
}

// getDelivery reports the ledger state of one webhook delivery. Deliveries
// of other shops are reported as missing.
func (d *daemon) getDelivery(w http.ResponseWriter, r *http.Request) {
	shop, err := d.shopFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := d.app.Queries().WebhookDelivery.Query(r.Context(), query.GetWebhookDeliveryMessage{
		WebhookID: chi.URLParam(r, "webhookID"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if record.Shop != shop {
		writeError(w, goerrors.New("webhook delivery not found", goerrors.CategoryNotFound).
			WithCode(http.StatusNotFound).
			WithTextCode(core.ErrorNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"webhook_id":   record.WebhookID,
		"shop":         record.Shop,
		"topic":        record.Topic,
		"status":       record.Status,
		"attempts":     record.Attempts,
		"last_error":   record.LastError,
		"completed_at": record.CompletedAt,
	})
}

func (d *daemon) listSessions(w http.ResponseWriter, r *http.Request) {
	shop, err := d.shopFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summaries, err := d.app.Queries().ShopSessions.Query(r.Context(), query.ListShopSessionsMessage{Shop: shop})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shop": shop, "sessions": summaries})
}

// runJobs enqueues the boot-time registrations and runs the worker until
// ctx is cancelled.
func (d *daemon) runJobs(ctx context.Context) error {
	for _, shop := range d.config.Jobs.RegisterOnStart {
		if _, err := d.jobs.Enqueue(ctx, shop); err != nil {
			d.logger.Warn("jobs: skipped boot registration", "shop", shop, "error", err.Error())
		}
	}
	if err := d.worker.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeout)
	defer cancel()
	return d.worker.Stop(stopCtx)
}

func (d *daemon) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

func writeError(w http.ResponseWriter, err error) {
	mapped := core.MapError(err)
	writeJSON(w, core.HTTPStatus(err), map[string]any{
		"error":     mapped.Message,
		"text_code": mapped.TextCode,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
