package shopify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-shopify/adapters/gologger"
	"github.com/goliatone/go-shopify/auth"
	"github.com/goliatone/go-shopify/command"
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/query"
	"github.com/goliatone/go-shopify/transport"
	"github.com/goliatone/go-shopify/webhooks"
)

const TopicAppUninstalled = "APP_UNINSTALLED"

type Commands struct {
	RegisterWebhooks *command.RegisterWebhooksCommand
	// RegisterShopWebhooks is nil unless a session store is configured.
	RegisterShopWebhooks *command.RegisterShopWebhooksCommand
	ProcessWebhook       *command.ProcessWebhookCommand
}

// Queries are the read models. Each is nil when its backing store is not
// configured.
type Queries struct {
	WebhookDelivery *query.GetWebhookDeliveryQuery
	ShopSessions    *query.ListShopSessionsQuery
}

type Option func(*appOptions)

type appOptions struct {
	logger         glog.Logger
	loggerProvider glog.LoggerProvider
	metrics        core.MetricsRecorder
	graphql        core.GraphQLClient
	httpClient     transport.HTTPDoer
	adminBaseURL   string
	ledger         webhooks.DeliveryLedger
	sessions       core.SessionStore
	replayWindow   time.Duration
}

func WithLogger(logger glog.Logger) Option {
	return func(o *appOptions) { o.logger = logger }
}

func WithLoggerProvider(provider glog.LoggerProvider) Option {
	return func(o *appOptions) { o.loggerProvider = provider }
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(o *appOptions) { o.metrics = metrics }
}

// WithGraphQLClient replaces the Admin API client used for subscriptions.
func WithGraphQLClient(client core.GraphQLClient) Option {
	return func(o *appOptions) { o.graphql = client }
}

func WithHTTPClient(client transport.HTTPDoer) Option {
	return func(o *appOptions) { o.httpClient = client }
}

// WithAdminBaseURL points the default Admin API client at a fixed host.
func WithAdminBaseURL(baseURL string) Option {
	return func(o *appOptions) { o.adminBaseURL = baseURL }
}

func WithDeliveryLedger(ledger webhooks.DeliveryLedger) Option {
	return func(o *appOptions) { o.ledger = ledger }
}

func WithSessionStore(store core.SessionStore) Option {
	return func(o *appOptions) { o.sessions = store }
}

func WithReplayWindow(window time.Duration) Option {
	return func(o *appOptions) { o.replayWindow = window }
}

// App owns the webhook registry and everything that reads it.
type App struct {
	config     Config
	registry   *webhooks.Registry
	reconciler *webhooks.Reconciler
	dispatcher *webhooks.Dispatcher
	tokens     *auth.Decoder
	sessions   core.SessionStore
	observer   *core.Observer
	commands   Commands
	queries    Queries
}

func NewApp(cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("shopify: %w", err)
	}
	options := appOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	metrics := options.metrics
	component := func(name string) *core.Observer {
		return core.NewObserver(gologger.Component(options.loggerProvider, options.logger, name), metrics)
	}

	graphql := options.graphql
	if graphql == nil {
		httpClient := options.httpClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		adminOpts := []transport.AdminClientOption{transport.WithAdminObserver(component("transport"))}
		if strings.TrimSpace(options.adminBaseURL) != "" {
			adminOpts = append(adminOpts, transport.WithBaseURL(options.adminBaseURL))
		}
		graphql = transport.NewAdminClient(cfg.APIVersion, httpClient, adminOpts...)
	}

	registry := webhooks.NewRegistry(gologger.Component(options.loggerProvider, options.logger, "webhooks"))
	reconciler := webhooks.NewReconciler(registry, graphql, cfg.AppURL(),
		webhooks.WithKeepUnregistered(cfg.Webhooks.KeepUnregistered),
		webhooks.WithReconcilerObserver(component("webhooks")),
	)
	dispatcherOpts := []webhooks.DispatcherOption{
		webhooks.WithDispatcherObserver(component("webhooks")),
		webhooks.WithReplayWindow(options.replayWindow),
	}
	if options.ledger != nil {
		dispatcherOpts = append(dispatcherOpts, webhooks.WithLedger(options.ledger))
	}
	dispatcher := webhooks.NewDispatcher(registry, cfg.APISecretKey, dispatcherOpts...)

	app := &App{
		config:     cfg,
		registry:   registry,
		reconciler: reconciler,
		dispatcher: dispatcher,
		tokens:     auth.NewDecoder(cfg),
		sessions:   options.sessions,
		observer:   component("app"),
	}
	app.commands = Commands{
		RegisterWebhooks: command.NewRegisterWebhooksCommand(reconciler),
		ProcessWebhook:   command.NewProcessWebhookCommand(dispatcher),
	}
	if options.sessions != nil {
		app.commands.RegisterShopWebhooks = command.NewRegisterShopWebhooksCommand(options.sessions, reconciler)
		app.queries.ShopSessions = query.NewListShopSessionsQuery(options.sessions)
	}
	if options.ledger != nil {
		app.queries.WebhookDelivery = query.NewGetWebhookDeliveryQuery(options.ledger)
	}
	return app, nil
}

func (a *App) Config() Config                   { return a.config }
func (a *App) Registry() *webhooks.Registry     { return a.registry }
func (a *App) Reconciler() *webhooks.Reconciler { return a.reconciler }
func (a *App) Dispatcher() *webhooks.Dispatcher { return a.dispatcher }
func (a *App) SessionTokens() *auth.Decoder     { return a.tokens }
func (a *App) Sessions() core.SessionStore      { return a.sessions }
func (a *App) Commands() Commands               { return a.commands }
func (a *App) Queries() Queries                 { return a.queries }

func (a *App) AddHandlers(mapping map[string][]HandlerDefinition) error {
	return a.registry.AddHandlers(mapping)
}

// Register reconciles the shop's remote subscriptions with the registry.
func (a *App) Register(ctx context.Context, session Session) (RegisterReturn, error) {
	return a.reconciler.Register(ctx, session)
}

// RegisterShop loads the shop's offline session and registers with it.
func (a *App) RegisterShop(ctx context.Context, shop string) (RegisterReturn, error) {
	if a.sessions == nil {
		return nil, fmt.Errorf("shopify: session store is not configured")
	}
	sanitized, err := core.SanitizeShop(shop)
	if err != nil {
		return nil, err
	}
	session, err := a.sessions.LoadSession(ctx, core.OfflineSessionID(sanitized))
	if err != nil {
		return nil, err
	}
	return a.Register(ctx, session)
}

func (a *App) Process(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	return a.dispatcher.Process(ctx, req)
}

// WebhookHandler serves deliveries over HTTP with the configured body limit.
func (a *App) WebhookHandler() http.Handler {
	return webhooks.NewHTTPHandler(a.dispatcher, a.config.WebhookBodyLimit())
}

// DeleteShopSessions removes every stored session for shop and reports how
// many were deleted.
func (a *App) DeleteShopSessions(ctx context.Context, shop string) (int, error) {
	if a.sessions == nil {
		return 0, fmt.Errorf("shopify: session store is not configured")
	}
	sessions, err := a.sessions.FindSessionsByShop(ctx, shop)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	if err := a.sessions.DeleteSessions(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// AppUninstalledHandler returns an HTTP handler for APP_UNINSTALLED that
// drops the shop's sessions once the platform revokes access.
func (a *App) AppUninstalledHandler(callbackPath string) HTTPHandler {
	return HTTPHandler{
		CallbackPath: callbackPath,
		Callback: func(ctx context.Context, delivery Delivery) (err error) {
			startedAt := time.Now()
			fields := map[string]any{"shop": delivery.Shop, "topic": delivery.Topic}
			defer func() {
				a.observer.ObserveOperation(ctx, startedAt, "sessions.uninstall_cleanup", err, fields)
			}()
			deleted, err := a.DeleteShopSessions(ctx, delivery.Shop)
			fields["deleted"] = deleted
			return err
		},
	}
}
