package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	shopifycommand "github.com/goliatone/go-shopify/command"
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/query"
	"github.com/goliatone/go-shopify/webhooks"
)

// ValidateMessageContract enforces Type() plus optional Validate().
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

// RegisterQuery adds a querier to the registry. go-command keeps commands
// and queries in one registry.
func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

// AddQueueResolver mirrors every registered command into queueRegistry so
// the same commanders can run from job deliveries.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// Handlers are the collaborators behind the webhook commands. Sessions is
// only needed for RegisterShopWebhooksMessage. Deliveries and ShopSessions
// mount the read queries when set.
type Handlers struct {
	Registrar    shopifycommand.WebhookRegistrar
	Processor    shopifycommand.WebhookProcessor
	Sessions     shopifycommand.SessionLoader
	Deliveries   query.DeliveryReader
	ShopSessions query.ShopSessionFinder
}

// Mount registers and subscribes the webhook commands. The returned
// subscriptions are already active; Unsubscribe them on shutdown.
func Mount(adapter *RegistryAdapter, handlers Handlers, runnerOpts ...runner.Option) ([]commanddispatcher.Subscription, error) {
	if handlers.Registrar == nil || handlers.Processor == nil {
		return nil, fmt.Errorf("gocommand: registrar and processor are required")
	}
	subscriptions := []commanddispatcher.Subscription{}
	rollback := func() {
		for _, subscription := range subscriptions {
			subscription.Unsubscribe()
		}
	}

	register, err := RegisterAndSubscribe[shopifycommand.RegisterWebhooksMessage](adapter,
		shopifycommand.NewRegisterWebhooksCommand(handlers.Registrar), runnerOpts...)
	if err != nil {
		return nil, err
	}
	subscriptions = append(subscriptions, register)

	process, err := RegisterAndSubscribe[shopifycommand.ProcessWebhookMessage](adapter,
		shopifycommand.NewProcessWebhookCommand(handlers.Processor), runnerOpts...)
	if err != nil {
		rollback()
		return nil, err
	}
	subscriptions = append(subscriptions, process)

	if handlers.Sessions != nil {
		registerShop, err := RegisterAndSubscribe[shopifycommand.RegisterShopWebhooksMessage](adapter,
			shopifycommand.NewRegisterShopWebhooksCommand(handlers.Sessions, handlers.Registrar), runnerOpts...)
		if err != nil {
			rollback()
			return nil, err
		}
		subscriptions = append(subscriptions, registerShop)
	}
	if handlers.Deliveries != nil {
		deliveries, err := RegisterAndSubscribeQuery[query.GetWebhookDeliveryMessage, webhooks.DeliveryRecord](adapter,
			query.NewGetWebhookDeliveryQuery(handlers.Deliveries), runnerOpts...)
		if err != nil {
			rollback()
			return nil, err
		}
		subscriptions = append(subscriptions, deliveries)
	}
	if handlers.ShopSessions != nil {
		sessions, err := RegisterAndSubscribeQuery[query.ListShopSessionsMessage, []query.SessionSummary](adapter,
			query.NewListShopSessionsQuery(handlers.ShopSessions), runnerOpts...)
		if err != nil {
			rollback()
			return nil, err
		}
		subscriptions = append(subscriptions, sessions)
	}
	return subscriptions, nil
}

func GetWebhookDelivery(ctx context.Context, webhookID string) (webhooks.DeliveryRecord, error) {
	return Query[query.GetWebhookDeliveryMessage, webhooks.DeliveryRecord](ctx, query.GetWebhookDeliveryMessage{WebhookID: webhookID})
}

func ListShopSessions(ctx context.Context, shop string) ([]query.SessionSummary, error) {
	return Query[query.ListShopSessionsMessage, []query.SessionSummary](ctx, query.ListShopSessionsMessage{Shop: shop})
}

// RegisterWebhooks dispatches RegisterWebhooksMessage and returns the result
// stored by the command. The result is returned even when err reports
// failed topics.
func RegisterWebhooks(ctx context.Context, session core.Session) (webhooks.RegisterReturn, error) {
	collector := command.NewResult[webhooks.RegisterReturn]()
	err := Dispatch(command.ContextWithResult(ctx, collector), shopifycommand.RegisterWebhooksMessage{Session: session})
	out, _ := collector.Load()
	return out, err
}

func ProcessWebhook(ctx context.Context, req webhooks.ProcessRequest) (webhooks.ProcessResult, error) {
	collector := command.NewResult[webhooks.ProcessResult]()
	if err := Dispatch(command.ContextWithResult(ctx, collector), shopifycommand.ProcessWebhookMessage{Request: req}); err != nil {
		return webhooks.ProcessResult{}, err
	}
	out, _ := collector.Load()
	return out, nil
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}
