package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/webhooks"
)

type WebhookRegistrar interface {
	Register(ctx context.Context, session core.Session) (webhooks.RegisterReturn, error)
}

type WebhookProcessor interface {
	Process(ctx context.Context, req webhooks.ProcessRequest) (webhooks.ProcessResult, error)
}

type SessionLoader interface {
	LoadSession(ctx context.Context, id string) (core.Session, error)
}

// RegisterWebhooksCommand stores the webhooks.RegisterReturn in the context
// result collector. Per-topic failures are returned as one operation error
// after the result is stored.
type RegisterWebhooksCommand struct {
	registrar WebhookRegistrar
}

func NewRegisterWebhooksCommand(registrar WebhookRegistrar) *RegisterWebhooksCommand {
	return &RegisterWebhooksCommand{registrar: registrar}
}

func (c *RegisterWebhooksCommand) Execute(ctx context.Context, msg RegisterWebhooksMessage) error {
	if c == nil || c.registrar == nil {
		return commandDependencyError("command: webhook registrar is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return register(ctx, c.registrar, msg.Session)
}

type RegisterShopWebhooksCommand struct {
	sessions  SessionLoader
	registrar WebhookRegistrar
}

func NewRegisterShopWebhooksCommand(sessions SessionLoader, registrar WebhookRegistrar) *RegisterShopWebhooksCommand {
	return &RegisterShopWebhooksCommand{sessions: sessions, registrar: registrar}
}

func (c *RegisterShopWebhooksCommand) Execute(ctx context.Context, msg RegisterShopWebhooksMessage) error {
	if c == nil || c.registrar == nil || c.sessions == nil {
		return commandDependencyError("command: session loader and webhook registrar are required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	shop, _ := core.SanitizeShop(msg.Shop)
	session, err := c.sessions.LoadSession(ctx, core.OfflineSessionID(shop))
	if err != nil {
		return err
	}
	return register(ctx, c.registrar, session)
}

type ProcessWebhookCommand struct {
	processor WebhookProcessor
}

func NewProcessWebhookCommand(processor WebhookProcessor) *ProcessWebhookCommand {
	return &ProcessWebhookCommand{processor: processor}
}

func (c *ProcessWebhookCommand) Execute(ctx context.Context, msg ProcessWebhookMessage) error {
	if c == nil || c.processor == nil {
		return commandDependencyError("command: webhook processor is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.processor.Process(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func register(ctx context.Context, registrar WebhookRegistrar, session core.Session) error {
	out, err := registrar.Register(ctx, session)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	if failed := out.Failed(); len(failed) > 0 {
		return registrationFailedError(session.Shop, failed)
	}
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
