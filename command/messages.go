package command

import (
	"strings"

	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/webhooks"
)

const (
	TypeRegisterWebhooks     = "shopify.command.webhooks.register"
	TypeRegisterShopWebhooks = "shopify.command.webhooks.register_shop"
	TypeProcessWebhook       = "shopify.command.webhooks.process"
)

// RegisterWebhooksMessage reconciles the registry against the shop of
// Session.
type RegisterWebhooksMessage struct {
	Session core.Session
}

func (RegisterWebhooksMessage) Type() string { return TypeRegisterWebhooks }

func (m RegisterWebhooksMessage) Validate() error {
	if strings.TrimSpace(m.Session.ID) == "" {
		return commandValidationError("session.id", "session id is required")
	}
	if _, err := core.SanitizeShop(m.Session.Shop); err != nil {
		return commandValidationError("session.shop", err.Error())
	}
	if strings.TrimSpace(m.Session.AccessToken) == "" {
		return commandValidationError("session.access_token", "access token is required")
	}
	return nil
}

// RegisterShopWebhooksMessage loads the shop's offline session before
// reconciling. Used by background jobs that only know the shop.
type RegisterShopWebhooksMessage struct {
	Shop string
}

func (RegisterShopWebhooksMessage) Type() string { return TypeRegisterShopWebhooks }

func (m RegisterShopWebhooksMessage) Validate() error {
	if _, err := core.SanitizeShop(m.Shop); err != nil {
		return commandValidationError("shop", err.Error())
	}
	return nil
}

type ProcessWebhookMessage struct {
	Request webhooks.ProcessRequest
}

func (ProcessWebhookMessage) Type() string { return TypeProcessWebhook }

func (m ProcessWebhookMessage) Validate() error {
	if len(m.Request.Headers) == 0 {
		return commandValidationError("request.headers", "delivery headers are required")
	}
	return nil
}
