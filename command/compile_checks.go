package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-shopify/webhooks"
)

var (
	_ gocmd.Commander[RegisterWebhooksMessage]     = (*RegisterWebhooksCommand)(nil)
	_ gocmd.Commander[RegisterShopWebhooksMessage] = (*RegisterShopWebhooksCommand)(nil)
	_ gocmd.Commander[ProcessWebhookMessage]       = (*ProcessWebhookCommand)(nil)

	_ WebhookRegistrar = (*webhooks.Reconciler)(nil)
	_ WebhookProcessor = (*webhooks.Dispatcher)(nil)
)
