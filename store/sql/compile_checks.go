package sqlstore

import (
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/webhooks"
)

var (
	_ core.SessionStore       = (*SessionStore)(nil)
	_ core.SessionStore       = (*CachedSessionStore)(nil)
	_ webhooks.DeliveryLedger = (*WebhookDeliveryStore)(nil)
	_ persistenceConfig       = Config{}
)
