package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-shopify/webhooks"
)

var (
	_ gocmd.Querier[GetWebhookDeliveryMessage, webhooks.DeliveryRecord] = (*GetWebhookDeliveryQuery)(nil)
	_ gocmd.Querier[ListShopSessionsMessage, []SessionSummary]          = (*ListShopSessionsQuery)(nil)
)
