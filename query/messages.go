package query

import (
	"strings"

	"github.com/goliatone/go-shopify/core"
)

const (
	TypeGetWebhookDelivery = "shopify.query.webhook_delivery.get"
	TypeListShopSessions   = "shopify.query.shop_sessions.list"
)

type GetWebhookDeliveryMessage struct {
	WebhookID string
}

func (GetWebhookDeliveryMessage) Type() string { return TypeGetWebhookDelivery }

func (m GetWebhookDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.WebhookID) == "" {
		return queryValidationError("webhook_id", "webhook id is required")
	}
	return nil
}

type ListShopSessionsMessage struct {
	Shop string
}

func (ListShopSessionsMessage) Type() string { return TypeListShopSessions }

func (m ListShopSessionsMessage) Validate() error {
	if strings.TrimSpace(m.Shop) == "" {
		return queryValidationError("shop", "shop is required")
	}
	if _, err := core.SanitizeShop(m.Shop); err != nil {
		return queryWrapValidation(err, "query: invalid shop")
	}
	return nil
}
