package webhooks

import (
	"net/http"
	"slices"
	"strings"
)

const (
	HeaderHMAC        = "X-Shopify-Hmac-Sha256"
	HeaderTopic       = "X-Shopify-Topic"
	HeaderShopDomain  = "X-Shopify-Shop-Domain"
	HeaderAPIVersion  = "X-Shopify-API-Version"
	HeaderWebhookID   = "X-Shopify-Webhook-Id"
	HeaderSubTopic    = "X-Shopify-Sub-Topic"
	HeaderEventID     = "X-Shopify-Event-Id"
	HeaderTriggeredAt = "X-Shopify-Triggered-At"
)

// Topics whose subscriptions are managed in the Partner dashboard. They are
// dispatched like any other topic but never reconciled.
var privacyTopics = []string{"CUSTOMERS_DATA_REQUEST", "CUSTOMERS_REDACT", "SHOP_REDACT"}

func IsPrivacyTopic(topic string) bool {
	return slices.Contains(privacyTopics, NormalizeTopic(topic))
}

// NormalizeTopic maps the header form "products/create" and the GraphQL enum
// form "PRODUCTS_CREATE" to the same registry key.
func NormalizeTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	topic = strings.NewReplacer("/", "_", ".", "_", "-", "_", " ", "_").Replace(topic)
	return strings.ToUpper(topic)
}

func headerValue(headers http.Header, key string) string {
	if len(headers) == 0 {
		return ""
	}
	if value := strings.TrimSpace(headers.Get(key)); value != "" {
		return value
	}
	for existing, values := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) && len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}
