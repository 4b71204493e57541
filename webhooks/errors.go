package webhooks

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/core"
)

// Reasons carried in the metadata of an InvalidWebhookError.
const (
	ReasonMissingHeaders    = "missing_headers"
	ReasonInvalidSignature  = "invalid_signature"
	ReasonNoHandler         = "no_handler"
	ReasonHandlerFailed     = "handler_failed"
	ReasonDeliveryInFlight  = "delivery_in_flight"
	ReasonLedgerUnavailable = "ledger_unavailable"
	ReasonBodyTooLarge      = "body_too_large"
	ReasonStaleDelivery     = "stale_delivery"
)

func invalidDeliveryMethodError(topic string, existing DeliveryMethod, incoming DeliveryMethod) error {
	return goerrors.New("webhooks: cannot mix delivery methods for a single topic", goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorInvalidDeliveryMethod).
		WithMetadata(map[string]any{
			"topic":    topic,
			"existing": string(existing),
			"incoming": string(incoming),
		})
}

func invalidWebhookError(message string, reason string, code int, metadata map[string]any) error {
	fields := map[string]any{"reason": reason}
	for key, value := range metadata {
		fields[key] = value
	}
	return goerrors.New(message, webhookCategory(code)).
		WithCode(code).
		WithTextCode(core.ErrorInvalidWebhook).
		WithMetadata(fields)
}

func invalidWebhookWrapError(source error, message string, reason string, code int, metadata map[string]any) error {
	if source == nil {
		return invalidWebhookError(message, reason, code, metadata)
	}
	fields := map[string]any{"reason": reason}
	for key, value := range metadata {
		fields[key] = value
	}
	return goerrors.Wrap(source, webhookCategory(code), message).
		WithCode(code).
		WithTextCode(core.ErrorInvalidWebhook).
		WithMetadata(fields)
}

func webhookCategory(code int) goerrors.Category {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return goerrors.CategoryBadInput
	case http.StatusUnauthorized:
		return goerrors.CategoryAuth
	case http.StatusNotFound:
		return goerrors.CategoryNotFound
	case http.StatusConflict:
		return goerrors.CategoryConflict
	default:
		return goerrors.CategoryInternal
	}
}

// IsInvalidDeliveryMethod reports whether err came from mixing delivery
// methods in AddHandlers.
func IsInvalidDeliveryMethod(err error) bool {
	return core.HasTextCode(err, core.ErrorInvalidDeliveryMethod)
}

// IsInvalidWebhook reports whether err is a rejected or failed delivery.
// StatusCode returns the status the endpoint should answer with.
func IsInvalidWebhook(err error) bool {
	return core.HasTextCode(err, core.ErrorInvalidWebhook)
}

func StatusCode(err error) int {
	return core.HTTPStatus(err)
}

// Reason returns the InvalidWebhookError reason, empty for other errors.
func Reason(err error) string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return ""
	}
	reason, _ := richErr.Metadata["reason"].(string)
	return reason
}
