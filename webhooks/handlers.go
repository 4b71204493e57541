package webhooks

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

type DeliveryMethod string

const (
	DeliveryMethodHTTP        DeliveryMethod = "http"
	DeliveryMethodEventBridge DeliveryMethod = "eventbridge"
	DeliveryMethodPubSub      DeliveryMethod = "pubsub"
)

// Delivery is one inbound webhook, valid only for the duration of a dispatch.
type Delivery struct {
	Topic       string
	Shop        string
	Body        []byte
	WebhookID   string
	APIVersion  string
	SubTopic    string
	EventID     string
	TriggeredAt *time.Time
	Path        string
}

// CallbackFunc receives a validated HTTP delivery. Returning an error aborts
// the remaining handlers for the delivery.
type CallbackFunc func(ctx context.Context, delivery Delivery) error

// SubscriptionOptions are sent with every create/update and compared against
// the remote subscription during reconciliation.
type SubscriptionOptions struct {
	IncludeFields       []string
	MetafieldNamespaces []string
	Filter              string
}

// HandlerDefinition is a closed sum type: HTTPHandler, EventBridgeHandler or
// PubSubHandler.
type HandlerDefinition interface {
	DeliveryMethod() DeliveryMethod
	Options() SubscriptionOptions
	validate() error
	sealed()
}

type HTTPHandler struct {
	CallbackPath string
	Callback     CallbackFunc
	SubscriptionOptions
}

type EventBridgeHandler struct {
	ARN string
	SubscriptionOptions
}

type PubSubHandler struct {
	ProjectID string
	TopicName string
	SubscriptionOptions
}

func (HTTPHandler) DeliveryMethod() DeliveryMethod        { return DeliveryMethodHTTP }
func (EventBridgeHandler) DeliveryMethod() DeliveryMethod { return DeliveryMethodEventBridge }
func (PubSubHandler) DeliveryMethod() DeliveryMethod      { return DeliveryMethodPubSub }

func (h HTTPHandler) Options() SubscriptionOptions        { return h.SubscriptionOptions.normalized() }
func (h EventBridgeHandler) Options() SubscriptionOptions { return h.SubscriptionOptions.normalized() }
func (h PubSubHandler) Options() SubscriptionOptions      { return h.SubscriptionOptions.normalized() }

func (HTTPHandler) sealed()        {}
func (EventBridgeHandler) sealed() {}
func (PubSubHandler) sealed()      {}

func (h HTTPHandler) validate() error {
	if strings.TrimSpace(h.CallbackPath) == "" {
		return fmt.Errorf("webhooks: http handler callback path is required")
	}
	if h.Callback == nil {
		return fmt.Errorf("webhooks: http handler callback is required")
	}
	return nil
}

func (h EventBridgeHandler) validate() error {
	if !strings.HasPrefix(strings.TrimSpace(h.ARN), "arn:") {
		return fmt.Errorf("webhooks: eventbridge handler requires an arn, got %q", h.ARN)
	}
	return nil
}

func (h PubSubHandler) validate() error {
	if strings.TrimSpace(h.ProjectID) == "" || strings.TrimSpace(h.TopicName) == "" {
		return fmt.Errorf("webhooks: pubsub handler requires project id and topic name")
	}
	return nil
}

// Address returns the subscription target for a handler: the absolute
// callback URL for HTTP, the ARN for EventBridge, pubsub://project:topic for
// PubSub.
func Address(handler HandlerDefinition, appURL string) string {
	switch typed := handler.(type) {
	case HTTPHandler:
		return strings.TrimRight(strings.TrimSpace(appURL), "/") + NormalizePath(typed.CallbackPath)
	case EventBridgeHandler:
		return strings.TrimSpace(typed.ARN)
	case PubSubHandler:
		return pubSubAddress(typed.ProjectID, typed.TopicName)
	default:
		return ""
	}
}

func pubSubAddress(project string, topic string) string {
	return "pubsub://" + strings.TrimSpace(project) + ":" + strings.TrimSpace(topic)
}

// NormalizePath makes "webhooks/" and "/webhooks" compare equal.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = "/" + strings.Trim(path, "/")
	return path
}

func (o SubscriptionOptions) normalized() SubscriptionOptions {
	return SubscriptionOptions{
		IncludeFields:       normalizeSet(o.IncludeFields),
		MetafieldNamespaces: normalizeSet(o.MetafieldNamespaces),
		Filter:              strings.TrimSpace(o.Filter),
	}
}

func (o SubscriptionOptions) equal(other SubscriptionOptions) bool {
	left := o.normalized()
	right := other.normalized()
	return left.Filter == right.Filter &&
		slices.Equal(left.IncludeFields, right.IncludeFields) &&
		slices.Equal(left.MetafieldNamespaces, right.MetafieldNamespaces)
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
