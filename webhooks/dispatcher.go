package webhooks

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-shopify/core"
)

// ProcessRequest is the framework-neutral shape of an inbound delivery.
type ProcessRequest struct {
	Body    []byte
	Headers http.Header
	Path    string
}

type ProcessResult struct {
	Webhook    Delivery
	StatusCode int
	Headers    map[string]string
	Duplicate  bool
}

type DispatcherOption func(*Dispatcher)

// WithLedger enables de-duplication by X-Shopify-Webhook-Id.
func WithLedger(ledger DeliveryLedger) DispatcherOption {
	return func(d *Dispatcher) {
		d.ledger = ledger
	}
}

func WithClaimLease(lease time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.claimLease = lease
		}
	}
}

// WithReplayWindow rejects deliveries whose X-Shopify-Triggered-At is
// further than window from now. Zero disables the check.
func WithReplayWindow(window time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.replayWindow = window
	}
}

func WithDispatcherObserver(observer *core.Observer) DispatcherOption {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

// Dispatcher validates inbound deliveries and runs the registered handlers.
type Dispatcher struct {
	registry     *Registry
	secret       string
	ledger       DeliveryLedger
	claimLease   time.Duration
	replayWindow time.Duration
	observer     *core.Observer
	Now          func() time.Time
}

func NewDispatcher(registry *Registry, secret string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		secret:     secret,
		claimLease: defaultClaimLease,
		observer:   core.NewObserver(nil, nil),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Ledger returns the configured DeliveryLedger, or nil.
func (d *Dispatcher) Ledger() DeliveryLedger {
	if d == nil {
		return nil
	}
	return d.ledger
}

// Process runs one delivery through header extraction, signature
// validation, handler resolution and sequential dispatch. Every error is an
// InvalidWebhookError carrying the status to answer with.
func (d *Dispatcher) Process(ctx context.Context, req ProcessRequest) (_ ProcessResult, err error) {
	if d == nil || d.registry == nil {
		return ProcessResult{}, invalidWebhookError("webhooks: dispatcher is not configured", ReasonHandlerFailed, http.StatusInternalServerError, nil)
	}
	startedAt := time.Now()
	fields := map[string]any{"path": req.Path}
	defer func() {
		d.observer.ObserveOperation(ctx, startedAt, "webhooks.process", err, fields)
	}()

	delivery, signature, err := extractDelivery(req)
	if err != nil {
		return ProcessResult{}, err
	}
	fields["topic"] = delivery.Topic
	fields["shop"] = delivery.Shop
	fields["webhook_id"] = delivery.WebhookID

	if !Validate(req.Body, signature, d.secret) {
		return ProcessResult{}, invalidWebhookError("webhooks: signature mismatch", ReasonInvalidSignature, http.StatusUnauthorized,
			map[string]any{"topic": delivery.Topic, "shop": delivery.Shop})
	}
	if err := d.checkReplayWindow(delivery); err != nil {
		return ProcessResult{}, err
	}

	handlers, err := d.resolveHandlers(delivery)
	if err != nil {
		return ProcessResult{}, err
	}
	fields["handlers"] = len(handlers)

	claim, duplicate, err := d.claim(ctx, delivery)
	if err != nil {
		return ProcessResult{}, err
	}
	if duplicate {
		fields["duplicate"] = true
		return ProcessResult{Webhook: delivery, StatusCode: http.StatusOK, Duplicate: true}, nil
	}

	for index, handler := range handlers {
		if callErr := invoke(ctx, handler, delivery); callErr != nil {
			d.release(ctx, claim, callErr)
			return ProcessResult{}, invalidWebhookWrapError(callErr, "webhooks: handler failed", ReasonHandlerFailed,
				http.StatusInternalServerError, map[string]any{
					"topic":         delivery.Topic,
					"shop":          delivery.Shop,
					"handler_index": index,
				})
		}
	}

	if claim != "" {
		if completeErr := d.ledger.Complete(ctx, claim); completeErr != nil {
			d.observer.Log(ctx, "warn", "webhooks: failed to mark delivery processed", map[string]any{
				"webhook_id": delivery.WebhookID,
				"error":      completeErr.Error(),
			})
		}
	}
	return ProcessResult{Webhook: delivery, StatusCode: http.StatusOK}, nil
}

// resolveHandlers applies address scoping: HTTP deliveries only reach
// handlers registered at the request path.
func (d *Dispatcher) resolveHandlers(delivery Delivery) ([]HandlerDefinition, error) {
	handlers := d.registry.GetHandlers(delivery.Topic)
	if len(handlers) == 0 {
		return nil, invalidWebhookError("webhooks: no handlers registered for topic", ReasonNoHandler, http.StatusNotFound,
			map[string]any{"topic": delivery.Topic})
	}
	if handlers[0].DeliveryMethod() != DeliveryMethodHTTP {
		return handlers, nil
	}

	path := NormalizePath(delivery.Path)
	matched := make([]HandlerDefinition, 0, len(handlers))
	for _, handler := range handlers {
		if typed, ok := handler.(HTTPHandler); ok && NormalizePath(typed.CallbackPath) == path {
			matched = append(matched, handler)
		}
	}
	if len(matched) == 0 {
		return nil, invalidWebhookError("webhooks: no handler registered at request path", ReasonNoHandler, http.StatusNotFound,
			map[string]any{"topic": delivery.Topic, "path": path})
	}
	return matched, nil
}

func (d *Dispatcher) claim(ctx context.Context, delivery Delivery) (string, bool, error) {
	if d.ledger == nil || delivery.WebhookID == "" {
		return "", false, nil
	}
	record, claimed, err := d.ledger.Claim(ctx, delivery.WebhookID, delivery.Shop, delivery.Topic, d.claimLease)
	if err != nil {
		return "", false, invalidWebhookWrapError(err, "webhooks: delivery ledger unavailable", ReasonLedgerUnavailable,
			http.StatusInternalServerError, map[string]any{"webhook_id": delivery.WebhookID})
	}
	if claimed {
		return record.ClaimID, false, nil
	}
	if record.Status == DeliveryStatusProcessed {
		return "", true, nil
	}
	return "", false, invalidWebhookError("webhooks: delivery is already being processed", ReasonDeliveryInFlight,
		http.StatusConflict, map[string]any{"webhook_id": delivery.WebhookID})
}

func (d *Dispatcher) release(ctx context.Context, claimID string, cause error) {
	if claimID == "" {
		return
	}
	if err := d.ledger.Release(ctx, claimID, cause); err != nil {
		d.observer.Log(ctx, "warn", "webhooks: failed to release delivery claim", map[string]any{
			"claim_id": claimID,
			"error":    err.Error(),
		})
	}
}

func (d *Dispatcher) checkReplayWindow(delivery Delivery) error {
	if d.replayWindow <= 0 || delivery.TriggeredAt == nil {
		return nil
	}
	now := time.Now().UTC()
	if d.Now != nil {
		now = d.Now().UTC()
	}
	delta := now.Sub(delivery.TriggeredAt.UTC())
	if delta < 0 {
		delta = -delta
	}
	if delta > d.replayWindow {
		return invalidWebhookError("webhooks: delivery trigger time outside replay window", ReasonStaleDelivery,
			http.StatusUnauthorized, map[string]any{"topic": delivery.Topic, "shop": delivery.Shop})
	}
	return nil
}

func invoke(ctx context.Context, handler HandlerDefinition, delivery Delivery) error {
	switch typed := handler.(type) {
	case HTTPHandler:
		return typed.Callback(ctx, delivery)
	case EventBridgeHandler, PubSubHandler:
		// Platform-delivered; nothing to run in process.
		return nil
	default:
		return nil
	}
}

func extractDelivery(req ProcessRequest) (Delivery, string, error) {
	topic := headerValue(req.Headers, HeaderTopic)
	shop := headerValue(req.Headers, HeaderShopDomain)
	signature := headerValue(req.Headers, HeaderHMAC)

	missing := []string{}
	if topic == "" {
		missing = append(missing, HeaderTopic)
	}
	if shop == "" {
		missing = append(missing, HeaderShopDomain)
	}
	if signature == "" {
		missing = append(missing, HeaderHMAC)
	}
	if len(missing) > 0 {
		return Delivery{}, "", invalidWebhookError("webhooks: missing required headers", ReasonMissingHeaders,
			http.StatusBadRequest, map[string]any{"missing": strings.Join(missing, ",")})
	}

	delivery := Delivery{
		Topic:      NormalizeTopic(topic),
		Shop:       strings.ToLower(shop),
		Body:       req.Body,
		WebhookID:  headerValue(req.Headers, HeaderWebhookID),
		APIVersion: headerValue(req.Headers, HeaderAPIVersion),
		SubTopic:   headerValue(req.Headers, HeaderSubTopic),
		EventID:    headerValue(req.Headers, HeaderEventID),
		Path:       NormalizePath(req.Path),
	}
	if raw := headerValue(req.Headers, HeaderTriggeredAt); raw != "" {
		triggeredAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Delivery{}, "", invalidWebhookWrapError(err, "webhooks: malformed "+HeaderTriggeredAt+" header",
				ReasonMissingHeaders, http.StatusBadRequest, nil)
		}
		triggeredAt = triggeredAt.UTC()
		delivery.TriggeredAt = &triggeredAt
	}
	return delivery, signature, nil
}
