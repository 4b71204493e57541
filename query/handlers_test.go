package query

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/webhooks"
)

type stubDeliveryReader struct {
	getFn func(ctx context.Context, webhookID string) (webhooks.DeliveryRecord, error)
}

func (s stubDeliveryReader) Get(ctx context.Context, webhookID string) (webhooks.DeliveryRecord, error) {
	return s.getFn(ctx, webhookID)
}

type stubSessionFinder struct {
	sessions []core.Session
	err      error
	asked    string
}

func (s *stubSessionFinder) FindSessionsByShop(_ context.Context, shop string) ([]core.Session, error) {
	s.asked = shop
	return s.sessions, s.err
}

func TestGetWebhookDeliveryQuery_QueryDelegates(t *testing.T) {
	called := false
	reader := stubDeliveryReader{getFn: func(_ context.Context, webhookID string) (webhooks.DeliveryRecord, error) {
		called = true
		if webhookID != "wh-1" {
			t.Fatalf("unexpected webhook id %q", webhookID)
		}
		return webhooks.DeliveryRecord{WebhookID: "wh-1", Status: webhooks.DeliveryStatusProcessed}, nil
	}}

	record, err := NewGetWebhookDeliveryQuery(reader).Query(context.Background(), GetWebhookDeliveryMessage{WebhookID: "wh-1"})
	if err != nil {
		t.Fatalf("query delivery: %v", err)
	}
	if !called || record.Status != webhooks.DeliveryStatusProcessed {
		t.Fatalf("unexpected delivery result %#v", record)
	}
}

func TestGetWebhookDeliveryQuery_UsesMemoryLedger(t *testing.T) {
	ctx := context.Background()
	ledger := webhooks.NewMemoryLedger()
	record, claimed, err := ledger.Claim(ctx, "wh-2", "test-shop.myshopify.com", "orders/create", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%t err=%v", claimed, err)
	}
	if err := ledger.Complete(ctx, record.ClaimID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := NewGetWebhookDeliveryQuery(ledger).Query(ctx, GetWebhookDeliveryMessage{WebhookID: "wh-2"})
	if err != nil {
		t.Fatalf("query delivery: %v", err)
	}
	if got.Status != webhooks.DeliveryStatusProcessed || got.Topic != "ORDERS_CREATE" {
		t.Fatalf("unexpected ledger record %#v", got)
	}
}

func TestListShopSessionsQuery_RedactsTokens(t *testing.T) {
	expires := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	finder := &stubSessionFinder{sessions: []core.Session{
		{ID: core.OfflineSessionID("test-shop.myshopify.com"), Shop: "test-shop.myshopify.com", Scope: "read_orders", AccessToken: "shpat_hidden"},
		{
			ID:               core.OnlineSessionID("test-shop.myshopify.com", "9"),
			Shop:             "test-shop.myshopify.com",
			IsOnline:         true,
			Expires:          &expires,
			AccessToken:      "shpua_hidden",
			OnlineAccessInfo: &core.OnlineAccessInfo{UserID: 9},
		},
	}}

	out, err := NewListShopSessionsQuery(finder).Query(context.Background(), ListShopSessionsMessage{Shop: "test-shop"})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if finder.asked != "test-shop" {
		t.Fatalf("expected finder to receive the shop, got %q", finder.asked)
	}
	if len(out) != 2 || out[0].Scope != "read_orders" || !out[1].IsOnline || out[1].UserID != 9 || out[1].Expires == nil {
		t.Fatalf("unexpected summaries %#v", out)
	}
}

func TestListShopSessionsQuery_PropagatesFinderError(t *testing.T) {
	finder := &stubSessionFinder{err: errors.New("db down")}
	if _, err := NewListShopSessionsQuery(finder).Query(context.Background(), ListShopSessionsMessage{Shop: "test-shop"}); err == nil {
		t.Fatalf("expected finder error")
	}
}

func TestMessages_ValidateReturnsRichErrors(t *testing.T) {
	for name, err := range map[string]error{
		"missing webhook id": GetWebhookDeliveryMessage{}.Validate(),
		"missing shop":       ListShopSessionsMessage{}.Validate(),
		"invalid shop":       ListShopSessionsMessage{Shop: "https://evil.example.com"}.Validate(),
	} {
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			t.Fatalf("%s: expected go-errors envelope, got %T", name, err)
		}
		if rich.Category != goerrors.CategoryValidation || rich.TextCode != core.ErrorBadInput || rich.Code != http.StatusBadRequest {
			t.Fatalf("%s: unexpected envelope %#v", name, rich)
		}
	}

	err := GetWebhookDeliveryMessage{}.Validate()
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		if validation := rich.AllValidationErrors(); len(validation) == 0 || validation[0].Field != "webhook_id" {
			t.Fatalf("expected webhook_id field error, got %#v", validation)
		}
	}
}

func TestQueries_NilDependenciesReturnInternalErrors(t *testing.T) {
	var deliveries *GetWebhookDeliveryQuery
	_, err := deliveries.Query(context.Background(), GetWebhookDeliveryMessage{WebhookID: "wh"})
	if core.HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for nil delivery reader, got %v", err)
	}
	_, err = NewListShopSessionsQuery(nil).Query(context.Background(), ListShopSessionsMessage{Shop: "test-shop"})
	if core.HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for nil session finder, got %v", err)
	}
}
