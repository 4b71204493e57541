package query

import (
	"context"
	"time"

	"github.com/goliatone/go-shopify/core"
	"github.com/goliatone/go-shopify/webhooks"
)

type DeliveryReader interface {
	Get(ctx context.Context, webhookID string) (webhooks.DeliveryRecord, error)
}

type ShopSessionFinder interface {
	FindSessionsByShop(ctx context.Context, shop string) ([]core.Session, error)
}

// SessionSummary is a session without its access token.
type SessionSummary struct {
	ID       string     `json:"id"`
	Shop     string     `json:"shop"`
	IsOnline bool       `json:"is_online"`
	Scope    string     `json:"scope,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	UserID   int64      `json:"user_id,omitempty"`
}

func SummarizeSession(session core.Session) SessionSummary {
	summary := SessionSummary{
		ID:       session.ID,
		Shop:     session.Shop,
		IsOnline: session.IsOnline,
		Scope:    session.Scope,
		Expires:  session.Expires,
	}
	if session.OnlineAccessInfo != nil {
		summary.UserID = session.OnlineAccessInfo.UserID
	}
	return summary
}

type GetWebhookDeliveryQuery struct {
	reader DeliveryReader
}

func NewGetWebhookDeliveryQuery(reader DeliveryReader) *GetWebhookDeliveryQuery {
	return &GetWebhookDeliveryQuery{reader: reader}
}

func (q *GetWebhookDeliveryQuery) Query(ctx context.Context, msg GetWebhookDeliveryMessage) (webhooks.DeliveryRecord, error) {
	if q == nil || q.reader == nil {
		return webhooks.DeliveryRecord{}, queryDependencyError("query: delivery reader is required")
	}
	if err := msg.Validate(); err != nil {
		return webhooks.DeliveryRecord{}, err
	}
	return q.reader.Get(ctx, msg.WebhookID)
}

type ListShopSessionsQuery struct {
	finder ShopSessionFinder
}

func NewListShopSessionsQuery(finder ShopSessionFinder) *ListShopSessionsQuery {
	return &ListShopSessionsQuery{finder: finder}
}

func (q *ListShopSessionsQuery) Query(ctx context.Context, msg ListShopSessionsMessage) ([]SessionSummary, error) {
	if q == nil || q.finder == nil {
		return nil, queryDependencyError("query: session finder is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	sessions, err := q.finder.FindSessionsByShop(ctx, msg.Shop)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, SummarizeSession(session))
	}
	return out, nil
}
