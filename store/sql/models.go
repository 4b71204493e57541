package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type sessionRecord struct {
	bun.BaseModel `bun:"table:shopify_sessions,alias:ss"`

	ID               string     `bun:"id,pk"`
	Shop             string     `bun:"shop,notnull"`
	State            string     `bun:"state,notnull"`
	IsOnline         bool       `bun:"is_online,notnull"`
	Scope            string     `bun:"scope,notnull"`
	Expires          *time.Time `bun:"expires,nullzero"`
	AccessToken      string     `bun:"access_token,notnull"`
	OnlineAccessInfo []byte     `bun:"online_access_info"`
	UserID           *int64     `bun:"user_id"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:shopify_webhook_deliveries,alias:swd"`

	ID          string     `bun:"id,pk"`
	WebhookID   string     `bun:"webhook_id,notnull"`
	Shop        string     `bun:"shop,notnull"`
	Topic       string     `bun:"topic,notnull"`
	Status      string     `bun:"status,notnull"`
	Attempts    int        `bun:"attempts,notnull"`
	LeaseUntil  *time.Time `bun:"lease_until,nullzero"`
	LastError   string     `bun:"last_error"`
	CompletedAt *time.Time `bun:"completed_at,nullzero"`
	CreatedAt   time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
