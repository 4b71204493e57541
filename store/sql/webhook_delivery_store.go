package sqlstore

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/webhooks"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultDeliveryLease = 30 * time.Second

// WebhookDeliveryStore is the SQL webhooks.DeliveryLedger. One row per
// webhook id; the attempt counter doubles as the claim fence.
type WebhookDeliveryStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewWebhookDeliveryStore(db *bun.DB) (*WebhookDeliveryStore, error) {
	if db == nil {
		return nil, storeError("sqlstore: bun db is required", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	return &WebhookDeliveryStore{db: db}, nil
}

func (s *WebhookDeliveryStore) Claim(
	ctx context.Context,
	webhookID string,
	shop string,
	topic string,
	lease time.Duration,
) (webhooks.DeliveryRecord, bool, error) {
	if s == nil || s.db == nil {
		return webhooks.DeliveryRecord{}, false, notConfiguredError("webhook delivery")
	}
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return webhooks.DeliveryRecord{}, false, storeError("sqlstore: webhook id is required",
			goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	if lease <= 0 {
		lease = defaultDeliveryLease
	}

	now := s.now()
	leaseUntil := now.Add(lease)
	var (
		out     *webhookDeliveryRecord
		claimed bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findDeliveryTx(ctx, tx, webhookID)
		if err != nil {
			return err
		}
		if record == nil {
			record = &webhookDeliveryRecord{
				ID:         uuid.NewString(),
				WebhookID:  webhookID,
				Shop:       strings.TrimSpace(shop),
				Topic:      webhooks.NormalizeTopic(topic),
				Status:     webhooks.DeliveryStatusProcessing,
				Attempts:   1,
				LeaseUntil: &leaseUntil,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
				return err
			}
			out, claimed = record, true
			return nil
		}

		out = record
		switch record.Status {
		case webhooks.DeliveryStatusProcessed:
			return nil
		case webhooks.DeliveryStatusProcessing:
			if record.LeaseUntil != nil && now.Before(*record.LeaseUntil) {
				return nil
			}
		}

		previous := record.Attempts
		result, err := tx.NewUpdate().
			Model((*webhookDeliveryRecord)(nil)).
			Set("status = ?", webhooks.DeliveryStatusProcessing).
			Set("attempts = ?", previous+1).
			Set("lease_until = ?", leaseUntil).
			Set("updated_at = ?", now).
			Where("webhook_id = ?", webhookID).
			Where("attempts = ?", previous).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return nil
		}
		record.Status = webhooks.DeliveryStatusProcessing
		record.Attempts = previous + 1
		record.LeaseUntil = &leaseUntil
		record.UpdatedAt = now
		claimed = true
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.Get(ctx, webhookID)
			if getErr != nil {
				return webhooks.DeliveryRecord{}, false, getErr
			}
			return existing, false, nil
		}
		return webhooks.DeliveryRecord{}, false, storeWrapError(err, "sqlstore: claim webhook delivery",
			map[string]any{"webhook_id": webhookID})
	}
	return out.toDomain(), claimed, nil
}

func (s *WebhookDeliveryStore) Get(ctx context.Context, webhookID string) (webhooks.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return webhooks.DeliveryRecord{}, notConfiguredError("webhook delivery")
	}
	webhookID = strings.TrimSpace(webhookID)
	record := &webhookDeliveryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.webhook_id = ?", webhookID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return webhooks.DeliveryRecord{}, notFoundError("sqlstore: webhook delivery not found",
				map[string]any{"webhook_id": webhookID})
		}
		return webhooks.DeliveryRecord{}, storeWrapError(err, "sqlstore: load webhook delivery",
			map[string]any{"webhook_id": webhookID})
	}
	return record.toDomain(), nil
}

func (s *WebhookDeliveryStore) Complete(ctx context.Context, claimID string) error {
	now := s.now()
	return s.settle(ctx, claimID, func(query *bun.UpdateQuery) *bun.UpdateQuery {
		return query.
			Set("status = ?", webhooks.DeliveryStatusProcessed).
			Set("completed_at = ?", now).
			Set("last_error = ?", "").
			Set("updated_at = ?", now)
	})
}

func (s *WebhookDeliveryStore) Release(ctx context.Context, claimID string, cause error) error {
	now := s.now()
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	return s.settle(ctx, claimID, func(query *bun.UpdateQuery) *bun.UpdateQuery {
		query = query.
			Set("status = ?", webhooks.DeliveryStatusRetryReady).
			Set("updated_at = ?", now)
		if lastError != "" {
			query = query.Set("last_error = ?", lastError)
		}
		return query
	})
}

// settle only touches the row while the claim still owns it. A stale claim
// updates nothing and is not an error.
func (s *WebhookDeliveryStore) settle(
	ctx context.Context,
	claimID string,
	apply func(*bun.UpdateQuery) *bun.UpdateQuery,
) error {
	if s == nil || s.db == nil {
		return notConfiguredError("webhook delivery")
	}
	webhookID, attempt, err := webhooks.ParseClaimID(claimID)
	if err != nil {
		return storeError(err.Error(), goerrors.CategoryBadInput, http.StatusBadRequest, map[string]any{"claim_id": claimID})
	}
	if _, err := s.Get(ctx, webhookID); err != nil {
		return err
	}
	query := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("lease_until = NULL")
	_, err = apply(query).
		Where("webhook_id = ?", webhookID).
		Where("status = ?", webhooks.DeliveryStatusProcessing).
		Where("attempts = ?", attempt).
		Exec(ctx)
	if err != nil {
		return storeWrapError(err, "sqlstore: settle webhook delivery", map[string]any{"claim_id": claimID})
	}
	return nil
}

func (s *WebhookDeliveryStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func findDeliveryTx(ctx context.Context, tx bun.Tx, webhookID string) (*webhookDeliveryRecord, error) {
	record := &webhookDeliveryRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.webhook_id = ?", webhookID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (r *webhookDeliveryRecord) toDomain() webhooks.DeliveryRecord {
	if r == nil {
		return webhooks.DeliveryRecord{}
	}
	out := webhooks.DeliveryRecord{
		ID:        r.ID,
		WebhookID: r.WebhookID,
		Shop:      r.Shop,
		Topic:     r.Topic,
		Status:    r.Status,
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Attempts > 0 {
		out.ClaimID = r.WebhookID + ":" + strconv.Itoa(r.Attempts)
	}
	if r.LeaseUntil != nil {
		value := r.LeaseUntil.UTC()
		out.LeaseUntil = &value
	}
	if r.CompletedAt != nil {
		value := r.CompletedAt.UTC()
		out.CompletedAt = &value
	}
	return out
}
