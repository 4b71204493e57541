package webhooks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DeliveryStatusProcessing = "processing"
	DeliveryStatusProcessed  = "processed"
	DeliveryStatusRetryReady = "retry_ready"
)

const defaultClaimLease = 30 * time.Second

// DeliveryRecord tracks one webhook id across platform retries.
type DeliveryRecord struct {
	ID          string
	ClaimID     string
	WebhookID   string
	Shop        string
	Topic       string
	Status      string
	Attempts    int
	LeaseUntil  *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// DeliveryLedger de-duplicates deliveries by webhook id. Claim returns
// claimed=false for a delivery that is already processed or whose lease is
// still held by another dispatch.
type DeliveryLedger interface {
	Claim(ctx context.Context, webhookID string, shop string, topic string, lease time.Duration) (DeliveryRecord, bool, error)
	Get(ctx context.Context, webhookID string) (DeliveryRecord, error)
	Complete(ctx context.Context, claimID string) error
	Release(ctx context.Context, claimID string, cause error) error
}

// MemoryLedger is a process-local DeliveryLedger.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]DeliveryRecord
	Now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: map[string]DeliveryRecord{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (l *MemoryLedger) Claim(
	_ context.Context,
	webhookID string,
	shop string,
	topic string,
	lease time.Duration,
) (DeliveryRecord, bool, error) {
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return DeliveryRecord{}, false, fmt.Errorf("webhooks: webhook id is required")
	}
	if lease <= 0 {
		lease = defaultClaimLease
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	record, ok := l.records[webhookID]
	if !ok {
		record = DeliveryRecord{
			ID:        webhookID,
			WebhookID: webhookID,
			Shop:      strings.TrimSpace(shop),
			Topic:     NormalizeTopic(topic),
			CreatedAt: now,
		}
	}
	switch record.Status {
	case DeliveryStatusProcessed:
		return record, false, nil
	case DeliveryStatusProcessing:
		if record.LeaseUntil != nil && now.Before(*record.LeaseUntil) {
			return record, false, nil
		}
	}

	record.Status = DeliveryStatusProcessing
	record.Attempts++
	record.ClaimID = webhookID + ":" + strconv.Itoa(record.Attempts)
	leaseUntil := now.Add(lease)
	record.LeaseUntil = &leaseUntil
	record.UpdatedAt = now
	l.records[webhookID] = record
	return record, true, nil
}

func (l *MemoryLedger) Get(_ context.Context, webhookID string) (DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[strings.TrimSpace(webhookID)]
	if !ok {
		return DeliveryRecord{}, fmt.Errorf("webhooks: delivery %q not found", webhookID)
	}
	return record, nil
}

func (l *MemoryLedger) Complete(_ context.Context, claimID string) error {
	return l.settle(claimID, func(record *DeliveryRecord, now time.Time) {
		record.Status = DeliveryStatusProcessed
		record.CompletedAt = &now
		record.LastError = ""
	})
}

func (l *MemoryLedger) Release(_ context.Context, claimID string, cause error) error {
	return l.settle(claimID, func(record *DeliveryRecord, _ time.Time) {
		record.Status = DeliveryStatusRetryReady
		if cause != nil {
			record.LastError = cause.Error()
		}
	})
}

// settle ignores stale claims: a lease that expired and was re-claimed no
// longer owns the record.
func (l *MemoryLedger) settle(claimID string, apply func(*DeliveryRecord, time.Time)) error {
	webhookID, attempt, err := ParseClaimID(claimID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[webhookID]
	if !ok {
		return fmt.Errorf("webhooks: delivery %q not found", webhookID)
	}
	if record.Status != DeliveryStatusProcessing || record.Attempts != attempt {
		return nil
	}
	now := l.now()
	apply(&record, now)
	record.LeaseUntil = nil
	record.UpdatedAt = now
	l.records[webhookID] = record
	return nil
}

func (l *MemoryLedger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// ParseClaimID splits "<webhook id>:<attempt>".
func ParseClaimID(claimID string) (string, int, error) {
	claimID = strings.TrimSpace(claimID)
	index := strings.LastIndex(claimID, ":")
	if index <= 0 || index == len(claimID)-1 {
		return "", 0, fmt.Errorf("webhooks: invalid claim id %q", claimID)
	}
	attempt, err := strconv.Atoi(claimID[index+1:])
	if err != nil || attempt <= 0 {
		return "", 0, fmt.Errorf("webhooks: invalid claim id %q", claimID)
	}
	return claimID[:index], attempt, nil
}

var _ DeliveryLedger = (*MemoryLedger)(nil)
