package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Provider is a payment provider adapter. Verification and parsing
// operate on the raw request body; reconciliation always goes through
// FetchPayment so that the provider API, not the webhook body, is the
// source of truth.
type Provider interface {
	Name() string
	VerifySignature(ctx context.Context, payload []byte, headers map[string]string) error
	ParseNotification(ctx context.Context, payload []byte) (*Notification, error)
	FetchPayment(ctx context.Context, resourceID string) (*CanonicalEvent, error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// Engine applies a canonical event to local state. Apply is idempotent
// and safe to call with duplicate or out-of-order events.
type Engine interface {
	Apply(ctx context.Context, event *CanonicalEvent) error
}

// WebhookService ingests a raw webhook request end to end.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers map[string]string) error
}

// Repository persists payments and the webhook audit trail.
type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) error
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	// FindPaymentForUpdate locks the payment row for the duration of
	// the surrounding transaction on dialects that support it.
	FindPaymentForUpdate(ctx context.Context, db *gorm.DB, providerPaymentID string) (*Payment, error)
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status PaymentStatus, updatedAt time.Time) error
}
