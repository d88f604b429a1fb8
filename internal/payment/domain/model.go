package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/plan"
	"gorm.io/datatypes"
)

// PaymentStatus is the internal lifecycle state of a payment row.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Payment is the local record of a provider-side payment. The
// provider_payment_id column carries a unique index; it is the
// idempotency backbone for the reconciliation engine.
type Payment struct {
	ID                snowflake.ID  `gorm:"column:id;primaryKey" json:"id"`
	UserID            snowflake.ID  `gorm:"column:user_id" json:"user_id"`
	Provider          string        `gorm:"column:provider" json:"provider"`
	ProviderPaymentID string        `gorm:"column:provider_payment_id" json:"provider_payment_id"`
	PlanID            string        `gorm:"column:plan_id" json:"plan_id"`
	BillingCycle      string        `gorm:"column:billing_cycle" json:"billing_cycle"`
	AmountCents       int64         `gorm:"column:amount_cents" json:"amount_cents"`
	Currency          string        `gorm:"column:currency" json:"currency"`
	Status            PaymentStatus `gorm:"column:status" json:"status"`
	CreatedAt         time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// EventRecord is the audit row written for every inbound notification,
// verified or not. Processing state is tracked on processed_at.
type EventRecord struct {
	ID          snowflake.ID   `gorm:"column:id;primaryKey" json:"id"`
	Provider    string         `gorm:"column:provider" json:"provider"`
	ResourceID  string         `gorm:"column:resource_id" json:"resource_id"`
	Topic       string         `gorm:"column:topic" json:"topic"`
	Verified    bool           `gorm:"column:verified" json:"verified"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload"`
	ReceivedAt  time.Time      `gorm:"column:received_at" json:"received_at"`
	ProcessedAt *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "payment_events" }

// Notification is the normalized result of parsing a webhook body.
// ResourceID identifies the provider-side object to refetch; the raw
// body never drives reconciliation directly.
type Notification struct {
	Provider   string
	ResourceID string
	Topic      string
	ReceivedAt time.Time
}

// EventStatus is the provider-agnostic status of a refetched payment.
type EventStatus string

const (
	StatusApproved  EventStatus = "approved"
	StatusPending   EventStatus = "pending"
	StatusRejected  EventStatus = "rejected"
	StatusCancelled EventStatus = "cancelled"
	StatusUnknown   EventStatus = "unknown"
)

// CanonicalEvent is the authoritative view of a payment fetched back
// from the provider API. The reconciliation engine consumes only this.
type CanonicalEvent struct {
	Provider     string
	PaymentID    string
	UserID       snowflake.ID
	PlanID       string
	Status       EventStatus
	AmountCents  int64
	Currency     string
	BillingCycle plan.BillingCycle
	OccurredAt   time.Time
}

// CheckoutRequest describes a checkout the platform wants the provider
// to host.
type CheckoutRequest struct {
	UserID       snowflake.ID
	PlanID       string
	BillingCycle plan.BillingCycle
	Method       string
	AmountCents  int64
	Currency     string
	Description  string
}

// CheckoutSession is the provider-hosted session the caller redirects
// the user to.
type CheckoutSession struct {
	Provider  string
	SessionID string
	URL       string
}
