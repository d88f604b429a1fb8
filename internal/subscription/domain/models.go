// Package domain contains persistence models for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	userdomain "github.com/lunachat/luna/internal/user/domain"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
)

// Subscription captures paid access granted by one approved payment.
// At most one ACTIVE row may exist per user.
type Subscription struct {
	ID                snowflake.ID        `gorm:"primaryKey"`
	UserID            snowflake.ID        `gorm:"not null;index"`
	PlanType          userdomain.PlanType `gorm:"type:text;not null"`
	Status            SubscriptionStatus  `gorm:"type:text;not null"`
	StartedAt         time.Time           `gorm:"not null"`
	ExpiresAt         time.Time           `gorm:"not null;index"`
	ProviderPaymentID string              `gorm:"type:text;not null;index"`
	CreatedAt         time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
