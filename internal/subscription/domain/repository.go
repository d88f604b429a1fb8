package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByProviderPaymentID(ctx context.Context, db *gorm.DB, providerPaymentID string) (*Subscription, error)
	FindActiveByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status SubscriptionStatus, expiresAt time.Time, updatedAt time.Time) error
	FindExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	CountActiveByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int64, error)
}
