package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByProviderPaymentID(ctx context.Context, db *gorm.DB, providerPaymentID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, plan_type, status, started_at, expires_at,
			provider_payment_id, created_at, updated_at
		 FROM subscriptions
		 WHERE provider_payment_id = ?
		 LIMIT 1`,
		providerPaymentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindActiveByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, plan_type, status, started_at, expires_at,
			provider_payment_id, created_at, updated_at
		 FROM subscriptions
		 WHERE user_id = ? AND status = ?
		 LIMIT 1`,
		userID,
		domain.SubscriptionStatusActive,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, plan_type, status, started_at, expires_at,
			provider_payment_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.PlanType,
		sub.Status,
		sub.StartedAt,
		sub.ExpiresAt,
		sub.ProviderPaymentID,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.SubscriptionStatus, expiresAt time.Time, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		expiresAt,
		updatedAt,
		id,
	).Error
}

func (r *repo) FindExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, plan_type, status, started_at, expires_at,
			provider_payment_id, created_at, updated_at
		 FROM subscriptions
		 WHERE status = ? AND expires_at < ?
		 ORDER BY expires_at
		 LIMIT ?`,
		domain.SubscriptionStatusActive,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountActiveByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM subscriptions WHERE user_id = ? AND status = ?`,
		userID,
		domain.SubscriptionStatusActive,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
