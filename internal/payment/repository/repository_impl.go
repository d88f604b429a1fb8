package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, resource_id, topic, verified, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		event.ID,
		event.Provider,
		event.ResourceID,
		event.Topic,
		event.Verified,
		event.Payload,
		event.ReceivedAt,
	).Error
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events SET processed_at = ? WHERE id = ?`,
		processedAt,
		id,
	).Error
}

// FindPaymentForUpdate serializes concurrent deliveries of the same
// provider payment. sqlite has no row locks; its single writer gives
// the same guarantee, so the clause is skipped there.
func (r *repo) FindPaymentForUpdate(ctx context.Context, db *gorm.DB, providerPaymentID string) (*domain.Payment, error) {
	query := `SELECT id, user_id, provider, provider_payment_id, plan_id, billing_cycle,
			amount_cents, currency, status, created_at, updated_at
		 FROM payments
		 WHERE provider_payment_id = ?
		 LIMIT 1`
	if db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var item domain.Payment
	err := db.WithContext(ctx).Raw(query, providerPaymentID).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, user_id, provider, provider_payment_id, plan_id, billing_cycle,
			amount_cents, currency, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.UserID,
		payment.Provider,
		payment.ProviderPaymentID,
		payment.PlanID,
		payment.BillingCycle,
		payment.AmountCents,
		payment.Currency,
		payment.Status,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.PaymentStatus, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		updatedAt,
		id,
	).Error
}
