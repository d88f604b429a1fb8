// Package reconcile applies authoritative provider payment state to
// local payments, subscriptions, and the user's plan mirror.
package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/clock"
	obsmetrics "github.com/lunachat/luna/internal/observability/metrics"
	paymentdomain "github.com/lunachat/luna/internal/payment/domain"
	"github.com/lunachat/luna/internal/plan"
	subscriptiondomain "github.com/lunachat/luna/internal/subscription/domain"
	userdomain "github.com/lunachat/luna/internal/user/domain"
	"github.com/lunachat/luna/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	SubRepo    subscriptiondomain.Repository
	Catalog    *plan.Catalog
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	subRepo    subscriptiondomain.Repository
	catalog    *plan.Catalog
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("payment.reconcile"),
		genID:      p.GenID,
		repo:       p.Repo,
		subRepo:    p.SubRepo,
		catalog:    p.Catalog,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

var _ paymentdomain.Engine = (*Engine)(nil)

// Apply reconciles one canonical event against local state. Replays
// and out-of-order deliveries converge on the same terminal state: the
// transition table below is a no-op for anything it does not name, and
// COMPLETED is terminal.
//
//	NONE    + approved            -> COMPLETED, subscription activated
//	NONE    + pending             -> PENDING
//	NONE    + rejected/cancelled  -> FAILED
//	PENDING + approved            -> COMPLETED, subscription activated
//	PENDING + rejected/cancelled  -> FAILED
//	FAILED  + approved            -> COMPLETED, subscription activated
//
// A rejected renewal never retracts an existing ACTIVE subscription.
func (e *Engine) Apply(ctx context.Context, event *paymentdomain.CanonicalEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}

	err := e.applyOnce(ctx, event)
	if db.IsDuplicateKeyErr(err) {
		// A concurrent delivery inserted the payment row first. The
		// retry observes it and lands on the idempotent path.
		e.log.Debug("payment insert raced, retrying",
			zap.String("provider_payment_id", event.PaymentID),
		)
		err = e.applyOnce(ctx, event)
	}
	return err
}

func validateEvent(event *paymentdomain.CanonicalEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.PaymentID = strings.TrimSpace(event.PaymentID)
	if event.Provider == "" || event.PaymentID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	if event.UserID == 0 {
		return paymentdomain.ErrInvalidEvent
	}
	event.Currency = strings.ToUpper(strings.TrimSpace(event.Currency))
	return nil
}

func (e *Engine) applyOnce(ctx context.Context, event *paymentdomain.CanonicalEvent) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := e.repo.FindPaymentForUpdate(ctx, tx, event.PaymentID)
		if err != nil {
			return err
		}
		if existing == nil {
			return e.applyInitial(ctx, tx, event)
		}
		return e.applyTransition(ctx, tx, existing, event)
	})
}

func (e *Engine) applyInitial(ctx context.Context, tx *gorm.DB, event *paymentdomain.CanonicalEvent) error {
	var status paymentdomain.PaymentStatus
	switch event.Status {
	case paymentdomain.StatusApproved:
		status = paymentdomain.PaymentCompleted
	case paymentdomain.StatusPending:
		status = paymentdomain.PaymentPending
	case paymentdomain.StatusRejected, paymentdomain.StatusCancelled:
		status = paymentdomain.PaymentFailed
	default:
		e.log.Warn("ignoring payment with unknown status",
			zap.String("provider", event.Provider),
			zap.String("provider_payment_id", event.PaymentID),
		)
		return nil
	}

	now := e.clock.Now()
	payment := &paymentdomain.Payment{
		ID:                e.genID.Generate(),
		UserID:            event.UserID,
		Provider:          event.Provider,
		ProviderPaymentID: event.PaymentID,
		PlanID:            event.PlanID,
		BillingCycle:      string(event.BillingCycle),
		AmountCents:       event.AmountCents,
		Currency:          event.Currency,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.repo.InsertPayment(ctx, tx, payment); err != nil {
		return err
	}
	e.recordTransition(ctx, event.Provider, "NONE", status)

	if status == paymentdomain.PaymentCompleted {
		return e.activateSubscription(ctx, tx, event)
	}
	return nil
}

func (e *Engine) applyTransition(ctx context.Context, tx *gorm.DB, existing *paymentdomain.Payment, event *paymentdomain.CanonicalEvent) error {
	if existing.Status == paymentdomain.PaymentCompleted {
		// Terminal. Later rejections or replays change nothing, and the
		// subscription the approval granted stays in place.
		return nil
	}

	switch event.Status {
	case paymentdomain.StatusApproved:
		if err := e.repo.UpdatePaymentStatus(ctx, tx, existing.ID, paymentdomain.PaymentCompleted, e.clock.Now()); err != nil {
			return err
		}
		e.recordTransition(ctx, event.Provider, string(existing.Status), paymentdomain.PaymentCompleted)
		return e.activateSubscription(ctx, tx, event)

	case paymentdomain.StatusRejected, paymentdomain.StatusCancelled:
		if existing.Status == paymentdomain.PaymentFailed {
			return nil
		}
		if err := e.repo.UpdatePaymentStatus(ctx, tx, existing.ID, paymentdomain.PaymentFailed, e.clock.Now()); err != nil {
			return err
		}
		e.recordTransition(ctx, event.Provider, string(existing.Status), paymentdomain.PaymentFailed)
		return nil

	case paymentdomain.StatusPending:
		return nil

	default:
		e.log.Warn("ignoring payment with unknown status",
			zap.String("provider", event.Provider),
			zap.String("provider_payment_id", event.PaymentID),
		)
		return nil
	}
}

// activateSubscription grants the paid plan: it cancels any other
// ACTIVE subscription the user holds, inserts the new one, and mirrors
// the tier onto users.plan_type.
func (e *Engine) activateSubscription(ctx context.Context, tx *gorm.DB, event *paymentdomain.CanonicalEvent) error {
	existing, err := e.subRepo.FindByProviderPaymentID(ctx, tx, event.PaymentID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	planType, ok := userdomain.ParsePlanType(event.PlanID)
	if !ok {
		e.log.Warn("approved payment references unknown plan, skipping activation",
			zap.String("provider_payment_id", event.PaymentID),
			zap.String("plan_id", event.PlanID),
		)
		return nil
	}

	if catalogPlan, found := e.catalog.Lookup(event.PlanID); found {
		if expected := catalogPlan.PriceFor(event.BillingCycle); expected > 0 && expected != event.AmountCents {
			e.log.Warn("approved amount differs from catalog price",
				zap.String("provider_payment_id", event.PaymentID),
				zap.String("plan_id", event.PlanID),
				zap.Int64("amount_cents", event.AmountCents),
				zap.Int64("catalog_cents", expected),
			)
		}
	}

	now := e.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE user_id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusCancelled,
		now,
		event.UserID,
		subscriptiondomain.SubscriptionStatusActive,
	).Error; err != nil {
		return err
	}

	sub := &subscriptiondomain.Subscription{
		ID:                e.genID.Generate(),
		UserID:            event.UserID,
		PlanType:          planType,
		Status:            subscriptiondomain.SubscriptionStatusActive,
		StartedAt:         now,
		ExpiresAt:         expiry(now, event.BillingCycle),
		ProviderPaymentID: event.PaymentID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.subRepo.Insert(ctx, tx, sub); err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`UPDATE users SET plan_type = ?, updated_at = ? WHERE id = ?`,
		planType,
		now,
		event.UserID,
	).Error
}

func expiry(start time.Time, cycle plan.BillingCycle) time.Time {
	if cycle == plan.CycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

func (e *Engine) recordTransition(ctx context.Context, provider, from string, to paymentdomain.PaymentStatus) {
	if e.obsMetrics != nil {
		e.obsMetrics.RecordPaymentTransition(ctx, provider, from, string(to))
	}
}
