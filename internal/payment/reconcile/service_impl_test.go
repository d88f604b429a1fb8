package reconcile_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	sqlite "github.com/glebarez/sqlite"
	"github.com/lunachat/luna/internal/clock"
	paymentdomain "github.com/lunachat/luna/internal/payment/domain"
	"github.com/lunachat/luna/internal/payment/reconcile"
	paymentrepo "github.com/lunachat/luna/internal/payment/repository"
	"github.com/lunachat/luna/internal/plan"
	subscriptiondomain "github.com/lunachat/luna/internal/subscription/domain"
	subscriptionrepo "github.com/lunachat/luna/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE users (
			id BIGINT PRIMARY KEY,
			email TEXT NOT NULL,
			plan_type TEXT NOT NULL DEFAULT 'FREE',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE payments (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			provider_payment_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			billing_cycle TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_payments_provider_payment_id ON payments(provider_payment_id)`,
		`CREATE TABLE subscriptions (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			plan_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			provider_payment_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE payment_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			verified BOOLEAN NOT NULL,
			payload TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB, fake *clock.FakeClock) (*reconcile.Engine, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(20)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	engine := reconcile.NewEngine(reconcile.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    paymentrepo.Provide(),
		SubRepo: subscriptionrepo.Provide(),
		Catalog: plan.NewStaticCatalog(plan.DefaultPlans()),
		Clock:   fake,
	})
	return engine, node
}

func seedUser(t *testing.T, db *gorm.DB, id snowflake.ID, now time.Time) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO users (id, email, plan_type, created_at, updated_at) VALUES (?, ?, 'FREE', ?, ?)`,
		id, fmt.Sprintf("%s@example.com", id), now, now,
	).Error
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func approvedEvent(userID snowflake.ID, paymentID string) *paymentdomain.CanonicalEvent {
	return &paymentdomain.CanonicalEvent{
		Provider:     "mercadopago",
		PaymentID:    paymentID,
		UserID:       userID,
		PlanID:       "pro",
		Status:       paymentdomain.StatusApproved,
		AmountCents:  4700,
		Currency:     "BRL",
		BillingCycle: plan.CycleMonthly,
		OccurredAt:   time.Now().UTC(),
	}
}

func loadPayment(t *testing.T, db *gorm.DB, providerPaymentID string) *paymentdomain.Payment {
	t.Helper()
	var item paymentdomain.Payment
	if err := db.Raw(`SELECT * FROM payments WHERE provider_payment_id = ?`, providerPaymentID).Scan(&item).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if item.ID == 0 {
		return nil
	}
	return &item
}

func loadUserPlan(t *testing.T, db *gorm.DB, userID snowflake.ID) string {
	t.Helper()
	var planType string
	if err := db.Raw(`SELECT plan_type FROM users WHERE id = ?`, userID).Scan(&planType).Error; err != nil {
		t.Fatalf("load user plan: %v", err)
	}
	return planType
}

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM ` + table).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func TestApplyApprovedActivatesSubscription(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	if err := engine.Apply(ctx, approvedEvent(userID, "mp_100")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	payment := loadPayment(t, db, "mp_100")
	if payment == nil || payment.Status != paymentdomain.PaymentCompleted {
		t.Fatalf("expected COMPLETED payment, got %+v", payment)
	}

	var sub subscriptiondomain.Subscription
	if err := db.Raw(`SELECT * FROM subscriptions WHERE user_id = ?`, userID).Scan(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected ACTIVE subscription, got %s", sub.Status)
	}
	wantExpiry := fake.Now().AddDate(0, 1, 0)
	if !sub.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, sub.ExpiresAt)
	}
	if got := loadUserPlan(t, db, userID); got != "PRO" {
		t.Fatalf("expected user plan PRO, got %s", got)
	}
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	for i := 0; i < 3; i++ {
		if err := engine.Apply(ctx, approvedEvent(userID, "mp_101")); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	if got := countRows(t, db, "payments"); got != 1 {
		t.Fatalf("expected 1 payment, got %d", got)
	}
	if got := countRows(t, db, "subscriptions"); got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}
}

func TestApplyPendingThenApproved(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	pending := approvedEvent(userID, "mp_102")
	pending.Status = paymentdomain.StatusPending
	if err := engine.Apply(ctx, pending); err != nil {
		t.Fatalf("apply pending: %v", err)
	}
	if payment := loadPayment(t, db, "mp_102"); payment.Status != paymentdomain.PaymentPending {
		t.Fatalf("expected PENDING payment, got %s", payment.Status)
	}
	if got := countRows(t, db, "subscriptions"); got != 0 {
		t.Fatalf("pending must not activate, found %d subscriptions", got)
	}

	fake.Advance(time.Hour)
	if err := engine.Apply(ctx, approvedEvent(userID, "mp_102")); err != nil {
		t.Fatalf("apply approved: %v", err)
	}
	if payment := loadPayment(t, db, "mp_102"); payment.Status != paymentdomain.PaymentCompleted {
		t.Fatalf("expected COMPLETED payment, got %s", payment.Status)
	}
	if got := countRows(t, db, "subscriptions"); got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}
}

func TestApplyLateApprovalAfterRejection(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	pending := approvedEvent(userID, "mp_103")
	pending.Status = paymentdomain.StatusPending
	if err := engine.Apply(ctx, pending); err != nil {
		t.Fatalf("apply pending: %v", err)
	}

	rejected := approvedEvent(userID, "mp_103")
	rejected.Status = paymentdomain.StatusRejected
	if err := engine.Apply(ctx, rejected); err != nil {
		t.Fatalf("apply rejected: %v", err)
	}
	if payment := loadPayment(t, db, "mp_103"); payment.Status != paymentdomain.PaymentFailed {
		t.Fatalf("expected FAILED payment, got %s", payment.Status)
	}

	// The provider later reverses the decision, e.g. a boleto cleared
	// after the initial rejection.
	fake.Advance(24 * time.Hour)
	if err := engine.Apply(ctx, approvedEvent(userID, "mp_103")); err != nil {
		t.Fatalf("apply late approval: %v", err)
	}
	if payment := loadPayment(t, db, "mp_103"); payment.Status != paymentdomain.PaymentCompleted {
		t.Fatalf("expected COMPLETED payment, got %s", payment.Status)
	}
	if got := countRows(t, db, "subscriptions"); got != 1 {
		t.Fatalf("expected 1 subscription after late approval, got %d", got)
	}
}

func TestApplyCompletedIsTerminal(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	if err := engine.Apply(ctx, approvedEvent(userID, "mp_104")); err != nil {
		t.Fatalf("apply approved: %v", err)
	}

	for _, status := range []paymentdomain.EventStatus{
		paymentdomain.StatusPending,
		paymentdomain.StatusRejected,
		paymentdomain.StatusCancelled,
	} {
		event := approvedEvent(userID, "mp_104")
		event.Status = status
		if err := engine.Apply(ctx, event); err != nil {
			t.Fatalf("apply %s: %v", status, err)
		}
	}

	if payment := loadPayment(t, db, "mp_104"); payment.Status != paymentdomain.PaymentCompleted {
		t.Fatalf("COMPLETED must be terminal, got %s", payment.Status)
	}
	var sub subscriptiondomain.Subscription
	if err := db.Raw(`SELECT * FROM subscriptions WHERE user_id = ?`, userID).Scan(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("subscription must remain ACTIVE, got %s", sub.Status)
	}
}

func TestApplyRejectedRenewalKeepsActiveSubscription(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	if err := engine.Apply(ctx, approvedEvent(userID, "mp_105")); err != nil {
		t.Fatalf("apply first approval: %v", err)
	}

	fake.Advance(20 * 24 * time.Hour)
	renewal := approvedEvent(userID, "mp_106")
	renewal.Status = paymentdomain.StatusRejected
	if err := engine.Apply(ctx, renewal); err != nil {
		t.Fatalf("apply rejected renewal: %v", err)
	}

	if payment := loadPayment(t, db, "mp_106"); payment.Status != paymentdomain.PaymentFailed {
		t.Fatalf("expected FAILED renewal payment, got %s", payment.Status)
	}

	var sub subscriptiondomain.Subscription
	if err := db.Raw(`SELECT * FROM subscriptions WHERE provider_payment_id = 'mp_105'`).Scan(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("rejected renewal must not retract subscription, got %s", sub.Status)
	}
	if got := loadUserPlan(t, db, userID); got != "PRO" {
		t.Fatalf("user plan must stay PRO, got %s", got)
	}
}

func TestApplyNewApprovalReplacesActiveSubscription(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	if err := engine.Apply(ctx, approvedEvent(userID, "mp_107")); err != nil {
		t.Fatalf("apply first approval: %v", err)
	}

	fake.Advance(time.Hour)
	upgrade := approvedEvent(userID, "mp_108")
	upgrade.PlanID = "enterprise"
	upgrade.AmountCents = 197000
	upgrade.BillingCycle = plan.CycleYearly
	if err := engine.Apply(ctx, upgrade); err != nil {
		t.Fatalf("apply upgrade: %v", err)
	}

	var statuses []string
	if err := db.Raw(`SELECT status FROM subscriptions WHERE user_id = ? ORDER BY started_at`, userID).Scan(&statuses).Error; err != nil {
		t.Fatalf("load statuses: %v", err)
	}
	if len(statuses) != 2 || statuses[0] != "CANCELLED" || statuses[1] != "ACTIVE" {
		t.Fatalf("expected [CANCELLED ACTIVE], got %v", statuses)
	}
	if got := loadUserPlan(t, db, userID); got != "ENTERPRISE" {
		t.Fatalf("expected user plan ENTERPRISE, got %s", got)
	}

	var expiresAt time.Time
	if err := db.Raw(`SELECT expires_at FROM subscriptions WHERE provider_payment_id = 'mp_108'`).Scan(&expiresAt).Error; err != nil {
		t.Fatalf("load expiry: %v", err)
	}
	if want := fake.Now().AddDate(1, 0, 0); !expiresAt.Equal(want) {
		t.Fatalf("yearly cycle expiry: want %v, got %v", want, expiresAt)
	}
}

func TestApplyUnknownPlanSkipsActivation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	event := approvedEvent(userID, "mp_109")
	event.PlanID = "legacy-gold"
	if err := engine.Apply(ctx, event); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if payment := loadPayment(t, db, "mp_109"); payment == nil || payment.Status != paymentdomain.PaymentCompleted {
		t.Fatalf("payment must still complete, got %+v", payment)
	}
	if got := countRows(t, db, "subscriptions"); got != 0 {
		t.Fatalf("unknown plan must not activate, found %d subscriptions", got)
	}
	if got := loadUserPlan(t, db, userID); got != "FREE" {
		t.Fatalf("user plan must stay FREE, got %s", got)
	}
}

func TestApplyUnknownStatusIsNoOp(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, node := newTestEngine(t, db, fake)

	userID := node.Generate()
	seedUser(t, db, userID, fake.Now())

	event := approvedEvent(userID, "mp_110")
	event.Status = paymentdomain.StatusUnknown
	if err := engine.Apply(ctx, event); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := countRows(t, db, "payments"); got != 0 {
		t.Fatalf("unknown status must not write, found %d payments", got)
	}
}
