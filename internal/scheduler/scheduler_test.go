package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	sqlite "github.com/glebarez/sqlite"
	"github.com/lunachat/luna/internal/clock"
	"github.com/lunachat/luna/internal/scheduler"
	subscriptiondomain "github.com/lunachat/luna/internal/subscription/domain"
	subscriptionrepo "github.com/lunachat/luna/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_sched_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newTestScheduler(t *testing.T, db *gorm.DB, fake *clock.FakeClock) (*scheduler.Scheduler, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(40)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	sched, err := scheduler.New(scheduler.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		SubRepo: subscriptionrepo.Provide(),
		Clock:   fake,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched, node
}

func seedUserWithSub(t *testing.T, db *gorm.DB, node *snowflake.Node, planType string, status subscriptiondomain.SubscriptionStatus, expiresAt time.Time) (snowflake.ID, snowflake.ID) {
	t.Helper()
	now := time.Now().UTC()
	userID := node.Generate()
	if err := db.Exec(
		`INSERT INTO users (id, email, plan_type, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		userID, fmt.Sprintf("%s@example.com", userID), planType, now, now,
	).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	subID := node.Generate()
	if err := db.Exec(
		`INSERT INTO subscriptions (id, user_id, plan_type, status, started_at, expires_at, provider_payment_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subID, userID, planType, status, expiresAt.AddDate(0, -1, 0), expiresAt, subID.String(), now, now,
	).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return userID, subID
}

func subscriptionStatus(t *testing.T, db *gorm.DB, id snowflake.ID) string {
	t.Helper()
	var status string
	if err := db.Raw(`SELECT status FROM subscriptions WHERE id = ?`, id).Scan(&status).Error; err != nil {
		t.Fatalf("load status: %v", err)
	}
	return status
}

func userPlan(t *testing.T, db *gorm.DB, id snowflake.ID) string {
	t.Helper()
	var planType string
	if err := db.Raw(`SELECT plan_type FROM users WHERE id = ?`, id).Scan(&planType).Error; err != nil {
		t.Fatalf("load plan: %v", err)
	}
	return planType
}

func TestSweepExpiresPastDueSubscriptions(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	sched, node := newTestScheduler(t, db, fake)

	expiredUser, expiredSub := seedUserWithSub(t, db, node, "PRO", subscriptiondomain.SubscriptionStatusActive, fake.Now().Add(-time.Hour))
	currentUser, currentSub := seedUserWithSub(t, db, node, "PRO", subscriptiondomain.SubscriptionStatusActive, fake.Now().Add(24*time.Hour))

	if err := sched.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := subscriptionStatus(t, db, expiredSub); got != "EXPIRED" {
		t.Fatalf("expected EXPIRED, got %s", got)
	}
	if got := userPlan(t, db, expiredUser); got != "FREE" {
		t.Fatalf("expected user downgraded to FREE, got %s", got)
	}

	if got := subscriptionStatus(t, db, currentSub); got != "ACTIVE" {
		t.Fatalf("future subscription must stay ACTIVE, got %s", got)
	}
	if got := userPlan(t, db, currentUser); got != "PRO" {
		t.Fatalf("current user must stay PRO, got %s", got)
	}
}

func TestSweepKeepsPlanWhenRenewalExists(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	sched, node := newTestScheduler(t, db, fake)

	userID, oldSub := seedUserWithSub(t, db, node, "PRO", subscriptiondomain.SubscriptionStatusActive, fake.Now().Add(-time.Hour))

	// A renewal already landed before the sweep ran.
	now := time.Now().UTC()
	renewalID := node.Generate()
	if err := db.Exec(
		`INSERT INTO subscriptions (id, user_id, plan_type, status, started_at, expires_at, provider_payment_id, created_at, updated_at)
		 VALUES (?, ?, 'PRO', 'ACTIVE', ?, ?, ?, ?, ?)`,
		renewalID, userID, fake.Now(), fake.Now().AddDate(0, 1, 0), renewalID.String(), now, now,
	).Error; err != nil {
		t.Fatalf("seed renewal: %v", err)
	}

	if err := sched.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := subscriptionStatus(t, db, oldSub); got != "EXPIRED" {
		t.Fatalf("expected old subscription EXPIRED, got %s", got)
	}
	if got := subscriptionStatus(t, db, renewalID); got != "ACTIVE" {
		t.Fatalf("renewal must stay ACTIVE, got %s", got)
	}
	if got := userPlan(t, db, userID); got != "PRO" {
		t.Fatalf("user must keep PRO while renewal is active, got %s", got)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	sched, node := newTestScheduler(t, db, fake)

	userID, subID := seedUserWithSub(t, db, node, "PRO", subscriptiondomain.SubscriptionStatusActive, fake.Now().Add(-time.Hour))

	for i := 0; i < 2; i++ {
		if err := sched.SweepExpired(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	if got := subscriptionStatus(t, db, subID); got != "EXPIRED" {
		t.Fatalf("expected EXPIRED, got %s", got)
	}
	if got := userPlan(t, db, userID); got != "FREE" {
		t.Fatalf("expected FREE, got %s", got)
	}
}
