// Package scheduler runs the subscription expiry sweep: ACTIVE
// subscriptions past their expires_at move to EXPIRED, and users with
// no remaining paid access fall back to the free tier.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/clock"
	obsmetrics "github.com/lunachat/luna/internal/observability/metrics"
	subscriptiondomain "github.com/lunachat/luna/internal/subscription/domain"
	userdomain "github.com/lunachat/luna/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler misconfigured")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	SubRepo    subscriptiondomain.Repository
	Clock      clock.Clock
	Config     Config              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	subRepo    subscriptiondomain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.SubRepo == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler"),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		subRepo:    p.SubRepo,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}, nil
}

// RunForever sweeps on the configured interval until ctx is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepExpired(ctx); err != nil {
				s.log.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepExpired runs one pass over ACTIVE subscriptions whose expires_at
// is in the past. Each subscription is handled in its own transaction
// so one bad row cannot wedge the whole sweep.
func (s *Scheduler) SweepExpired(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	now := s.clock.Now()
	expired, err := s.subRepo.FindExpired(ctx, s.db, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	var firstErr error
	for _, sub := range expired {
		if err := s.expireOne(ctx, sub, now); err != nil {
			s.log.Error("failed to expire subscription",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordSubscriptionExpired(ctx)
		}
	}

	s.log.Info("expiry sweep finished",
		zap.Int("expired", len(expired)),
		zap.Time("as_of", now),
	)
	return firstErr
}

func (s *Scheduler) expireOne(ctx context.Context, sub subscriptiondomain.Subscription, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.subRepo.UpdateStatus(ctx, tx, sub.ID, subscriptiondomain.SubscriptionStatusExpired, sub.ExpiresAt, now); err != nil {
			return err
		}

		// Another ACTIVE subscription (a renewal that already landed)
		// keeps the user on their tier.
		remaining, err := s.subRepo.CountActiveByUser(ctx, tx, sub.UserID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		return tx.WithContext(ctx).Exec(
			`UPDATE users SET plan_type = ?, updated_at = ? WHERE id = ?`,
			userdomain.PlanFree,
			now,
			sub.UserID,
		).Error
	})
}
