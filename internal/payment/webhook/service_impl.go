package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/clock"
	"github.com/lunachat/luna/internal/config"
	obsmetrics "github.com/lunachat/luna/internal/observability/metrics"
	paymentdomain "github.com/lunachat/luna/internal/payment/domain"
	"github.com/lunachat/luna/internal/payment/providers"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Registry   *providers.Registry
	Engine     paymentdomain.Engine
	Repo       paymentdomain.Repository
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	registry   *providers.Registry
	engine     paymentdomain.Engine
	repo       paymentdomain.Repository
	clock      clock.Clock
	cfg        config.Config
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		registry:   p.Registry,
		engine:     p.Engine,
		repo:       p.Repo,
		clock:      p.Clock,
		cfg:        p.Cfg,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook runs the full pipeline for one delivery: signature
// check, payload normalization, audit row, authoritative refetch, then
// reconciliation. The webhook body itself never drives state.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers map[string]string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))

	adapter, err := s.registry.Lookup(provider)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		s.recordOutcome(ctx, provider, "invalid_payload")
		return paymentdomain.ErrInvalidPayload
	}

	verified := true
	if err := adapter.VerifySignature(ctx, payload, headers); err != nil {
		if errors.Is(err, paymentdomain.ErrMissingSecret) && !s.cfg.IsProduction() {
			// Local and staging environments may run without a secret
			// configured. The delivery still goes through, flagged, so
			// the rest of the pipeline stays exercised.
			s.log.Warn("webhook secret not configured, accepting unverified delivery",
				zap.String("provider", provider),
			)
			verified = false
		} else {
			s.recordOutcome(ctx, provider, "invalid_signature")
			return err
		}
	}

	notif, err := adapter.ParseNotification(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrUnknownTopic) {
			s.log.Info("ignoring webhook with unhandled topic",
				zap.String("provider", provider),
				zap.Error(err),
			)
			s.recordOutcome(ctx, provider, "ignored")
			return nil
		}
		s.recordOutcome(ctx, provider, "malformed")
		return err
	}

	record := &paymentdomain.EventRecord{
		ID:         s.genID.Generate(),
		Provider:   provider,
		ResourceID: notif.ResourceID,
		Topic:      notif.Topic,
		Verified:   verified,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: s.clock.Now(),
	}
	if err := s.repo.InsertEvent(ctx, s.db, record); err != nil {
		return err
	}

	event, err := adapter.FetchPayment(ctx, notif.ResourceID)
	if err != nil {
		s.log.Warn("failed to refetch payment from provider",
			zap.String("provider", provider),
			zap.String("resource_id", notif.ResourceID),
			zap.Error(err),
		)
		s.recordOutcome(ctx, provider, "fetch_failed")
		return err
	}

	if err := s.engine.Apply(ctx, event); err != nil {
		s.recordOutcome(ctx, provider, "reconcile_failed")
		return err
	}

	if err := s.markProcessed(ctx, record.ID); err != nil {
		return err
	}
	s.recordOutcome(ctx, provider, "processed")
	return nil
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID) error {
	return s.repo.MarkEventProcessed(ctx, s.db, id, s.clock.Now())
}

func (s *Service) recordOutcome(ctx context.Context, provider, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookReceived(ctx, provider, outcome)
	}
}
