package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/payment/domain"
	"github.com/lunachat/luna/internal/plan"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type Provider struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	stripeapi.Key = cfg.SecretKey
	return &Provider{
		cfg:    cfg,
		logger: logger.Named("payment.stripe"),
	}
}

func (p *Provider) Name() string {
	return "stripe"
}

// VerifySignature delegates to the SDK's own signature check.
func (p *Provider) VerifySignature(ctx context.Context, payload []byte, headers map[string]string) error {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return domain.ErrMissingSecret
	}
	sigHeader := headers["stripe-signature"]
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}
	if err := webhook.ValidatePayload(payload, sigHeader, p.cfg.WebhookSecret); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return nil
}

// ParseNotification extracts the checkout session id from the event
// envelope. Only checkout.session.* events carry state the platform
// reconciles; everything else surfaces as an unknown topic.
func (p *Provider) ParseNotification(ctx context.Context, payload []byte) (*domain.Notification, error) {
	var event stripeapi.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTopic, event.Type)
	}

	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil || object.ID == "" {
		return nil, domain.ErrMalformedNotification
	}

	return &domain.Notification{
		Provider:   p.Name(),
		ResourceID: object.ID,
		Topic:      string(event.Type),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// FetchPayment refetches the checkout session from the Stripe API so
// the webhook body never drives reconciliation directly.
func (p *Provider) FetchPayment(ctx context.Context, resourceID string) (*domain.CanonicalEvent, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := session.Get(resourceID, params)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) {
			if stripeErr.Code == stripeapi.ErrorCodeResourceMissing {
				return nil, domain.ErrResourceNotFound
			}
			if stripeErr.HTTPStatusCode >= 500 {
				return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return p.toCanonical(sess)
}

func (p *Provider) toCanonical(sess *stripeapi.CheckoutSession) (*domain.CanonicalEvent, error) {
	userID, err := snowflake.ParseString(sess.Metadata["user_id"])
	if err != nil {
		if sess.ClientReferenceID != "" {
			userID, err = snowflake.ParseString(sess.ClientReferenceID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: session %s carries no user id", domain.ErrInvalidEvent, sess.ID)
		}
	}

	return &domain.CanonicalEvent{
		Provider:     p.Name(),
		PaymentID:    sess.ID,
		UserID:       userID,
		PlanID:       sess.Metadata["plan_id"],
		Status:       mapSessionStatus(sess),
		AmountCents:  sess.AmountTotal,
		Currency:     strings.ToUpper(string(sess.Currency)),
		BillingCycle: plan.ParseBillingCycle(sess.Metadata["billing_cycle"]),
		OccurredAt:   time.Unix(sess.Created, 0).UTC(),
	}, nil
}

func mapSessionStatus(sess *stripeapi.CheckoutSession) domain.EventStatus {
	if sess.Status == stripeapi.CheckoutSessionStatusExpired {
		return domain.StatusCancelled
	}
	switch sess.PaymentStatus {
	case stripeapi.CheckoutSessionPaymentStatusPaid,
		stripeapi.CheckoutSessionPaymentStatusNoPaymentRequired:
		return domain.StatusApproved
	case stripeapi.CheckoutSessionPaymentStatusUnpaid:
		return domain.StatusPending
	default:
		return domain.StatusUnknown
	}
}

func (p *Provider) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		SuccessURL:        stripeapi.String(p.cfg.SuccessURL),
		CancelURL:         stripeapi.String(p.cfg.CancelURL),
		ClientReferenceID: stripeapi.String(req.UserID.String()),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{{
			PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripeapi.String(strings.ToLower(req.Currency)),
				UnitAmount: stripeapi.Int64(req.AmountCents),
				ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripeapi.String(req.Description),
				},
			},
			Quantity: stripeapi.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata("user_id", req.UserID.String())
	params.AddMetadata("plan_id", req.PlanID)
	params.AddMetadata("billing_cycle", string(req.BillingCycle))

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	return &domain.CheckoutSession{
		Provider:  p.Name(),
		SessionID: sess.ID,
		URL:       sess.URL,
	}, nil
}
