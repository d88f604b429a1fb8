package mercadopago

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/payment/domain"
	"github.com/lunachat/luna/internal/payment/notification"
	"github.com/lunachat/luna/internal/plan"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.mercadopago.com"

	fetchAttempts = 3
	retryBaseWait = 250 * time.Millisecond
)

type Config struct {
	AccessToken   string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
	SuccessURL    string
	FailureURL    string
}

type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("payment.mercadopago"),
	}
}

func (p *Provider) Name() string {
	return "mercadopago"
}

// VerifySignature checks the x-signature header against the HMAC-SHA256
// of the signed manifest. The manifest is built from the notification
// resource id (lowercased), the x-request-id header, and the ts value
// carried inside x-signature itself:
//
//	id:{id};request-id:{requestID};ts:{ts};
//
// When x-request-id is absent its segment is omitted entirely rather
// than rendered empty.
func (p *Provider) VerifySignature(ctx context.Context, payload []byte, headers map[string]string) error {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return domain.ErrMissingSecret
	}

	signature := headers["x-signature"]
	if signature == "" {
		return domain.ErrInvalidSignature
	}

	ts, v1 := splitSignature(signature)
	if ts == "" || v1 == "" {
		return domain.ErrInvalidSignature
	}

	resourceID := headers["data.id"]
	if resourceID == "" {
		id, _, err := notification.Normalize(payload)
		if err != nil {
			return domain.ErrInvalidSignature
		}
		resourceID = id
	}

	manifest := fmt.Sprintf("id:%s;", strings.ToLower(resourceID))
	if requestID := headers["x-request-id"]; requestID != "" {
		manifest += fmt.Sprintf("request-id:%s;", requestID)
	}
	manifest += fmt.Sprintf("ts:%s;", ts)

	mac := hmac.New(sha256.New, []byte(p.cfg.WebhookSecret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// splitSignature parses the "ts=...,v1=..." form of x-signature.
func splitSignature(signature string) (ts, v1 string) {
	for _, part := range strings.Split(signature, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}

// ParseNotification resolves the resource id regardless of which body
// shape this notification uses. Only payment topics are reconciled;
// merchant orders and the like are acknowledged elsewhere.
func (p *Provider) ParseNotification(ctx context.Context, payload []byte) (*domain.Notification, error) {
	resourceID, topic, err := notification.Normalize(payload)
	if err != nil {
		return nil, err
	}
	switch topic {
	case "", "payment", "payment.created", "payment.updated":
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTopic, topic)
	}
	return &domain.Notification{
		Provider:   p.Name(),
		ResourceID: resourceID,
		Topic:      topic,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

type paymentResponse struct {
	ID                int64   `json:"id"`
	Status            string  `json:"status"`
	StatusDetail      string  `json:"status_detail"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
	ExternalReference string  `json:"external_reference"`
	DateApproved      string  `json:"date_approved"`
	DateCreated       string  `json:"date_created"`
	Metadata          struct {
		PlanID       string `json:"plan_id"`
		BillingCycle string `json:"billing_cycle"`
	} `json:"metadata"`
}

// FetchPayment refetches the payment from the MercadoPago API. The
// webhook body is never trusted for state; this response is.
func (p *Provider) FetchPayment(ctx context.Context, resourceID string) (*domain.CanonicalEvent, error) {
	url := fmt.Sprintf("%s/v1/payments/%s", strings.TrimRight(p.cfg.BaseURL, "/"), resourceID)

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		payment, retryable, err := p.fetchOnce(ctx, url)
		if err == nil {
			return p.toCanonical(payment)
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("payment fetch failed, retrying",
			zap.String("resource_id", resourceID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, lastErr)
}

func (p *Provider) fetchOnce(ctx context.Context, url string) (*paymentResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, domain.ErrResourceNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("mercadopago rejected credentials: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("mercadopago returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("mercadopago returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}

	var payment paymentResponse
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, false, fmt.Errorf("decode payment response: %w", err)
	}
	return &payment, false, nil
}

func (p *Provider) toCanonical(payment *paymentResponse) (*domain.CanonicalEvent, error) {
	userID, err := snowflake.ParseString(payment.ExternalReference)
	if err != nil {
		return nil, fmt.Errorf("%w: external_reference %q is not a user id", domain.ErrInvalidEvent, payment.ExternalReference)
	}

	currency := strings.ToUpper(payment.CurrencyID)
	if currency == "" {
		currency = "BRL"
	}

	occurredAt := parseDate(payment.DateApproved)
	if occurredAt.IsZero() {
		occurredAt = parseDate(payment.DateCreated)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return &domain.CanonicalEvent{
		Provider:     p.Name(),
		PaymentID:    fmt.Sprintf("%d", payment.ID),
		UserID:       userID,
		PlanID:       payment.Metadata.PlanID,
		Status:       mapStatus(payment.Status),
		AmountCents:  int64(math.Round(payment.TransactionAmount * 100)),
		Currency:     currency,
		BillingCycle: plan.ParseBillingCycle(payment.Metadata.BillingCycle),
		OccurredAt:   occurredAt,
	}, nil
}

func mapStatus(status string) domain.EventStatus {
	switch strings.ToLower(status) {
	case "approved":
		return domain.StatusApproved
	case "pending", "in_process", "in_mediation", "authorized":
		return domain.StatusPending
	case "rejected":
		return domain.StatusRejected
	case "cancelled", "refunded", "charged_back":
		return domain.StatusCancelled
	default:
		return domain.StatusUnknown
	}
}

func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	ExternalReference string            `json:"external_reference"`
	Metadata          map[string]string `json:"metadata"`
	PaymentMethods    preferenceMethods `json:"payment_methods"`
	BackURLs          preferenceBackURL `json:"back_urls"`
	AutoReturn        string            `json:"auto_return"`
}

type preferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferenceMethods struct {
	ExcludedPaymentTypes []preferenceExcluded `json:"excluded_payment_types"`
	Installments         int                  `json:"installments"`
}

type preferenceExcluded struct {
	ID string `json:"id"`
}

type preferenceBackURL struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreateCheckout opens a hosted checkout preference. Cards go through
// the other provider, so card payment types are excluded here and only
// pix and boleto remain.
func (p *Provider) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error) {
	pref := preferenceRequest{
		Items: []preferenceItem{{
			Title:      req.Description,
			Quantity:   1,
			UnitPrice:  float64(req.AmountCents) / 100,
			CurrencyID: req.Currency,
		}},
		ExternalReference: req.UserID.String(),
		Metadata: map[string]string{
			"plan_id":       req.PlanID,
			"billing_cycle": string(req.BillingCycle),
		},
		PaymentMethods: preferenceMethods{
			ExcludedPaymentTypes: []preferenceExcluded{
				{ID: "credit_card"},
				{ID: "debit_card"},
				{ID: "prepaid_card"},
			},
			Installments: 1,
		},
		BackURLs: preferenceBackURL{
			Success: p.cfg.SuccessURL,
			Failure: p.cfg.FailureURL,
		},
		AutoReturn: "approved",
	}

	body, err := json.Marshal(pref)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/checkout/preferences"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("mercadopago preference returned status %d", resp.StatusCode)
	}

	var created preferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode preference response: %w", err)
	}

	return &domain.CheckoutSession{
		Provider:  p.Name(),
		SessionID: created.ID,
		URL:       created.InitPoint,
	}, nil
}
