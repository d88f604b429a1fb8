package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/lunachat/luna/internal/payment/domain"
	"github.com/lunachat/luna/internal/plan"
	"go.uber.org/zap"
)

type checkoutRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	PlanID       string `json:"plan_id" binding:"required"`
	BillingCycle string `json:"billing_cycle"`
	Method       string `json:"method" binding:"required"`
}

type checkoutResponse struct {
	Provider    string `json:"provider"`
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// HandleCreateCheckout opens a provider-hosted checkout session. Card
// payments go through stripe; pix and boleto through mercadopago.
func (s *Server) HandleCreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	catalogPlan, ok := s.catalog.Lookup(req.PlanID)
	if !ok || !catalogPlan.Purchasable() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown or free plan"})
		return
	}
	cycle := plan.ParseBillingCycle(req.BillingCycle)

	providerName, ok := providerForMethod(req.Method)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported payment method"})
		return
	}

	if s.checkoutLimiter != nil {
		result, err := s.checkoutLimiter.Allow(c.Request.Context(), "checkout:"+userID.String(), 0.2, 3)
		if err != nil {
			s.log.Warn("checkout rate limiter unavailable", zap.Error(err))
		} else if !result.Allowed {
			c.Header("Retry-After", result.RetryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many checkout attempts"})
			return
		}
	}

	provider, err := s.registry.Lookup(providerName)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment provider unavailable"})
		return
	}

	session, err := provider.CreateCheckout(c.Request.Context(), paymentdomain.CheckoutRequest{
		UserID:       userID,
		PlanID:       catalogPlan.ID,
		BillingCycle: cycle,
		Method:       req.Method,
		AmountCents:  catalogPlan.PriceFor(cycle),
		Currency:     catalogPlan.Currency,
		Description:  catalogPlan.Name,
	})
	if err != nil {
		s.log.Error("failed to create checkout session",
			zap.String("provider", providerName),
			zap.String("plan_id", catalogPlan.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, checkoutResponse{
		Provider:    session.Provider,
		SessionID:   session.SessionID,
		CheckoutURL: session.URL,
	})
}

func providerForMethod(method string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "card", "credit_card":
		return "stripe", true
	case "pix", "boleto":
		return "mercadopago", true
	default:
		return "", false
	}
}
