package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/lunachat/luna/internal/payment/domain"
	"go.uber.org/zap"
)

// HandlePaymentWebhook receives provider callbacks. Only two failure
// classes surface to the caller: a bad signature (401) and a body that
// is not JSON (400). Everything else is acknowledged with 200 so the
// provider stops retrying; problems are logged and the stored event
// stays unprocessed for later replay.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	headers := flattenHeaders(c)

	err = s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, headers)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})

	case errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrMissingSecret):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})

	case errors.Is(err, paymentdomain.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})

	case errors.Is(err, paymentdomain.ErrProviderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})

	default:
		s.log.Error("webhook processing failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

// flattenHeaders lowercases header names and folds the data.id query
// parameter in, since one provider signs it alongside the headers.
func flattenHeaders(c *gin.Context) map[string]string {
	headers := make(map[string]string, len(c.Request.Header)+1)
	for name, values := range c.Request.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	if dataID := c.Query("data.id"); dataID != "" {
		headers["data.id"] = dataID
	}
	if id := c.Query("id"); id != "" && headers["data.id"] == "" {
		headers["data.id"] = id
	}
	return headers
}
