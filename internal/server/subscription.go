package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type subscriptionResponse struct {
	UserID    string     `json:"user_id"`
	PlanType  string     `json:"plan_type"`
	Status    string     `json:"status,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HandleGetSubscription reports the user's active subscription, or the
// free tier when none exists.
func (s *Server) HandleGetSubscription(c *gin.Context) {
	userID, err := snowflake.ParseString(c.Param("id"))
	if err != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	sub, err := s.subRepo.FindActiveByUser(c.Request.Context(), s.db, userID)
	if err != nil {
		s.log.Error("failed to load subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if sub == nil {
		c.JSON(http.StatusOK, subscriptionResponse{
			UserID:   userID.String(),
			PlanType: "FREE",
		})
		return
	}

	c.JSON(http.StatusOK, subscriptionResponse{
		UserID:    userID.String(),
		PlanType:  string(sub.PlanType),
		Status:    string(sub.Status),
		StartedAt: &sub.StartedAt,
		ExpiresAt: &sub.ExpiresAt,
	})
}
