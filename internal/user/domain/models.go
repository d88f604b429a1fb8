// Package domain contains the user model shared by billing gating.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PlanType mirrors the active subscription's plan. It is written only
// as a side effect of subscription activation or expiry.
type PlanType string

const (
	PlanFree       PlanType = "FREE"
	PlanPro        PlanType = "PRO"
	PlanEnterprise PlanType = "ENTERPRISE"
)

// ParsePlanType maps a catalog plan id to the user-facing plan tier.
func ParsePlanType(planID string) (PlanType, bool) {
	switch strings.ToLower(strings.TrimSpace(planID)) {
	case "free":
		return PlanFree, true
	case "pro":
		return PlanPro, true
	case "enterprise":
		return PlanEnterprise, true
	default:
		return "", false
	}
}

type User struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Email     string       `gorm:"type:text;not null;uniqueIndex"`
	PlanType  PlanType     `gorm:"type:text;not null;default:FREE"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (User) TableName() string { return "users" }
