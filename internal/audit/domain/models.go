package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem   ActorType = "system"
	ActorTypeUser     ActorType = "user"
	ActorTypeOperator ActorType = "operator"
	ActorTypeAPIKey   ActorType = "api_key"
)

const (
	ActionWalletAdjusted           = "wallet.adjusted"
	ActionWalletArchived           = "wallet.archived"
	ActionWalletInvariantViolation = "wallet.invariant_violation"
	ActionSubscriptionCancelled    = "subscription.cancelled"
	ActionSubscriptionExpired      = "subscription.expired"
	ActionPlatformSuspended        = "platform_subscription.suspended"
	ActionPlatformPlanChanged      = "platform_subscription.plan_changed"
	ActionBundleSubscribed         = "bundle_subscription.created"
	ActionAuthorizationDenied      = "authorization.denied"
)

// AuditLog is an append-only record of an administrative or lifecycle action.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	CompanyID  *snowflake.ID     `gorm:"index" json:"company_id,omitempty"`
	ActorType  string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID    *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:text;not null;index" json:"action"`
	TargetType string            `gorm:"type:text;not null" json:"target_type"`
	TargetID   *string           `gorm:"type:text" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	RequestID  *string           `gorm:"type:text" json:"request_id,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	CompanyID  snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
