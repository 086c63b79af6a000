// Package domain contains per-subscription usage allowances.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const DefaultAlertThreshold = 80

// UsageQuota tracks consumption of one metric against the plan allowance.
// A zero limit means the metric is unmetered and never exceeded.
type UsageQuota struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_quotas_subscription_metric"`
	MetricType     string       `gorm:"type:text;not null;uniqueIndex:ux_usage_quotas_subscription_metric"`
	LimitAmount    int64        `gorm:"not null;default:0"`
	CurrentAmount  int64        `gorm:"not null;default:0"`
	Exceeded       bool         `gorm:"not null;default:false"`
	AlertThreshold int          `gorm:"not null;default:80"`
	PeriodStart    *time.Time   `gorm:""`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageQuota) TableName() string { return "usage_quotas" }

// IsExceeded applies the quota rule for a limit and usage pair.
func IsExceeded(limit, current int64) bool {
	return limit > 0 && current >= limit
}
