package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service keeps quotas aligned with the subscription's plan and period.
// All methods run on the caller's transaction.
type Service interface {
	SyncPlanLimits(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, limits map[string]int64, periodStart *time.Time) error
	ResetPeriod(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) error
}
