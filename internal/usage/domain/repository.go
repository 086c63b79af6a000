package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// UpsertLimit creates the quota or moves its limit, keeping consumption.
	UpsertLimit(ctx context.Context, db *gorm.DB, quota *UsageQuota) error
	DeleteMetricsNotIn(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, metrics []string) (int64, error)
	ResetPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, now time.Time) (int64, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]UsageQuota, error)
}
