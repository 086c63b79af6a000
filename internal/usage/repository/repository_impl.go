package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/stripesync/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) UpsertLimit(ctx context.Context, db *gorm.DB, quota *usagedomain.UsageQuota) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_quotas (
			id, subscription_id, metric_type, limit_amount, current_amount, exceeded,
			alert_threshold, period_start, created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, false, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, metric_type) DO UPDATE SET
			limit_amount = excluded.limit_amount,
			exceeded = (excluded.limit_amount > 0 AND usage_quotas.current_amount >= excluded.limit_amount),
			updated_at = excluded.updated_at`,
		quota.ID,
		quota.SubscriptionID,
		quota.MetricType,
		quota.LimitAmount,
		quota.AlertThreshold,
		quota.PeriodStart,
		quota.CreatedAt,
		quota.UpdatedAt,
	).Error
}

func (r *repo) DeleteMetricsNotIn(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, metrics []string) (int64, error) {
	stmt := db.WithContext(ctx).Where("subscription_id = ?", subscriptionID)
	if len(metrics) > 0 {
		stmt = stmt.Where("metric_type NOT IN ?", metrics)
	}
	result := stmt.Delete(&usagedomain.UsageQuota{})
	return result.RowsAffected, result.Error
}

// ResetPeriod zeroes consumption for a new billing period. Quotas already on
// periodStart are left alone so a replayed rollover is harmless.
func (r *repo) ResetPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_quotas
		SET current_amount = 0, exceeded = false, period_start = ?, updated_at = ?
		WHERE subscription_id = ? AND (period_start IS NULL OR period_start < ?)`,
		periodStart,
		now,
		subscriptionID,
		periodStart,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]usagedomain.UsageQuota, error) {
	var quotas []usagedomain.UsageQuota
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, metric_type, limit_amount, current_amount, exceeded,
			alert_threshold, period_start, created_at, updated_at
		FROM usage_quotas WHERE subscription_id = ? ORDER BY metric_type`,
		subscriptionID,
	).Scan(&quotas).Error
	if err != nil {
		return nil, err
	}
	return quotas, nil
}
