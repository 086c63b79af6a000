package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/stripesync/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, user_id, plan_id, provider_subscription_id, provider_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, trial_end,
	amount, currency, billing_interval, created_at, updated_at`

// Upsert inserts by provider subscription id; a replayed creation refreshes the
// mutable fields and keeps the original local id.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			user_id = excluded.user_id,
			plan_id = excluded.plan_id,
			provider_customer_id = excluded.provider_customer_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			canceled_at = excluded.canceled_at,
			trial_end = excluded.trial_end,
			amount = excluded.amount,
			currency = excluded.currency,
			billing_interval = excluded.billing_interval,
			updated_at = excluded.updated_at`,
		subscription.ID,
		subscription.UserID,
		subscription.PlanID,
		subscription.ProviderSubscriptionID,
		subscription.ProviderCustomerID,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.TrialEnd,
		subscription.Amount,
		subscription.Currency,
		subscription.Interval,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
	if err != nil {
		return err
	}

	stored, err := r.FindByProviderID(ctx, db, subscription.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	if stored != nil {
		subscription.ID = stored.ID
		subscription.CreatedAt = stored.CreatedAt
	}
	return nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			plan_id = ?, status = ?, current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, canceled_at = ?, trial_end = ?,
			amount = ?, currency = ?, billing_interval = ?, updated_at = ?
		WHERE id = ?`,
		subscription.PlanID,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.TrialEnd,
		subscription.Amount,
		subscription.Currency,
		subscription.Interval,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Plan, error) {
	var plan subscriptiondomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, provider_price_id, amount, currency, billing_interval, limits, created_at, updated_at
		FROM plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindPlanByPriceID(ctx context.Context, db *gorm.DB, providerPriceID string) (*subscriptiondomain.Plan, error) {
	var plan subscriptiondomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, provider_price_id, amount, currency, billing_interval, limits, created_at, updated_at
		FROM plans WHERE provider_price_id = ?`,
		providerPriceID,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}
