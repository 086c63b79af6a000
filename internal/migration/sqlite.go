package migration

import (
	"gorm.io/gorm"
)

// sqliteSchema mirrors the postgres migrations for local runs and tests.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS plans (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		provider_price_id TEXT NOT NULL UNIQUE,
		amount INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'usd',
		billing_interval TEXT NOT NULL DEFAULT 'month',
		limits TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		plan_id INTEGER NOT NULL,
		provider_subscription_id TEXT NOT NULL UNIQUE,
		provider_customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_period_start DATETIME,
		current_period_end DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT false,
		canceled_at DATETIME,
		trial_end DATETIME,
		amount INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		billing_interval TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS usage_quotas (
		id INTEGER PRIMARY KEY,
		subscription_id INTEGER NOT NULL,
		metric_type TEXT NOT NULL,
		limit_amount INTEGER NOT NULL DEFAULT 0,
		current_amount INTEGER NOT NULL DEFAULT 0,
		exceeded BOOLEAN NOT NULL DEFAULT false,
		alert_threshold INTEGER NOT NULL DEFAULT 80,
		period_start DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (subscription_id, metric_type)
	)`,
	`CREATE TABLE IF NOT EXISTS customer_links (
		provider_customer_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		raw_payload TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT false,
		processing_error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		processed_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// ApplySQLiteSchema creates the pipeline tables on a sqlite connection.
func ApplySQLiteSchema(db *gorm.DB) error {
	for _, stmt := range sqliteSchema {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
