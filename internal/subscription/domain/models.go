// Package domain contains persistence models for subscriptions and plans.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "ACTIVE"
	SubscriptionStatusTrialing          SubscriptionStatus = "TRIALING"
	SubscriptionStatusPastDue           SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusUnpaid            SubscriptionStatus = "UNPAID"
	SubscriptionStatusCanceled          SubscriptionStatus = "CANCELED"
	SubscriptionStatusIncomplete        SubscriptionStatus = "INCOMPLETE"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "INCOMPLETE_EXPIRED"
)

var ErrPlanNotFound = errors.New("plan_not_found")

// Subscription mirrors a provider subscription owned by a local user.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey"`
	UserID                 string             `gorm:"type:text;not null;index"`
	PlanID                 snowflake.ID       `gorm:"not null"`
	ProviderSubscriptionID string             `gorm:"type:text;not null;uniqueIndex"`
	ProviderCustomerID     string             `gorm:"type:text;not null"`
	Status                 SubscriptionStatus `gorm:"type:text;not null"`
	CurrentPeriodStart     *time.Time         `gorm:""`
	CurrentPeriodEnd       *time.Time         `gorm:""`
	CancelAtPeriodEnd      bool               `gorm:"not null;default:false"`
	CanceledAt             *time.Time         `gorm:""`
	TrialEnd               *time.Time         `gorm:""`
	Amount                 int64              `gorm:"not null;default:0"`
	Currency               string             `gorm:"type:text;not null"`
	Interval               string             `gorm:"column:billing_interval;type:text;not null"`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// PlanLimits maps a usage metric to its allowance per period.
type PlanLimits map[string]int64

// Plan is a sellable catalog entry keyed by the provider price id.
type Plan struct {
	ID              snowflake.ID                   `gorm:"primaryKey"`
	Name            string                         `gorm:"type:text;not null"`
	ProviderPriceID string                         `gorm:"type:text;not null;uniqueIndex"`
	Amount          int64                          `gorm:"not null;default:0"`
	Currency        string                         `gorm:"type:text;not null"`
	Interval        string                         `gorm:"column:billing_interval;type:text;not null"`
	Limits          datatypes.JSONType[PlanLimits] `gorm:"type:jsonb"`
	CreatedAt       time.Time                      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time                      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }
