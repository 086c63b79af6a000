// Package domain describes alerts emitted after reconciliation.
package domain

import (
	"context"
	"time"
)

// Kind names what happened.
type Kind string

const (
	KindSubscriptionCreated       Kind = "subscription_created"
	KindSubscriptionStatusChanged Kind = "subscription_status_changed"
	KindTrialConverted            Kind = "trial_converted"
	KindSubscriptionPastDue       Kind = "past_due"
	KindSubscriptionUnpaid        Kind = "unpaid"
	KindSubscriptionCanceled      Kind = "subscription_canceled"
	KindPaymentSucceeded          Kind = "payment_succeeded"
	KindPaymentFailed             Kind = "payment_failed"
	KindHighValuePaymentFailed    Kind = "high_value_payment_failed"
	KindWebhookFailed             Kind = "webhook_failed"
	KindIntegrityFailure          Kind = "integrity_failure"
)

// Audience selects the sink: users get email, operators get Slack.
type Audience string

const (
	AudienceUser     Audience = "user"
	AudienceOperator Audience = "operator"
)

type Notification struct {
	ID        string
	Kind      Kind
	Audience  Audience
	EventID   string
	UserID    string
	Recipient string
	Subject   string
	Fields    map[string]string
	CreatedAt time.Time
}

// Notifier accepts notifications without ever failing the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Sink delivers one notification to a channel.
type Sink interface {
	Name() string
	Accepts(n Notification) bool
	Send(ctx context.Context, n Notification) error
}
