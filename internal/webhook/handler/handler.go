// Package handler reconciles local billing state with Stripe events.
package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stripesync/internal/clock"
	"github.com/smallbiznis/stripesync/internal/config"
	customerdomain "github.com/smallbiznis/stripesync/internal/customer/domain"
	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/stripesync/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/stripesync/internal/usage/domain"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Policy           *config.PolicyHolder
	SubscriptionRepo subscriptiondomain.Repository
	CustomerRepo     customerdomain.Repository
	CustomerSvc      customerdomain.Service
	UsageSvc         usagedomain.Service
}

type Reconciler struct {
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	policy        *config.PolicyHolder
	subscriptions subscriptiondomain.Repository
	customers     customerdomain.Repository
	customerSvc   customerdomain.Service
	usageSvc      usagedomain.Service
}

func New(p Params) *Reconciler {
	return &Reconciler{
		log:           p.Log.Named("webhook.handler"),
		genID:         p.GenID,
		clock:         p.Clock,
		policy:        p.Policy,
		subscriptions: p.SubscriptionRepo,
		customers:     p.CustomerRepo,
		customerSvc:   p.CustomerSvc,
		usageSvc:      p.UsageSvc,
	}
}

var statusMap = map[stripe.SubscriptionStatus]subscriptiondomain.SubscriptionStatus{
	stripe.SubscriptionStatusActive:            subscriptiondomain.SubscriptionStatusActive,
	stripe.SubscriptionStatusTrialing:          subscriptiondomain.SubscriptionStatusTrialing,
	stripe.SubscriptionStatusPastDue:           subscriptiondomain.SubscriptionStatusPastDue,
	stripe.SubscriptionStatusUnpaid:            subscriptiondomain.SubscriptionStatusUnpaid,
	stripe.SubscriptionStatusCanceled:          subscriptiondomain.SubscriptionStatusCanceled,
	stripe.SubscriptionStatusIncomplete:        subscriptiondomain.SubscriptionStatusIncomplete,
	stripe.SubscriptionStatusIncompleteExpired: subscriptiondomain.SubscriptionStatusIncompleteExpired,
}

// MapStatus translates a provider status. Statuses without a local
// equivalent, paused included, are an UnmappedStatusError.
func MapStatus(status stripe.SubscriptionStatus) (subscriptiondomain.SubscriptionStatus, error) {
	mapped, ok := statusMap[status]
	if !ok {
		return "", &domain.UnmappedStatusError{Status: string(status)}
	}
	return mapped, nil
}

func eventFields(scope *domain.Scope) []zap.Field {
	if scope == nil || scope.Event == nil {
		return nil
	}
	return []zap.Field{
		zap.String("event_id", scope.Event.ID),
		zap.String("event_type", string(scope.Event.Type)),
		zap.Int("attempt", scope.Attempt),
	}
}

// contact finds where user-facing notifications for a subscription go.
func (r *Reconciler) contact(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (string, error) {
	link, err := r.customers.FindLink(ctx, tx, sub.ProviderCustomerID)
	if err != nil {
		return "", err
	}
	if link != nil && strings.TrimSpace(link.Email) != "" {
		return link.Email, nil
	}
	user, err := r.customers.FindUser(ctx, tx, sub.UserID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", nil
	}
	return user.Email, nil
}

func (r *Reconciler) notifyUser(ctx context.Context, scope *domain.Scope, sub *subscriptiondomain.Subscription, kind notificationdomain.Kind, subject string, fields map[string]string) error {
	recipient, err := r.contact(ctx, scope.Tx, sub)
	if err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]string{}
	}
	fields["subscription_id"] = sub.ProviderSubscriptionID
	scope.Notify(notificationdomain.Notification{
		Kind:      kind,
		Audience:  notificationdomain.AudienceUser,
		UserID:    sub.UserID,
		Recipient: recipient,
		Subject:   subject,
		Fields:    fields,
		CreatedAt: r.clock.Now().UTC(),
	})
	return nil
}

func unixTime(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

func formatAmount(amount int64, currency string) string {
	return strconv.FormatInt(amount, 10) + " " + strings.ToUpper(currency)
}

func firstPrice(sub *stripe.Subscription) (*stripe.SubscriptionItem, string) {
	if sub.Items == nil {
		return nil, ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item, item.Price.ID
		}
	}
	return nil, ""
}
