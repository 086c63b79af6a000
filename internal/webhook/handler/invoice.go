package handler

import (
	"context"
	"strconv"
	"time"

	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/stripesync/internal/subscription/domain"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap"
)

func (r *Reconciler) InvoicePaymentSucceeded(ctx context.Context, scope *domain.Scope, inv *stripe.Invoice) error {
	sub, err := r.invoiceSubscription(ctx, scope, inv)
	if err != nil || sub == nil {
		return err
	}

	if end := maxLinePeriodEnd(inv); end != nil && (sub.CurrentPeriodEnd == nil || end.After(*sub.CurrentPeriodEnd)) {
		updated := *sub
		updated.CurrentPeriodEnd = end
		updated.UpdatedAt = r.clock.Now().UTC()
		if err := r.subscriptions.Update(ctx, scope.Tx, &updated); err != nil {
			return err
		}
		sub = &updated
		r.log.Info("subscription period extended",
			append(eventFields(scope),
				zap.String("subscription_id", sub.ProviderSubscriptionID),
				zap.Time("current_period_end", *end),
			)...,
		)
	}

	return r.notifyUser(ctx, scope, sub, notificationdomain.KindPaymentSucceeded, "Payment received", map[string]string{
		"invoice_id": inv.ID,
		"amount":     formatAmount(inv.AmountPaid, string(inv.Currency)),
	})
}

func (r *Reconciler) InvoicePaymentFailed(ctx context.Context, scope *domain.Scope, inv *stripe.Invoice) error {
	sub, err := r.invoiceSubscription(ctx, scope, inv)
	if err != nil || sub == nil {
		return err
	}

	amount := formatAmount(inv.AmountDue, string(inv.Currency))
	if err := r.notifyUser(ctx, scope, sub, notificationdomain.KindPaymentFailed, "Payment failed", map[string]string{
		"invoice_id":    inv.ID,
		"amount":        amount,
		"attempt_count": strconv.FormatInt(inv.AttemptCount, 10),
	}); err != nil {
		return err
	}

	threshold := r.policy.Get().HighValueAmount
	if threshold > 0 && inv.AmountDue >= threshold {
		r.log.Warn("high value payment failed",
			append(eventFields(scope),
				zap.String("invoice_id", inv.ID),
				zap.Int64("amount_due", inv.AmountDue),
			)...,
		)
		scope.Notify(notificationdomain.Notification{
			Kind:     notificationdomain.KindHighValuePaymentFailed,
			Audience: notificationdomain.AudienceOperator,
			UserID:   sub.UserID,
			Subject:  "High value payment failed",
			Fields: map[string]string{
				"invoice_id":      inv.ID,
				"subscription_id": sub.ProviderSubscriptionID,
				"customer_id":     sub.ProviderCustomerID,
				"amount":          amount,
			},
			CreatedAt: r.clock.Now().UTC(),
		})
	}
	return nil
}

func (r *Reconciler) invoiceSubscription(ctx context.Context, scope *domain.Scope, inv *stripe.Invoice) (*subscriptiondomain.Subscription, error) {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		r.log.Debug("invoice without subscription ignored",
			append(eventFields(scope), zap.String("invoice_id", inv.ID))...)
		return nil, nil
	}
	sub, err := r.subscriptions.FindByProviderID(ctx, scope.Tx, inv.Subscription.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		r.log.Warn("invoice for unknown subscription ignored",
			append(eventFields(scope),
				zap.String("invoice_id", inv.ID),
				zap.String("subscription_id", inv.Subscription.ID),
			)...,
		)
	}
	return sub, nil
}

func maxLinePeriodEnd(inv *stripe.Invoice) *time.Time {
	if inv.Lines == nil {
		return nil
	}
	var latest int64
	for _, line := range inv.Lines.Data {
		if line != nil && line.Period != nil && line.Period.End > latest {
			latest = line.Period.End
		}
	}
	return unixTime(latest)
}
