package handler

import (
	"context"
	"errors"
	"strings"

	customerdomain "github.com/smallbiznis/stripesync/internal/customer/domain"
	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/stripesync/internal/subscription/domain"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (r *Reconciler) SubscriptionCreated(ctx context.Context, scope *domain.Scope, sub *stripe.Subscription) error {
	tx := scope.Tx
	status, err := MapStatus(sub.Status)
	if err != nil {
		return err
	}

	customer := sub.Customer
	if customer == nil {
		return &domain.LinkageError{Err: customerdomain.ErrMissingCustomer}
	}
	resolution, err := r.customerSvc.ResolveUser(ctx, tx, customer)
	switch {
	case isLinkageCause(err):
		return &domain.LinkageError{CustomerID: customer.ID, Err: err}
	case err != nil:
		return err
	}

	item, priceID := firstPrice(sub)
	plan, err := r.planForPrice(ctx, tx, priceID)
	if err != nil {
		return err
	}

	now := r.clock.Now().UTC()
	local := &subscriptiondomain.Subscription{
		ID:                     r.genID.Generate(),
		UserID:                 resolution.User.ID,
		PlanID:                 plan.ID,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     customer.ID,
		Status:                 status,
		CurrentPeriodStart:     unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CanceledAt:             unixTime(sub.CanceledAt),
		TrialEnd:               unixTime(sub.TrialEnd),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	applyPricing(local, plan, item)

	if err := r.subscriptions.Upsert(ctx, tx, local); err != nil {
		return err
	}
	if err := r.customerSvc.Link(ctx, tx, resolution); err != nil {
		return err
	}
	if err := r.usageSvc.SyncPlanLimits(ctx, tx, local.ID, plan.Limits.Data(), local.CurrentPeriodStart); err != nil {
		return err
	}

	r.log.Info("subscription created",
		append(eventFields(scope),
			zap.String("subscription_id", sub.ID),
			zap.String("user_id", local.UserID),
			zap.String("plan", plan.Name),
			zap.String("status", string(status)),
			zap.String("resolved_via", string(resolution.Source)),
		)...,
	)

	scope.Notify(notificationdomain.Notification{
		Kind:      notificationdomain.KindSubscriptionCreated,
		Audience:  notificationdomain.AudienceUser,
		UserID:    local.UserID,
		Recipient: resolution.Email,
		Subject:   "Your " + plan.Name + " subscription is active",
		Fields: map[string]string{
			"subscription_id": sub.ID,
			"plan":            plan.Name,
			"status":          string(status),
			"amount":          formatAmount(local.Amount, local.Currency),
		},
		CreatedAt: now,
	})
	return nil
}

func (r *Reconciler) SubscriptionUpdated(ctx context.Context, scope *domain.Scope, sub *stripe.Subscription) error {
	tx := scope.Tx
	existing, err := r.subscriptions.FindByProviderID(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		r.log.Warn("update for unknown subscription ignored",
			append(eventFields(scope), zap.String("subscription_id", sub.ID))...)
		return nil
	}

	status, err := MapStatus(sub.Status)
	if err != nil {
		return err
	}

	previous := *existing
	updated := *existing
	updated.Status = status
	updated.CurrentPeriodStart = unixTime(sub.CurrentPeriodStart)
	updated.CurrentPeriodEnd = unixTime(sub.CurrentPeriodEnd)
	updated.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	updated.CanceledAt = unixTime(sub.CanceledAt)
	updated.TrialEnd = unixTime(sub.TrialEnd)
	updated.UpdatedAt = r.clock.Now().UTC()

	item, priceID := firstPrice(sub)
	planChanged := false
	var plan *subscriptiondomain.Plan
	if priceID != "" {
		current, err := r.subscriptions.FindPlanByID(ctx, tx, existing.PlanID)
		if err != nil {
			return err
		}
		if current == nil || current.ProviderPriceID != priceID {
			plan, err = r.planForPrice(ctx, tx, priceID)
			if err != nil {
				return err
			}
			updated.PlanID = plan.ID
			planChanged = true
		} else {
			plan = current
		}
		applyPricing(&updated, plan, item)
	}

	if err := r.subscriptions.Update(ctx, tx, &updated); err != nil {
		return err
	}

	if planChanged {
		if err := r.usageSvc.SyncPlanLimits(ctx, tx, updated.ID, plan.Limits.Data(), updated.CurrentPeriodStart); err != nil {
			return err
		}
	}
	if periodAdvanced(&previous, &updated) {
		if err := r.usageSvc.ResetPeriod(ctx, tx, updated.ID, *updated.CurrentPeriodStart); err != nil {
			return err
		}
	}

	r.log.Info("subscription updated",
		append(eventFields(scope),
			zap.String("subscription_id", sub.ID),
			zap.String("from", string(previous.Status)),
			zap.String("to", string(updated.Status)),
			zap.Bool("plan_changed", planChanged),
		)...,
	)

	if previous.Status == updated.Status {
		return nil
	}
	kind, subject := transition(previous.Status, updated.Status)
	return r.notifyUser(ctx, scope, &updated, kind, subject, map[string]string{
		"from": string(previous.Status),
		"to":   string(updated.Status),
	})
}

func (r *Reconciler) SubscriptionDeleted(ctx context.Context, scope *domain.Scope, sub *stripe.Subscription) error {
	tx := scope.Tx
	existing, err := r.subscriptions.FindByProviderID(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		r.log.Warn("deletion for unknown subscription ignored",
			append(eventFields(scope), zap.String("subscription_id", sub.ID))...)
		return nil
	}

	now := r.clock.Now().UTC()
	wasCanceled := existing.Status == subscriptiondomain.SubscriptionStatusCanceled

	updated := *existing
	updated.Status = subscriptiondomain.SubscriptionStatusCanceled
	updated.CanceledAt = unixTime(sub.CanceledAt)
	if updated.CanceledAt == nil {
		updated.CanceledAt = &now
	}
	updated.UpdatedAt = now
	if err := r.subscriptions.Update(ctx, tx, &updated); err != nil {
		return err
	}

	r.log.Info("subscription canceled",
		append(eventFields(scope), zap.String("subscription_id", sub.ID))...)

	if wasCanceled {
		return nil
	}
	return r.notifyUser(ctx, scope, &updated, notificationdomain.KindSubscriptionCanceled,
		"Your subscription has been canceled",
		map[string]string{"canceled_at": updated.CanceledAt.Format("2006-01-02")},
	)
}

func (r *Reconciler) planForPrice(ctx context.Context, tx *gorm.DB, priceID string) (*subscriptiondomain.Plan, error) {
	if strings.TrimSpace(priceID) == "" {
		return nil, &domain.PlanNotFoundError{}
	}
	plan, err := r.subscriptions.FindPlanByPriceID(ctx, tx, priceID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, &domain.PlanNotFoundError{PriceID: priceID}
	}
	return plan, nil
}

// applyPricing prefers the item's price and falls back to the plan catalog.
func applyPricing(sub *subscriptiondomain.Subscription, plan *subscriptiondomain.Plan, item *stripe.SubscriptionItem) {
	sub.Amount = plan.Amount
	sub.Currency = plan.Currency
	sub.Interval = plan.Interval
	if item == nil || item.Price == nil {
		return
	}
	price := item.Price
	if price.UnitAmount > 0 {
		quantity := item.Quantity
		if quantity < 1 {
			quantity = 1
		}
		sub.Amount = price.UnitAmount * quantity
	}
	if price.Currency != "" {
		sub.Currency = string(price.Currency)
	}
	if price.Recurring != nil && price.Recurring.Interval != "" {
		sub.Interval = string(price.Recurring.Interval)
	}
}

func periodAdvanced(previous, updated *subscriptiondomain.Subscription) bool {
	if updated.CurrentPeriodStart == nil || previous.CurrentPeriodStart == nil {
		return false
	}
	return updated.CurrentPeriodStart.After(*previous.CurrentPeriodStart)
}

func transition(from, to subscriptiondomain.SubscriptionStatus) (notificationdomain.Kind, string) {
	switch {
	case from == subscriptiondomain.SubscriptionStatusTrialing && to == subscriptiondomain.SubscriptionStatusActive:
		return notificationdomain.KindTrialConverted, "Your trial has converted to a paid subscription"
	case to == subscriptiondomain.SubscriptionStatusPastDue:
		return notificationdomain.KindSubscriptionPastDue, "Your subscription payment is past due"
	case to == subscriptiondomain.SubscriptionStatusUnpaid:
		return notificationdomain.KindSubscriptionUnpaid, "Your subscription is unpaid"
	case to == subscriptiondomain.SubscriptionStatusCanceled:
		return notificationdomain.KindSubscriptionCanceled, "Your subscription has been canceled"
	default:
		return notificationdomain.KindSubscriptionStatusChanged, "Your subscription status changed"
	}
}

// isLinkageCause reports whether a ResolveUser failure means the customer
// cannot be tied to a local user. Store and lookup failures are not.
func isLinkageCause(err error) bool {
	return errors.Is(err, customerdomain.ErrMissingCustomer) ||
		errors.Is(err, customerdomain.ErrMissingUserReference) ||
		errors.Is(err, customerdomain.ErrUserNotFound) ||
		errors.Is(err, customerdomain.ErrInvalidUserReference) ||
		errors.Is(err, customerdomain.ErrLookupUnavailable)
}
