package handler

import (
	"context"
	"errors"

	customerdomain "github.com/smallbiznis/stripesync/internal/customer/domain"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap"
)

// CustomerChanged refreshes the customer link for customer.created and
// customer.updated. Customers without a user reference are skipped.
func (r *Reconciler) CustomerChanged(ctx context.Context, scope *domain.Scope, cus *stripe.Customer) error {
	resolution, err := r.customerSvc.LinkFromCustomer(ctx, scope.Tx, cus)
	switch {
	case errors.Is(err, customerdomain.ErrMissingUserReference):
		r.log.Info("customer without user reference ignored",
			append(eventFields(scope), zap.String("customer_id", cus.ID))...)
		return nil
	case errors.Is(err, customerdomain.ErrUserNotFound), errors.Is(err, customerdomain.ErrInvalidUserReference):
		return &domain.LinkageError{CustomerID: cus.ID, Err: err}
	case err != nil:
		return err
	}

	r.log.Info("customer linked",
		append(eventFields(scope),
			zap.String("customer_id", cus.ID),
			zap.String("user_id", resolution.User.ID),
		)...,
	)
	return nil
}

func (r *Reconciler) CheckoutCompleted(ctx context.Context, scope *domain.Scope, session *stripe.CheckoutSession) error {
	fields := append(eventFields(scope),
		zap.String("session_id", session.ID),
		zap.String("mode", string(session.Mode)),
	)
	if session.Customer != nil {
		fields = append(fields, zap.String("customer_id", session.Customer.ID))
	}
	if session.Subscription != nil {
		fields = append(fields, zap.String("subscription_id", session.Subscription.ID))
	}
	r.log.Info("checkout session completed", fields...)
	return nil
}
