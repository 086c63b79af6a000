// Package dispatcher routes trusted events to their reconciliation handler.
package dispatcher

import (
	"context"
	"fmt"

	obsmetrics "github.com/smallbiznis/stripesync/internal/observability/metrics"
	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Reconciler is the set of handlers the routing table binds.
type Reconciler interface {
	SubscriptionCreated(ctx context.Context, scope *domain.Scope, sub *stripe.Subscription) error
	SubscriptionUpdated(ctx context.Context, scope *domain.Scope, sub *stripe.Subscription) error
	SubscriptionDeleted(ctx context.Context, scope *domain.Scope, sub *stripe.Subscription) error
	InvoicePaymentSucceeded(ctx context.Context, scope *domain.Scope, inv *stripe.Invoice) error
	InvoicePaymentFailed(ctx context.Context, scope *domain.Scope, inv *stripe.Invoice) error
	CustomerChanged(ctx context.Context, scope *domain.Scope, cus *stripe.Customer) error
	CheckoutCompleted(ctx context.Context, scope *domain.Scope, session *stripe.CheckoutSession) error
}

type HandlerFunc func(ctx context.Context, scope *domain.Scope, payload domain.Payload) error

type Params struct {
	fx.In

	Reconciler Reconciler
	Log        *zap.Logger
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	table   map[stripe.EventType]HandlerFunc
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func New(p Params) *Dispatcher {
	r := p.Reconciler
	return &Dispatcher{
		table: map[stripe.EventType]HandlerFunc{
			stripe.EventTypeCustomerSubscriptionCreated: subscription(r.SubscriptionCreated),
			stripe.EventTypeCustomerSubscriptionUpdated: subscription(r.SubscriptionUpdated),
			stripe.EventTypeCustomerSubscriptionDeleted: subscription(r.SubscriptionDeleted),
			stripe.EventTypeInvoicePaymentSucceeded:     invoice(r.InvoicePaymentSucceeded),
			stripe.EventTypeInvoicePaymentFailed:        invoice(r.InvoicePaymentFailed),
			stripe.EventTypeCustomerCreated:             customer(r.CustomerChanged),
			stripe.EventTypeCustomerUpdated:             customer(r.CustomerChanged),
			stripe.EventTypeCheckoutSessionCompleted:    checkout(r.CheckoutCompleted),
		},
		log:     p.Log.Named("webhook.dispatcher"),
		metrics: p.Metrics,
	}
}

// Handles reports whether eventType has a table entry.
func (d *Dispatcher) Handles(eventType stripe.EventType) bool {
	_, ok := d.table[eventType]
	return ok
}

// Dispatch runs the handler for the scope's event. Unknown types succeed.
func (d *Dispatcher) Dispatch(ctx context.Context, scope *domain.Scope) error {
	event := scope.Event
	handler, ok := d.table[event.Type]
	if !ok {
		d.log.Info("ignoring unhandled event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		d.metrics.RecordUnhandledType(ctx, string(event.Type))
		return nil
	}

	if err := handler(ctx, scope, event.Data); err != nil {
		return &domain.HandlingError{EventType: string(event.Type), Err: err}
	}
	return nil
}

func mismatch(want string, got domain.Payload) error {
	return fmt.Errorf("payload mismatch: want %s, got %s", want, domain.PayloadKind(got))
}

func subscription(fn func(context.Context, *domain.Scope, *stripe.Subscription) error) HandlerFunc {
	return func(ctx context.Context, scope *domain.Scope, payload domain.Payload) error {
		p, ok := payload.(domain.SubscriptionPayload)
		if !ok || p.Subscription == nil {
			return mismatch("subscription", payload)
		}
		return fn(ctx, scope, p.Subscription)
	}
}

func invoice(fn func(context.Context, *domain.Scope, *stripe.Invoice) error) HandlerFunc {
	return func(ctx context.Context, scope *domain.Scope, payload domain.Payload) error {
		p, ok := payload.(domain.InvoicePayload)
		if !ok || p.Invoice == nil {
			return mismatch("invoice", payload)
		}
		return fn(ctx, scope, p.Invoice)
	}
}

func customer(fn func(context.Context, *domain.Scope, *stripe.Customer) error) HandlerFunc {
	return func(ctx context.Context, scope *domain.Scope, payload domain.Payload) error {
		p, ok := payload.(domain.CustomerPayload)
		if !ok || p.Customer == nil {
			return mismatch("customer", payload)
		}
		return fn(ctx, scope, p.Customer)
	}
}

func checkout(fn func(context.Context, *domain.Scope, *stripe.CheckoutSession) error) HandlerFunc {
	return func(ctx context.Context, scope *domain.Scope, payload domain.Payload) error {
		p, ok := payload.(domain.CheckoutPayload)
		if !ok || p.Session == nil {
			return mismatch("checkout_session", payload)
		}
		return fn(ctx, scope, p.Session)
	}
}
