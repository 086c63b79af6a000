package domain

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v79"
)

// TrustedEvent is an event whose bytes passed signature verification.
// Raw holds the exact verified body.
type TrustedEvent struct {
	ID         string
	Type       stripe.EventType
	Created    time.Time
	ReceivedAt time.Time
	Livemode   bool
	APIVersion string
	Raw        []byte
	Data       Payload
}

// Payload is the typed body of a TrustedEvent, selected by event type.
type Payload interface {
	payloadKind() string
}

type SubscriptionPayload struct {
	Subscription *stripe.Subscription
}

type InvoicePayload struct {
	Invoice *stripe.Invoice
}

type CustomerPayload struct {
	Customer *stripe.Customer
}

type CheckoutPayload struct {
	Session *stripe.CheckoutSession
}

// UnknownPayload carries data.object for types without a handler.
type UnknownPayload struct {
	Object json.RawMessage
}

func (SubscriptionPayload) payloadKind() string { return "subscription" }
func (InvoicePayload) payloadKind() string      { return "invoice" }
func (CustomerPayload) payloadKind() string     { return "customer" }
func (CheckoutPayload) payloadKind() string     { return "checkout_session" }
func (UnknownPayload) payloadKind() string      { return "unknown" }

// PayloadKind reports the variant name for logs and errors.
func PayloadKind(p Payload) string {
	if p == nil {
		return "nil"
	}
	return p.payloadKind()
}

// DecodePayload selects and decodes the variant for eventType.
func DecodePayload(eventType stripe.EventType, object json.RawMessage) (Payload, error) {
	switch eventType {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(object, &sub); err != nil {
			return nil, err
		}
		return SubscriptionPayload{Subscription: &sub}, nil
	case stripe.EventTypeInvoicePaymentSucceeded, stripe.EventTypeInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(object, &inv); err != nil {
			return nil, err
		}
		return InvoicePayload{Invoice: &inv}, nil
	case stripe.EventTypeCustomerCreated, stripe.EventTypeCustomerUpdated:
		var cus stripe.Customer
		if err := json.Unmarshal(object, &cus); err != nil {
			return nil, err
		}
		return CustomerPayload{Customer: &cus}, nil
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(object, &session); err != nil {
			return nil, err
		}
		return CheckoutPayload{Session: &session}, nil
	default:
		return UnknownPayload{Object: append(json.RawMessage(nil), object...)}, nil
	}
}
