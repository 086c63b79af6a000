package domain

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"
)

var (
	ErrMissingCustomer      = errors.New("missing_customer")
	ErrMissingUserReference = errors.New("missing_user_reference")
	ErrInvalidUserReference = errors.New("invalid_user_reference")
	ErrUserNotFound         = errors.New("user_not_found")
	ErrLookupUnavailable    = errors.New("customer_lookup_unavailable")
)

// ResolutionSource records which step produced the user reference.
type ResolutionSource string

const (
	SourceLink     ResolutionSource = "customer_link"
	SourceMetadata ResolutionSource = "event_metadata"
	SourceProvider ResolutionSource = "provider_api"
)

type Resolution struct {
	User               *User
	ProviderCustomerID string
	Email              string
	Name               string
	Source             ResolutionSource
}

// CustomerLookup fetches a customer from the payment provider.
type CustomerLookup interface {
	GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)
}

// Service runs on the caller's transaction.
type Service interface {
	// ResolveUser walks link table, event metadata, then the provider API.
	ResolveUser(ctx context.Context, tx *gorm.DB, customer *stripe.Customer) (*Resolution, error)
	Link(ctx context.Context, tx *gorm.DB, resolution *Resolution) error
	// LinkFromCustomer persists a link for a customer whose metadata names a user.
	// It returns ErrMissingUserReference when there is nothing to link.
	LinkFromCustomer(ctx context.Context, tx *gorm.DB, customer *stripe.Customer) (*Resolution, error)
}
