package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/stripesync/internal/clock"
	customerdomain "github.com/smallbiznis/stripesync/internal/customer/domain"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxUserReferenceLen = 128

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Repo   customerdomain.Repository
	Lookup customerdomain.CustomerLookup
}

type Service struct {
	log    *zap.Logger
	clock  clock.Clock
	repo   customerdomain.Repository
	lookup customerdomain.CustomerLookup
}

func NewService(p Params) customerdomain.Service {
	return &Service{
		log:    p.Log.Named("customer.service"),
		clock:  p.Clock,
		repo:   p.Repo,
		lookup: p.Lookup,
	}
}

func (s *Service) ResolveUser(ctx context.Context, tx *gorm.DB, customer *stripe.Customer) (*customerdomain.Resolution, error) {
	if customer == nil || strings.TrimSpace(customer.ID) == "" {
		return nil, customerdomain.ErrMissingCustomer
	}

	link, err := s.repo.FindLink(ctx, tx, customer.ID)
	if err != nil {
		return nil, err
	}
	if link != nil {
		user, err := s.repo.FindUser(ctx, tx, link.UserID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("%w: linked user %s", customerdomain.ErrUserNotFound, link.UserID)
		}
		return &customerdomain.Resolution{
			User:               user,
			ProviderCustomerID: customer.ID,
			Email:              firstNonEmpty(customer.Email, link.Email, user.Email),
			Name:               firstNonEmpty(customer.Name, link.Name, user.Name),
			Source:             customerdomain.SourceLink,
		}, nil
	}

	source := customerdomain.SourceMetadata
	ref, ok := customerdomain.UserReference(customer.Metadata)
	if !ok {
		fetched, err := s.fetchCustomer(ctx, customer.ID)
		if err != nil {
			return nil, err
		}
		customer = fetched
		source = customerdomain.SourceProvider
		ref, ok = customerdomain.UserReference(customer.Metadata)
		if !ok {
			return nil, customerdomain.ErrMissingUserReference
		}
	}

	user, err := s.findReferencedUser(ctx, tx, ref)
	if err != nil {
		return nil, err
	}

	return &customerdomain.Resolution{
		User:               user,
		ProviderCustomerID: customer.ID,
		Email:              firstNonEmpty(customer.Email, user.Email),
		Name:               firstNonEmpty(customer.Name, user.Name),
		Source:             source,
	}, nil
}

func (s *Service) Link(ctx context.Context, tx *gorm.DB, resolution *customerdomain.Resolution) error {
	if resolution == nil || resolution.User == nil {
		return customerdomain.ErrMissingUserReference
	}
	now := s.clock.Now().UTC()
	return s.repo.UpsertLink(ctx, tx, &customerdomain.CustomerLink{
		ProviderCustomerID: resolution.ProviderCustomerID,
		UserID:             resolution.User.ID,
		Email:              strings.TrimSpace(resolution.Email),
		Name:               strings.TrimSpace(resolution.Name),
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

func (s *Service) LinkFromCustomer(ctx context.Context, tx *gorm.DB, customer *stripe.Customer) (*customerdomain.Resolution, error) {
	if customer == nil || strings.TrimSpace(customer.ID) == "" {
		return nil, customerdomain.ErrMissingCustomer
	}
	ref, ok := customerdomain.UserReference(customer.Metadata)
	if !ok {
		return nil, customerdomain.ErrMissingUserReference
	}
	user, err := s.findReferencedUser(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	resolution := &customerdomain.Resolution{
		User:               user,
		ProviderCustomerID: customer.ID,
		Email:              customer.Email,
		Name:               customer.Name,
		Source:             customerdomain.SourceMetadata,
	}
	if err := s.Link(ctx, tx, resolution); err != nil {
		return nil, err
	}
	return resolution, nil
}

func (s *Service) fetchCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	if s.lookup == nil {
		return nil, customerdomain.ErrLookupUnavailable
	}
	customer, err := s.lookup.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, customerdomain.ErrLookupUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch customer %s: %w", customerID, err)
	}
	if customer == nil {
		return nil, customerdomain.ErrMissingCustomer
	}
	s.log.Debug("customer fetched from provider", zap.String("customer_id", customerID))
	return customer, nil
}

func (s *Service) findReferencedUser(ctx context.Context, tx *gorm.DB, ref string) (*customerdomain.User, error) {
	userID := strings.TrimSpace(ref)
	if len(userID) > maxUserReferenceLen || strings.ContainsAny(userID, " \t\r\n") {
		return nil, fmt.Errorf("%w: %q", customerdomain.ErrInvalidUserReference, ref)
	}
	user, err := s.repo.FindUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", customerdomain.ErrUserNotFound, userID)
	}
	return user, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
