package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	FindUser(ctx context.Context, db *gorm.DB, id string) (*User, error)
	FindLink(ctx context.Context, db *gorm.DB, providerCustomerID string) (*CustomerLink, error)
	UpsertLink(ctx context.Context, db *gorm.DB, link *CustomerLink) error
}
