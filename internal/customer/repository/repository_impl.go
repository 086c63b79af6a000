package repository

import (
	"context"

	customerdomain "github.com/smallbiznis/stripesync/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() customerdomain.Repository {
	return &repo{}
}

func (r *repo) FindUser(ctx context.Context, db *gorm.DB, id string) (*customerdomain.User, error) {
	var user customerdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindLink(ctx context.Context, db *gorm.DB, providerCustomerID string) (*customerdomain.CustomerLink, error) {
	var link customerdomain.CustomerLink
	err := db.WithContext(ctx).Raw(
		`SELECT provider_customer_id, user_id, email, name, created_at, updated_at
		FROM customer_links WHERE provider_customer_id = ?`,
		providerCustomerID,
	).Scan(&link).Error
	if err != nil {
		return nil, err
	}
	if link.ProviderCustomerID == "" {
		return nil, nil
	}
	return &link, nil
}

// UpsertLink keeps the stored snapshot when the incoming one is blank.
func (r *repo) UpsertLink(ctx context.Context, db *gorm.DB, link *customerdomain.CustomerLink) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO customer_links (provider_customer_id, user_id, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_customer_id) DO UPDATE SET
			user_id = excluded.user_id,
			email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE customer_links.email END,
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE customer_links.name END,
			updated_at = excluded.updated_at`,
		link.ProviderCustomerID,
		link.UserID,
		link.Email,
		link.Name,
		link.CreatedAt,
		link.UpdatedAt,
	).Error
}
