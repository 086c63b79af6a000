package domain

import (
	"strings"
	"time"
)

// User is the local account a provider customer bills on behalf of.
type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"not null" json:"email"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (User) TableName() string { return "users" }

// CustomerLink maps a provider customer onto a local user with a contact snapshot.
type CustomerLink struct {
	ProviderCustomerID string    `gorm:"primaryKey" json:"provider_customer_id"`
	UserID             string    `gorm:"not null" json:"user_id"`
	Email              string    `gorm:"not null" json:"email"`
	Name               string    `gorm:"not null" json:"name"`
	CreatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (CustomerLink) TableName() string { return "customer_links" }

// UserReferenceKeys are the customer metadata keys carrying the local user id, in priority order.
var UserReferenceKeys = []string{"userId", "user_id"}

// UserReference extracts the local user id from provider customer metadata.
func UserReference(metadata map[string]string) (string, bool) {
	for _, key := range UserReferenceKeys {
		if value := strings.TrimSpace(metadata[key]); value != "" {
			return value, true
		}
	}
	return "", false
}
