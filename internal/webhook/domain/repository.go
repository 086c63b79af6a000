package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the idempotency store. Every method runs on the given handle
// so calls join the caller's transaction.
type Repository interface {
	Lookup(ctx context.Context, db *gorm.DB, eventID string) (*ProcessingRecord, error)
	// RecordAttemptStart creates the row or reopens an unprocessed one, counting
	// the attempt. Processed rows are returned untouched.
	RecordAttemptStart(ctx context.Context, db *gorm.DB, eventID, eventType string, payload []byte, at time.Time) (*ProcessingRecord, error)
	RecordSuccess(ctx context.Context, db *gorm.DB, eventID string, at time.Time) error
	RecordFailure(ctx context.Context, db *gorm.DB, eventID, eventType string, payload []byte, message string, at time.Time) error
	// ResetError clears the error on an unprocessed row. It reports false when
	// the row is missing or already processed.
	ResetError(ctx context.Context, db *gorm.DB, eventID string, at time.Time) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*ProcessingRecord, error)
	Stats(ctx context.Context, db *gorm.DB, from, to time.Time) (*Stats, error)
}
