package repository

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/stripesync/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const recordColumns = `event_id, event_type, raw_payload, processed, processing_error, attempts,
	processed_at, created_at, updated_at`

func (r *repo) Lookup(ctx context.Context, db *gorm.DB, eventID string) (*domain.ProcessingRecord, error) {
	var record domain.ProcessingRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+` FROM webhook_events WHERE event_id = ?`,
		eventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.EventID == "" {
		return nil, nil
	}
	return &record, nil
}

// RecordAttemptStart takes the row lock for the attempt: the upsert serializes
// concurrent deliveries of one event id until the holder commits.
func (r *repo) RecordAttemptStart(ctx context.Context, db *gorm.DB, eventID, eventType string, payload []byte, at time.Time) (*domain.ProcessingRecord, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			event_id, event_type, raw_payload, processed, processing_error, attempts, created_at, updated_at
		) VALUES (?, ?, ?, false, NULL, 1, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			processing_error = NULL,
			attempts = webhook_events.attempts + 1,
			updated_at = excluded.updated_at
		WHERE webhook_events.processed = false`,
		eventID,
		eventType,
		string(payload),
		at,
		at,
	).Error
	if err != nil {
		return nil, err
	}
	return r.Lookup(ctx, db, eventID)
}

func (r *repo) RecordSuccess(ctx context.Context, db *gorm.DB, eventID string, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		SET processed = true, processing_error = NULL, processed_at = ?, updated_at = ?
		WHERE event_id = ? AND processed = false`,
		at,
		at,
		eventID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// RecordFailure persists the latest error outside the rolled-back attempt,
// counting the attempt the rollback discarded.
func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, eventID, eventType string, payload []byte, message string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			event_id, event_type, raw_payload, processed, processing_error, attempts, created_at, updated_at
		) VALUES (?, ?, ?, false, ?, 1, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			processing_error = excluded.processing_error,
			attempts = webhook_events.attempts + 1,
			updated_at = excluded.updated_at
		WHERE webhook_events.processed = false`,
		eventID,
		eventType,
		string(payload),
		message,
		at,
		at,
	).Error
}

func (r *repo) ResetError(ctx context.Context, db *gorm.DB, eventID string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET processing_error = NULL, updated_at = ?
		WHERE event_id = ? AND processed = false`,
		at,
		eventID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.ProcessingRecord, error) {
	stmt := db.WithContext(ctx).Model(&domain.ProcessingRecord{})
	if eventType := strings.TrimSpace(filter.EventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	switch filter.Status {
	case domain.RecordStatusProcessed:
		stmt = stmt.Where("processed = ?", true)
	case domain.RecordStatusFailed:
		stmt = stmt.Where("processed = ? AND processing_error IS NOT NULL", false)
	case domain.RecordStatusPending:
		stmt = stmt.Where("processed = ? AND processing_error IS NULL", false)
	}
	if filter.HasError != nil {
		if *filter.HasError {
			stmt = stmt.Where("processing_error IS NOT NULL")
		} else {
			stmt = stmt.Where("processing_error IS NULL")
		}
	}
	if filter.From != nil {
		stmt = stmt.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		stmt = stmt.Where("created_at < ?", *filter.To)
	}

	stmt, err := filter.Page.Apply(stmt, "event_id")
	if err != nil {
		return nil, domain.ErrInvalidFilter
	}

	var records []*domain.ProcessingRecord
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

type statsRow struct {
	EventType string
	Total     int64
	Processed int64
	Failed    int64
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, from, to time.Time) (*domain.Stats, error) {
	var rows []statsRow
	err := db.WithContext(ctx).Raw(
		`SELECT event_type,
			COUNT(*) AS total,
			SUM(CASE WHEN processed THEN 1 ELSE 0 END) AS processed,
			SUM(CASE WHEN NOT processed AND processing_error IS NOT NULL THEN 1 ELSE 0 END) AS failed
		FROM webhook_events
		WHERE created_at >= ? AND created_at < ?
		GROUP BY event_type
		ORDER BY event_type`,
		from,
		to,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &domain.Stats{From: from, To: to, ByType: make([]domain.TypeStats, 0, len(rows))}
	for _, row := range rows {
		stats.Total += row.Total
		stats.Processed += row.Processed
		stats.Failed += row.Failed
		stats.ByType = append(stats.ByType, domain.TypeStats{
			EventType: row.EventType,
			Total:     row.Total,
			Processed: row.Processed,
			Failed:    row.Failed,
		})
	}
	stats.Pending = stats.Total - stats.Processed - stats.Failed
	return stats, nil
}
