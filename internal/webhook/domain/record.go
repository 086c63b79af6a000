package domain

import (
	"time"

	"github.com/smallbiznis/stripesync/pkg/db/pagination"
	"gorm.io/datatypes"
)

// ProcessingRecord is the idempotency row for one provider event id.
type ProcessingRecord struct {
	EventID         string         `gorm:"column:event_id;primaryKey" json:"event_id"`
	EventType       string         `gorm:"column:event_type;type:text;not null" json:"event_type"`
	RawPayload      datatypes.JSON `gorm:"column:raw_payload;type:jsonb;not null" json:"-"`
	Processed       bool           `gorm:"column:processed;not null;default:false" json:"processed"`
	ProcessingError *string        `gorm:"column:processing_error" json:"processing_error"`
	Attempts        int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (ProcessingRecord) TableName() string { return "webhook_events" }

type RecordStatus string

const (
	RecordStatusProcessed RecordStatus = "processed"
	RecordStatusFailed    RecordStatus = "failed"
	RecordStatusPending   RecordStatus = "pending"
)

func (r ProcessingRecord) Status() RecordStatus {
	switch {
	case r.Processed:
		return RecordStatusProcessed
	case r.ProcessingError != nil:
		return RecordStatusFailed
	default:
		return RecordStatusPending
	}
}

func ParseRecordStatus(value string) (RecordStatus, bool) {
	switch RecordStatus(value) {
	case RecordStatusProcessed, RecordStatusFailed, RecordStatusPending:
		return RecordStatus(value), true
	default:
		return "", false
	}
}

type ListFilter struct {
	EventType string
	Status    RecordStatus
	HasError  *bool
	From      *time.Time
	To        *time.Time
	Page      pagination.Pagination
}

type ListResult struct {
	Records  []ProcessingRecord   `json:"records"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type TypeStats struct {
	EventType string `json:"event_type"`
	Total     int64  `json:"total"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

type Stats struct {
	From      time.Time   `json:"from"`
	To        time.Time   `json:"to"`
	Total     int64       `json:"total"`
	Processed int64       `json:"processed"`
	Failed    int64       `json:"failed"`
	Pending   int64       `json:"pending"`
	ByType    []TypeStats `json:"by_type"`
}
