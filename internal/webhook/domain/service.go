package domain

import (
	"context"
	"time"
)

// Outcome summarizes a delivery that did not fail.
type Outcome struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Attempts  int    `json:"attempts"`
	Duplicate bool   `json:"duplicate"`
	Unhandled bool   `json:"unhandled,omitempty"`
}

type Service interface {
	// Handle verifies and reconciles one delivery, retrying transient failures.
	Handle(ctx context.Context, rawBody []byte, signature string) (*Outcome, error)
	// Replay re-runs a stored, unprocessed event after clearing its error.
	Replay(ctx context.Context, eventID string) (*Outcome, error)
	Get(ctx context.Context, eventID string) (*ProcessingRecord, error)
	List(ctx context.Context, filter ListFilter) (*ListResult, error)
	Stats(ctx context.Context, from, to time.Time) (*Stats, error)
}
