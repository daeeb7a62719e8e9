// Package billing reconciles the Stripe webhook stream with ledger and
// subscription state.
//
// Every event id runs through a small state machine: Unseen -> Processing
// -> Processed or Failed. Processed is terminal and permanently blocks
// reprocessing; Failed keeps a retry count and lets the provider redeliver.
package billing

import (
	"context"
	"time"
)

// EventRecord tracks one external webhook event id.
type EventRecord struct {
	ID          string     `json:"id"` // provider event id
	Type        string     `json:"type"`
	Processed   bool       `json:"processed"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retryCount"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// EventStore persists webhook event records.
type EventStore interface {
	// BeginProcessing registers an attempt for an event id. It returns
	// false when the event was already processed (terminal), so the caller
	// acknowledges without reapplying. A previously failed event gets its
	// retry count bumped and may proceed.
	BeginProcessing(ctx context.Context, id, eventType string) (bool, error)

	// MarkProcessed records terminal success.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed records a failed attempt; the event stays retryable.
	MarkFailed(ctx context.Context, id, errMsg string) error

	Get(ctx context.Context, id string) (*EventRecord, error)

	// PurgeOlderThan garbage-collects records created before cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
